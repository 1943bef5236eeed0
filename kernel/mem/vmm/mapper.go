package vmm

import (
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm/allocator"
)

var (
	// nextAddrFn lets tests override the address used to clear a newly
	// allocated page table; automatically inlined when compiling the
	// kernel.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is mocked by tests to avoid faulting when running
	// outside of ring 0.
	flushTLBEntryFn = flushTLBEntry

	// activePDTFn/switchPDTFn are mocked by tests for the same reason.
	activePDTFn = activePDT
	switchPDTFn = switchPDT

	// allocFrameFn supplies the physical frames used to bootstrap
	// missing intermediate page tables. Mocked by tests.
	allocFrameFn = allocator.AllocFrame

	// mapFn/mapTemporaryFn/unmapFn are indirections used by
	// PageDirectoryTable and mocked by tests.
	mapFn          = Map
	mapTemporaryFn = MapTemporary
	unmapFn        = Unmap

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
)

// Map establishes a mapping between a virtual page and a physical memory
// frame using the currently active page directory table, allocating
// physical frames as needed to populate any missing intermediate page
// tables. Mapping a page that is already mapped to a different frame fails
// with ErrAlreadyMapped; re-mapping the same frame (e.g. to change its
// flags) is allowed.
func Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) && pte.Frame() != frame {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(FlagPresent | flags)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			newTableFrame, allocErr := allocFrameFn()
			if allocErr != nil {
				err = ErrOutOfMemory
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			nextTableAddr := walkTableAddress(page.Address(), pteLevel+1)
			mem.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

// MapTemporary establishes a temporary RW mapping of a physical memory frame
// to a fixed virtual address. It is used to access and initialize inactive
// page tables before they are installed; callers must Unmap the returned
// page when done so the next MapTemporary call does not conflict.
func MapTemporary(frame pmm.Frame) (Page, *kernel.Error) {
	if err := Map(PageFromAddress(mem.TempMappingAddr), frame, FlagRW); err != nil {
		return 0, err
	}

	return PageFromAddress(mem.TempMappingAddr), nil
}

// Unmap removes a mapping previously installed via Map or MapTemporary.
func Unmap(page Page) *kernel.Error {
	var err *kernel.Error

	walk(page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// PageDirectoryTable describes the top-most table in the 4-level paging
// scheme (the PML4).
type PageDirectoryTable struct {
	pdtFrame pmm.Frame
}

// recursiveEntryOffset is the byte offset of the recursive self-mapping
// entry within any PML4-sized table page.
const recursiveEntryOffset = uintptr(recursiveIndex) << mem.PointerShift

// Init sets up the page table directory backed by pdtFrame. If pdtFrame is
// not the currently active PDT, a temporary mapping is used to clear the
// frame and install the recursive self-mapping at its last entry.
func (pdt *PageDirectoryTable) Init(pdtFrame pmm.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	activePdtAddr := activePDTFn()
	if pdt.pdtFrame.Address() == activePdtAddr {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdt.pdtFrame)
	if err != nil {
		return err
	}

	mem.Memset(pdtPage.Address(), 0, mem.PageSize)
	lastEntry := (*pageTableEntry)(unsafe.Pointer(pdtPage.Address() + recursiveEntryOffset))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pdt.pdtFrame)

	return unmapFn(pdtPage)
}

// Map establishes a mapping on this PDT, which may not be the currently
// active one. If it is inactive, the recursive mapping is temporarily
// retargeted at this PDT's frame so the generic Map() logic (which always
// walks through the recursive mapping) reaches the right tables.
func (pdt PageDirectoryTable) Map(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
	restore := pdt.borrowRecursiveSlot()
	defer restore()

	return mapFn(page, frame, flags)
}

// Unmap removes a mapping previously installed by Map on this PDT.
func (pdt PageDirectoryTable) Unmap(page Page) *kernel.Error {
	restore := pdt.borrowRecursiveSlot()
	defer restore()

	return unmapFn(page)
}

// borrowRecursiveSlot retargets the active PDT's recursive entry at pdt's
// frame if pdt is not already active, returning a function that restores it.
func (pdt PageDirectoryTable) borrowRecursiveSlot() func() {
	activePdtFrame := pmm.Frame(activePDTFn() >> mem.PageShift)
	if activePdtFrame == pdt.pdtFrame {
		return func() {}
	}

	lastEntryAddr := activePdtFrame.Address() + recursiveEntryOffset
	lastEntry := (*pageTableEntry)(unsafe.Pointer(lastEntryAddr))
	lastEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(lastEntryAddr)

	return func() {
		lastEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastEntryAddr)
	}
}

// Activate enables this page directory table and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(pdt.pdtFrame.Address())
}
