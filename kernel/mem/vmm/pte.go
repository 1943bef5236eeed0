package vmm

import "github.com/ferrumos/ferrumos/kernel/mem/pmm"

// PageTableEntryFlag describes a bit flag that can be set on a page table
// entry.
type PageTableEntryFlag uintptr

// Page table entry flags recognized by this kernel. Bit positions match the
// x86_64 paging structures; unused hardware bits are left unnamed.
const (
	FlagPresent        PageTableEntryFlag = 1 << 0
	FlagRW             PageTableEntryFlag = 1 << 1
	FlagUserAccessible PageTableEntryFlag = 1 << 2
	FlagWriteThrough   PageTableEntryFlag = 1 << 3
	FlagCacheDisable   PageTableEntryFlag = 1 << 4
	FlagHugePage       PageTableEntryFlag = 1 << 7
	FlagCopyOnWrite    PageTableEntryFlag = 1 << 9 // software-defined, one of the free bits (9-11)
	FlagNoExecute      PageTableEntryFlag = 1 << 63
)

const pteFrameMask = uintptr(0x000ffffffffff000)

// pageTableEntry is a single entry in any of the four paging levels. The
// upper bits encode the physical frame, the lower 12 bits encode flags.
type pageTableEntry uintptr

// HasFlags returns true if all of the given flags are set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return uintptr(pte)&uintptr(flags) == uintptr(flags)
}

// SetFlags sets the given flags, leaving all other bits untouched.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte |= pageTableEntry(flags)
}

// ClearFlags clears the given flags, leaving all other bits untouched.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte &^= pageTableEntry(flags)
}

// SetFrame encodes the physical frame this entry points to.
func (pte *pageTableEntry) SetFrame(frame pmm.Frame) {
	*pte = (*pte &^ pageTableEntry(pteFrameMask)) | pageTableEntry(frame.Address()&pteFrameMask)
}

// Frame decodes the physical frame this entry points to.
func (pte pageTableEntry) Frame() pmm.Frame {
	return pmm.Frame((uintptr(pte) & pteFrameMask) >> 12)
}
