package vmm

import "github.com/ferrumos/ferrumos/kernel/mem"

// The MMU walks a canonical 48-bit virtual address through 4 paging levels
// (PML4, PDPT, PD, PT), 9 bits per level, each entry 8 bytes wide. This
// kernel accesses inactive levels without a physical-to-virtual helper by
// recursively mapping the last PML4 entry back to the PML4 table itself:
// reading through that entry once exposes the PT tables as "pages"; reading
// through it twice exposes PD tables; three times exposes PDPT tables; four
// times exposes the PML4 table itself.
const (
	pageLevels   = 4
	pointerBytes = 1 << mem.PointerShift

	// recursiveIndex is the last usable PML4 slot, reserved for the
	// recursive self-mapping.
	recursiveIndex = (1 << pageLevelBits) - 1

	// pageLevelBits is the number of address bits each paging level
	// consumes.
	pageLevelBits = 9
)

// pageLevelShifts[i] is the bit offset of the index consumed by paging
// level i (0 = PML4, pageLevels-1 = PT).
var pageLevelShifts = [pageLevels]uint{
	12 + 3*pageLevelBits, // PML4
	12 + 2*pageLevelBits, // PDPT
	12 + 1*pageLevelBits, // PD
	12 + 0*pageLevelBits, // PT
}

// levelIndex extracts the paging-level index encoded in a virtual address at
// the given level.
func levelIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits) - 1)
}

// walkTableAddress computes the virtual address of the page table at the
// given level that contains the entry for virtAddr, using the recursive
// mapping installed at PML4[recursiveIndex].
//
// Reading a virtual address through the recursive slot N times lands on the
// table at level pageLevels-N (four times: the PML4; once: a PT): the address
// field that would normally select the PML4
// entry, the PDPT entry, and so on is replaced by recursiveIndex for the
// first (pageLevels-level) fields, with the real index bits from virtAddr
// (one level up from the table identified) filling the remaining fields.
func walkTableAddress(virtAddr uintptr, level uint8) uintptr {
	prefixCount := pageLevels - int(level)

	var addr uintptr
	for i := 0; i < pageLevels; i++ {
		var fieldVal uintptr
		if i < prefixCount {
			fieldVal = uintptr(recursiveIndex)
		} else {
			fieldVal = levelIndex(virtAddr, uint8(i-prefixCount))
		}
		addr |= fieldVal << pageLevelShifts[i]
	}

	return signExtend(addr)
}

// signExtend propagates bit 47 into bits 63:48, as required for a canonical
// x86_64 virtual address.
func signExtend(addr uintptr) uintptr {
	const signBit = uintptr(1) << 47
	const highMask = (^uintptr(0) >> 48) << 48
	if addr&signBit != 0 {
		return addr | highMask
	}
	return addr &^ highMask
}

// walkVisitorFn is invoked once per paging level while walking down to the
// leaf entry for a virtual address. Returning false aborts the walk.
type walkVisitorFn func(level uint8, pte *pageTableEntry) bool

// tableAddrFn computes the table address for a paging level. It is a
// package var, rather than a direct call to walkTableAddress, so tests can
// redirect paging-level tables onto plain Go-allocated buffers instead of
// the canonical recursive-mapping addresses, which only resolve on real
// paging hardware.
var tableAddrFn = walkTableAddress

// walk descends the active page table hierarchy for virtAddr, invoking
// visit once per level (PML4 down to PT) with a pointer to that level's
// entry, reached via the recursive mapping.
func walk(virtAddr uintptr, visit walkVisitorFn) {
	for level := uint8(0); level < pageLevels; level++ {
		tableAddr := tableAddrFn(virtAddr, level)
		entryAddr := tableAddr + levelIndex(virtAddr, level)*pointerBytes
		pte := (*pageTableEntry)(ptrFromAddr(entryAddr))
		if !visit(level, pte) {
			return
		}
	}
}

// pteForAddressFn is mocked by tests; it is automatically inlined by the
// compiler when compiling the kernel.
var pteForAddressFn = pteForAddress

// pteForAddress returns the leaf page table entry mapping virtAddr.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernelErr) {
	var (
		pte *pageTableEntry
		err *kernelErr
	)

	walk(virtAddr, func(level uint8, entry *pageTableEntry) bool {
		if level == pageLevels-1 {
			if !entry.HasFlags(FlagPresent) {
				err = ErrInvalidMapping
				return false
			}
			pte = entry
			return false
		}

		if !entry.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		return true
	})

	return pte, err
}
