package vmm

import (
	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm/allocator"
)

var (
	errPageAllocatorOOM = &kernel.Error{Module: "vmm", Message: "page allocator: heap window exhausted"}

	// allocFrameForPageFn/freeFrameFn are mocked by tests; they are
	// automatically inlined by the compiler when compiling the kernel.
	allocFrameForPageFn = allocator.AllocFrame
	freeFrameFn         = allocator.FreeFrame

	mapPageFn   = Map
	unmapPageFn = Unmap
)

// PageAllocator hands out virtual pages inside a fixed window, backing each
// with a freshly allocated physical frame. The virtual cursor only ever
// advances; freed ranges are not recycled.
type PageAllocator struct {
	base     uintptr
	size     mem.Size
	nextVirt uintptr
}

// NewPageAllocator returns a PageAllocator that serves pages out of
// [base, base+size).
func NewPageAllocator(base uintptr, size mem.Size) *PageAllocator {
	return &PageAllocator{base: base, size: size, nextVirt: base}
}

// Alloc reserves n contiguous virtual pages starting at the allocator's
// cursor, maps each to a freshly allocated physical frame, and advances the
// cursor once by n pages. If a frame cannot be obtained partway through,
// every page already mapped during this call is unwound (unmapped and its
// frame freed) before the error is returned; the cursor itself is not
// advanced on failure.
//
// Alloc performs no heap allocation of its own: it runs under the page
// allocator lock, and the Go runtime's allocator refills through that same
// lock (see EarlyReserveRegion).
func (a *PageAllocator) Alloc(n uint64, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if n == 0 {
		return a.nextVirt, nil
	}

	startVirt := a.nextVirt
	if startVirt+uintptr(n)*uintptr(mem.PageSize) > a.base+uintptr(a.size) {
		return 0, errPageAllocatorOOM
	}

	for i := uint64(0); i < n; i++ {
		page := PageFromAddress(startVirt + uintptr(i)*uintptr(mem.PageSize))

		frame, err := allocFrameForPageFn()
		if err != nil {
			a.unwind(startVirt, i)
			return 0, err
		}

		if err := mapPageFn(page, frame, flags); err != nil {
			freeFrameFn(frame)
			a.unwind(startVirt, i)
			return 0, err
		}
	}

	// The cursor advances exactly once, by the full run length, after
	// every page in the run has been mapped successfully.
	a.nextVirt = startVirt + uintptr(n)*uintptr(mem.PageSize)

	return startVirt, nil
}

// unwind reverses a partially completed Alloc: the n pages mapped so far,
// starting at startVirt, are each unmapped and their frames (read back from
// the leaf page table entries) returned to the physical allocator.
func (a *PageAllocator) unwind(startVirt uintptr, n uint64) {
	for i := uint64(0); i < n; i++ {
		page := PageFromAddress(startVirt + uintptr(i)*uintptr(mem.PageSize))

		pte, err := pteForAddressFn(page.Address())
		if err != nil {
			continue
		}
		frame := pte.Frame()

		unmapPageFn(page)
		freeFrameFn(frame)
	}
}

// Dealloc unmaps n pages starting at virtAddr and returns each freed frame
// to the physical allocator. The virtual range itself is not recycled: the
// allocator's cursor is unaffected.
func (a *PageAllocator) Dealloc(virtAddr uintptr, n uint64) *kernel.Error {
	for i := uint64(0); i < n; i++ {
		page := PageFromAddress(virtAddr + uintptr(i)*uintptr(mem.PageSize))

		pte, err := pteForAddressFn(page.Address())
		if err != nil {
			return err
		}
		frame := pte.Frame()

		if err := unmapPageFn(page); err != nil {
			return err
		}
		freeFrameFn(frame)
	}

	return nil
}

// MapExisting maps a known physical range to a fresh n-page virtual range
// without allocating frames, for callers that already have a physical
// identity to expose, e.g. MMIO regions. The
// allocator's cursor advances by n pages exactly as in Alloc.
func (a *PageAllocator) MapExisting(physAddr uintptr, n uint64, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	if n == 0 {
		return a.nextVirt, nil
	}

	startVirt := a.nextVirt
	if startVirt+uintptr(n)*uintptr(mem.PageSize) > a.base+uintptr(a.size) {
		return 0, errPageAllocatorOOM
	}

	for i := uint64(0); i < n; i++ {
		page := PageFromAddress(startVirt + uintptr(i)*uintptr(mem.PageSize))
		frame := pmm.Frame(uint64(physAddr)/uint64(mem.PageSize) + i)

		if err := mapPageFn(page, frame, flags); err != nil {
			for j := uint64(0); j < i; j++ {
				unmapPageFn(PageFromAddress(startVirt + uintptr(j)*uintptr(mem.PageSize)))
			}
			return 0, err
		}
	}

	a.nextVirt = startVirt + uintptr(n)*uintptr(mem.PageSize)

	return startVirt, nil
}
