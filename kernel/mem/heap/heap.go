// Package heap implements the kernel's process-wide allocator: segregated
// fixed-size free lists for small requests, falling back to the page
// allocator (kernel/mem/vmm) for anything larger than the biggest size
// class. Large allocations are recorded in kernel/mem/largetable so they can
// be returned correctly at free time.
package heap

import (
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/cpu"
	"github.com/ferrumos/ferrumos/kernel/kfmt/early"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/largetable"
	"github.com/ferrumos/ferrumos/kernel/mem/vmm"
	ksync "github.com/ferrumos/ferrumos/kernel/sync"
)

// sizeClasses are the discrete small-allocation sizes this heap serves
// directly. Each is a power of two, so a class's size always satisfies any
// alignment request up to and including that size.
var sizeClasses = [...]uintptr{8, 16, 32, 64, 128, 256, 512, 1024, 2048}

// maxListLength bounds the number of free blocks kept on any single size
// class's list. Deallocations past this cap are leaked rather than retained,
// trading a small amount of memory for protection against unbounded
// free-list growth under pathological allocation patterns.
const maxListLength = 4096

var (
	pageAllocFn   = vmm.Alloc
	pageDeallocFn = vmm.Dealloc

	largeInsertFn = largetable.Insert
	largeRemoveFn = largetable.Remove

	// Interrupt toggling is mocked by tests, which run in ring 3 where
	// CLI/STI would fault. Each critical section saves the interrupt
	// flag and only re-enables interrupts if they were enabled on entry,
	// so nested sections (heap -> page allocator) do not re-enable them
	// while an outer lock is still held.
	intsEnabledFn = cpu.InterruptsEnabled
	disableIntsFn = cpu.DisableInterrupts
	enableIntsFn  = cpu.EnableInterrupts
)

// Layout describes the size and alignment requirements of a single
// allocation.
type Layout struct {
	Size  uintptr
	Align uintptr
}

// need returns the effective block size a Layout requires: big enough for
// both the requested size and the requested alignment, since every size
// class is itself a power of two and therefore self-aligning.
func (l Layout) need() uintptr {
	if l.Align > l.Size {
		return l.Align
	}
	return l.Size
}

// classFor returns the index of the smallest size class able to satisfy
// need, or false if need is larger than the biggest class (i.e. the request
// must go through the large-allocation path).
func classFor(need uintptr) (int, bool) {
	for i, sz := range sizeClasses {
		if sz >= need {
			return i, true
		}
	}
	return 0, false
}

type freeList struct {
	head   uintptr
	length uint32
}

// Heap is a segregated-free-list allocator guarded by a single spinlock.
// Per-class locking would scale better under concurrent allocation, but this
// kernel does not yet need allocation to scale past one lock.
type Heap struct {
	lists [len(sizeClasses)]freeList
	lock  ksync.Spinlock
}

// Default is the package-wide heap instance. Alloc/Dealloc operate on it.
var Default = &Heap{}

// Init optionally primes size class 0 (8-byte blocks) with one page's worth
// of blocks, accelerating the earliest small allocations made during boot
// before any free list has been populated by a cache miss.
func Init() *kernel.Error {
	return Default.primeClass(0)
}

// Alloc reserves a block satisfying layout and returns its address, or the
// zero address on OOM.
func Alloc(layout Layout) uintptr {
	return Default.Alloc(layout)
}

// Dealloc returns a block previously obtained from Alloc(layout).
func Dealloc(ptr uintptr, layout Layout) {
	Default.Dealloc(ptr, layout)
}

// Alloc reserves a block satisfying layout. Small requests are served from
// (or refilled into) the matching size class's free list; anything larger
// than the biggest size class is page-rounded and served directly from the
// page allocator, with the allocation recorded in the large-allocation
// table.
func (h *Heap) Alloc(layout Layout) uintptr {
	classIdx, ok := classFor(layout.need())
	if !ok {
		return h.allocLarge(layout.need())
	}

	ifOn := intsEnabledFn()
	disableIntsFn()
	h.lock.Acquire()
	defer func() {
		h.lock.Release()
		if ifOn {
			enableIntsFn()
		}
	}()

	list := &h.lists[classIdx]
	if list.head != 0 {
		block := list.head
		list.head = nextPtr(block)
		list.length--
		return block
	}

	return h.refillAndTakeOneLocked(classIdx)
}

// Dealloc returns a previously allocated block. Small blocks are pushed back
// onto their size class's list unless it is already at maxListLength, in
// which case the block is leaked and a warning is logged: this is
// intentional back-pressure against fragmentation storms, not a bug. Large
// blocks are looked up in the large-allocation table and, if found, returned
// to the page allocator; an unknown large pointer is a caller bug and is
// reported as a diagnostic rather than treated as fatal.
func (h *Heap) Dealloc(ptr uintptr, layout Layout) {
	classIdx, ok := classFor(layout.need())
	if !ok {
		h.deallocLarge(ptr)
		return
	}

	ifOn := intsEnabledFn()
	disableIntsFn()
	h.lock.Acquire()
	defer func() {
		h.lock.Release()
		if ifOn {
			enableIntsFn()
		}
	}()

	list := &h.lists[classIdx]
	if list.length >= maxListLength {
		early.Printf("[heap] size class %d already at capacity (%d blocks); leaking block at %x\n",
			sizeClasses[classIdx], maxListLength, ptr)
		return
	}

	setNextPtr(ptr, list.head)
	list.head = ptr
	list.length++
}

// refillAndTakeOneLocked requests one page from the page allocator, carves
// it into blocks of the given size class, pushes all but the first onto the
// class's free list, and returns the first block directly. Must be called
// with h.lock held.
func (h *Heap) refillAndTakeOneLocked(classIdx int) uintptr {
	pageAddr, err := pageAllocFn(1, vmm.FlagRW)
	if err != nil {
		return 0
	}

	blockSize := sizeClasses[classIdx]
	blocksPerPage := int(uintptr(mem.PageSize) / blockSize)
	list := &h.lists[classIdx]

	for i := blocksPerPage - 1; i >= 1; i-- {
		block := pageAddr + uintptr(i)*blockSize
		setNextPtr(block, list.head)
		list.head = block
		list.length++
	}

	return pageAddr
}

// primeClass requests one page from the page allocator and pushes every
// block it yields onto the given class's free list (unlike
// refillAndTakeOneLocked, nothing is taken out).
func (h *Heap) primeClass(classIdx int) *kernel.Error {
	pageAddr, err := pageAllocFn(1, vmm.FlagRW)
	if err != nil {
		return err
	}

	blockSize := sizeClasses[classIdx]
	blocksPerPage := int(uintptr(mem.PageSize) / blockSize)

	h.lock.Acquire()
	defer h.lock.Release()

	list := &h.lists[classIdx]
	for i := 0; i < blocksPerPage; i++ {
		block := pageAddr + uintptr(i)*blockSize
		setNextPtr(block, list.head)
		list.head = block
		list.length++
	}

	return nil
}

// allocLarge serves a request bigger than the largest size class straight
// from the page allocator, recording the page count in the large-allocation
// table. Interrupts stay disabled for the whole path: the table's spin lock
// must never be held while an interrupt handler that allocates can run on
// this CPU.
func (h *Heap) allocLarge(need uintptr) uintptr {
	ifOn := intsEnabledFn()
	disableIntsFn()
	defer func() {
		if ifOn {
			enableIntsFn()
		}
	}()

	pages := mem.Size(need).Pages()
	addr, err := pageAllocFn(pages, vmm.FlagRW)
	if err != nil {
		return 0
	}

	largeInsertFn(addr, pages)
	return addr
}

// deallocLarge runs under the same interrupt discipline as allocLarge.
func (h *Heap) deallocLarge(ptr uintptr) {
	ifOn := intsEnabledFn()
	disableIntsFn()
	defer func() {
		if ifOn {
			enableIntsFn()
		}
	}()

	pages, ok := largeRemoveFn(ptr)
	if !ok {
		early.Printf("[heap] free of unknown large pointer %x\n", ptr)
		return
	}

	if err := pageDeallocFn(ptr, pages); err != nil {
		early.Printf("[heap] failed to release %d pages at %x: %s\n", pages, ptr, err.Message)
	}
}

// Stats is a read-only snapshot of the heap's internal bookkeeping, useful
// for diagnostics; it does not itself drive any allocation policy.
type Stats struct {
	FreeCounts    [len(sizeClasses)]uint32
	LargeOccupied int
}

// Stats returns a point-in-time snapshot of free-list occupancy and
// large-table usage.
func (h *Heap) Stats() Stats {
	ifOn := intsEnabledFn()
	disableIntsFn()
	h.lock.Acquire()
	defer func() {
		h.lock.Release()
		if ifOn {
			enableIntsFn()
		}
	}()

	var s Stats
	for i := range h.lists {
		s.FreeCounts[i] = h.lists[i].length
	}
	s.LargeOccupied = largetable.Default.Occupied()
	return s
}

func nextPtr(block uintptr) uintptr {
	return *(*uintptr)(unsafe.Pointer(block))
}

func setNextPtr(block, next uintptr) {
	*(*uintptr)(unsafe.Pointer(block)) = next
}
