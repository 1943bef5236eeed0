package vmm

import (
	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/cpu"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
	ksync "github.com/ferrumos/ferrumos/kernel/sync"
)

var (
	// Default is the page allocator instance that backs the kernel heap
	// window (kernel/mem/heap) and any other caller that needs freshly
	// mapped pages or an existing physical range mapped (MapExisting). It is
	// guarded by defaultLock; the lock order is Heap -> PageAllocator ->
	// FrameAllocator.
	Default *PageAllocator

	defaultLock ksync.Spinlock

	// earlyReserveLastUsed tracks the last reserved page address for the
	// Go runtime's own sysReserve hook and is decreased after each
	// reservation. It starts at the top of the Go-runtime window and
	// grows downward, mirroring the way the original vmm package's
	// EarlyReserveRegion grew down from the end of the kernel address
	// space.
	earlyReserveLastUsed = mem.GoRuntimeBase + uintptr(mem.GoRuntimeSize)

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "remaining virtual address space not large enough to satisfy reservation request"}

	// Interrupt toggling is mocked by tests, which run in ring 3 where
	// CLI/STI would fault. Each critical section saves the interrupt
	// flag and only re-enables interrupts if they were enabled on entry,
	// so a caller (e.g. the heap) that already disabled them keeps them
	// disabled until its own critical section ends.
	intsEnabledFn = cpu.InterruptsEnabled
	disableIntsFn = cpu.DisableInterrupts
	enableIntsFn  = cpu.EnableInterrupts

	// ReservedZeroedFrame is a single physical frame, zeroed once at
	// Init time, that backs every copy-on-write mapping the Go runtime
	// installs via sysMap before it actually needs distinct memory.
	ReservedZeroedFrame pmm.Frame
)

// Init constructs the Default page allocator over the kernel heap window and
// reserves the zeroed frame used for copy-on-write Go runtime mappings. IRQ
// registration for page-fault-driven CoW resolution is owned by the
// (excluded) interrupt subsystem and is not performed here.
func Init() *kernel.Error {
	Default = NewPageAllocator(mem.HeapBase, mem.HeapSize)
	return reserveZeroedFrame()
}

func reserveZeroedFrame() *kernel.Error {
	var err *kernel.Error

	if ReservedZeroedFrame, err = allocFrameFn(); err != nil {
		return err
	}

	tempPage, err := mapTemporaryFn(ReservedZeroedFrame)
	if err != nil {
		return err
	}

	mem.Memset(tempPage.Address(), 0, mem.PageSize)
	return unmapFn(tempPage)
}

// Alloc reserves n pages from Default, under defaultLock and with interrupts
// disabled on the current CPU for the duration of the call, since interrupt
// handlers may themselves allocate.
func Alloc(n uint64, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	ifOn := intsEnabledFn()
	disableIntsFn()
	defaultLock.Acquire()
	defer func() {
		defaultLock.Release()
		if ifOn {
			enableIntsFn()
		}
	}()

	return Default.Alloc(n, flags)
}

// Dealloc releases n pages starting at virtAddr back through Default, under
// the same locking discipline as Alloc.
func Dealloc(virtAddr uintptr, n uint64) *kernel.Error {
	ifOn := intsEnabledFn()
	disableIntsFn()
	defaultLock.Acquire()
	defer func() {
		defaultLock.Release()
		if ifOn {
			enableIntsFn()
		}
	}()

	return Default.Dealloc(virtAddr, n)
}

// MapExisting maps a known physical range through Default without allocating
// frames, e.g. for MMIO regions.
func MapExisting(physAddr uintptr, n uint64, flags PageTableEntryFlag) (uintptr, *kernel.Error) {
	ifOn := intsEnabledFn()
	disableIntsFn()
	defaultLock.Acquire()
	defer func() {
		defaultLock.Release()
		if ifOn {
			enableIntsFn()
		}
	}()

	return Default.MapExisting(physAddr, n, flags)
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual address
// range of the requested size inside the Go-runtime window, without mapping
// any frames, and returns its starting address. It is used by
// kernel/goruntime's sysReserve/sysAlloc hooks during early Go allocator
// bootstrap, before a general-purpose heap exists.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)

	ifOn := intsEnabledFn()
	disableIntsFn()
	defaultLock.Acquire()
	defer func() {
		defaultLock.Release()
		if ifOn {
			enableIntsFn()
		}
	}()

	// Reserving a region of this size would underflow past the start of
	// the Go-runtime window.
	if uintptr(size) > earlyReserveLastUsed-mem.GoRuntimeBase {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveLastUsed -= uintptr(size)
	return earlyReserveLastUsed, nil
}
