package vmm

import (
	"testing"
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
)

// withInterruptMocks neuters the interrupt-flag toggling around the package
// level critical sections: CLI/STI fault outside ring 0.
func withInterruptMocks(t *testing.T) {
	t.Helper()

	origIntsEnabled, origDisable, origEnable := intsEnabledFn, disableIntsFn, enableIntsFn
	t.Cleanup(func() {
		intsEnabledFn, disableIntsFn, enableIntsFn = origIntsEnabled, origDisable, origEnable
	})

	intsEnabledFn = func() bool { return false }
	disableIntsFn = func() {}
	enableIntsFn = func() {}
}

func withDefaultMocks(t *testing.T) {
	t.Helper()

	withInterruptMocks(t)

	origAllocFrame, origMapTemp, origUnmap := allocFrameFn, mapTemporaryFn, unmapFn
	t.Cleanup(func() {
		allocFrameFn = origAllocFrame
		mapTemporaryFn = origMapTemp
		unmapFn = origUnmap
	})

	// Over-allocate so a page-aligned address can be carved out of the
	// buffer; Memset into a rounded-down, unaligned slice address would
	// otherwise write outside the backing array.
	buf := make([]byte, 2*int(mem.PageSize))
	aligned := (uintptr(unsafe.Pointer(&buf[0])) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)

	allocFrameFn = func() (pmm.Frame, *kernel.Error) { return pmm.Frame(1), nil }
	mapTemporaryFn = func(pmm.Frame) (Page, *kernel.Error) {
		return PageFromAddress(aligned), nil
	}
	unmapFn = func(Page) *kernel.Error { return nil }
}

func TestInitReservesZeroedFrame(t *testing.T) {
	withDefaultMocks(t)

	if err := Init(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if Default == nil {
		t.Fatal("expected Default to be initialized")
	}
	if Default.base != mem.HeapBase {
		t.Fatalf("expected Default to serve the heap window; got base %#x", Default.base)
	}
	if ReservedZeroedFrame != pmm.Frame(1) {
		t.Fatalf("expected ReservedZeroedFrame to be set; got %v", ReservedZeroedFrame)
	}
}

func TestEarlyReserveRegionGrowsDownwardAndRejectsOverflow(t *testing.T) {
	withInterruptMocks(t)

	earlyReserveLastUsed = mem.GoRuntimeBase + uintptr(mem.PageSize)
	t.Cleanup(func() { earlyReserveLastUsed = mem.GoRuntimeBase + uintptr(mem.GoRuntimeSize) })

	first, err := EarlyReserveRegion(mem.PageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != mem.GoRuntimeBase {
		t.Fatalf("expected reservation to land at the window base; got %#x", first)
	}

	if _, err := EarlyReserveRegion(mem.PageSize); err != errEarlyReserveNoSpace {
		t.Fatalf("expected errEarlyReserveNoSpace once the window is exhausted; got %v", err)
	}
}

