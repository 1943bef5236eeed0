package vmm

import (
	"testing"

	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
)

func withPageAllocatorMocks(t *testing.T) (mapped map[Page]pmm.Frame, freed *[]pmm.Frame) {
	t.Helper()

	mapped = make(map[Page]pmm.Frame)
	freed = &[]pmm.Frame{}

	origAlloc, origFree := allocFrameForPageFn, freeFrameFn
	origMap, origUnmap := mapPageFn, unmapPageFn
	origPte := pteForAddressFn
	t.Cleanup(func() {
		allocFrameForPageFn = origAlloc
		freeFrameFn = origFree
		mapPageFn = origMap
		unmapPageFn = origUnmap
		pteForAddressFn = origPte
	})

	var nextFrame pmm.Frame
	allocFrameForPageFn = func() (pmm.Frame, *kernel.Error) {
		f := nextFrame
		nextFrame++
		return f, nil
	}
	freeFrameFn = func(f pmm.Frame) { *freed = append(*freed, f) }
	mapPageFn = func(page Page, frame pmm.Frame, flags PageTableEntryFlag) *kernel.Error {
		mapped[page] = frame
		return nil
	}
	unmapPageFn = func(page Page) *kernel.Error {
		delete(mapped, page)
		return nil
	}
	pteForAddressFn = func(virtAddr uintptr) (*pageTableEntry, *kernelErr) {
		frame, ok := mapped[PageFromAddress(virtAddr)]
		if !ok {
			return nil, ErrInvalidMapping
		}
		var pte pageTableEntry
		pte.SetFrame(frame)
		pte.SetFlags(FlagPresent)
		return &pte, nil
	}

	return mapped, freed
}

func TestPageAllocatorAllocAdvancesCursorOnceByN(t *testing.T) {
	withPageAllocatorMocks(t)

	a := NewPageAllocator(0x1000, 16*mem.PageSize)

	start, err := a.Alloc(3, FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if start != 0x1000 {
		t.Fatalf("expected first alloc to start at base; got %#x", start)
	}

	// The cursor must have advanced by exactly 3 pages, not 3*3=9 pages
	// (the n^2 cursor bug this allocator must not reproduce).
	if exp := uintptr(0x1000) + 3*uintptr(mem.PageSize); a.nextVirt != exp {
		t.Fatalf("expected cursor to advance by exactly n pages to %#x; got %#x", exp, a.nextVirt)
	}

	second, err := a.Alloc(2, FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second != a.nextVirt-2*uintptr(mem.PageSize) {
		t.Fatalf("expected second alloc to start immediately after the first run")
	}
	if second != uintptr(0x1000)+3*uintptr(mem.PageSize) {
		t.Fatalf("expected second alloc to start right after the first 3 pages; got %#x", second)
	}
}

func TestPageAllocatorAllocMapsEachPageToAFreshFrame(t *testing.T) {
	mapped, _ := withPageAllocatorMocks(t)

	a := NewPageAllocator(0x2000, 16*mem.PageSize)
	start, err := a.Alloc(4, FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	seen := map[pmm.Frame]bool{}
	for i := uint64(0); i < 4; i++ {
		page := PageFromAddress(start + uintptr(i)*uintptr(mem.PageSize))
		frame, ok := mapped[page]
		if !ok {
			t.Fatalf("expected page %d to be mapped", i)
		}
		if seen[frame] {
			t.Fatalf("frame %v mapped twice", frame)
		}
		seen[frame] = true
	}
}

func TestPageAllocatorAllocUnwindsOnFrameExhaustion(t *testing.T) {
	mapped, freed := withPageAllocatorMocks(t)

	errOOM := &kernel.Error{Module: "test", Message: "out of frames"}
	callCount := 0
	allocFrameForPageFn = func() (pmm.Frame, *kernel.Error) {
		callCount++
		if callCount == 3 {
			return pmm.InvalidFrame, errOOM
		}
		return pmm.Frame(callCount), nil
	}

	a := NewPageAllocator(0x3000, 16*mem.PageSize)
	if _, err := a.Alloc(5, FlagRW); err != errOOM {
		t.Fatalf("expected errOOM; got %v", err)
	}

	if len(mapped) != 0 {
		t.Fatalf("expected every mapped page to be unwound; %d remain", len(mapped))
	}
	if len(*freed) != 2 {
		t.Fatalf("expected the 2 successfully allocated frames to be freed; got %d", len(*freed))
	}

	if a.nextVirt != 0x3000 {
		t.Fatalf("expected cursor to be unchanged after a failed Alloc; got %#x", a.nextVirt)
	}
}

func TestPageAllocatorAllocFailsWhenWindowExhausted(t *testing.T) {
	withPageAllocatorMocks(t)

	a := NewPageAllocator(0x4000, 2*mem.PageSize)
	if _, err := a.Alloc(3, FlagRW); err != errPageAllocatorOOM {
		t.Fatalf("expected errPageAllocatorOOM; got %v", err)
	}
}

func TestPageAllocatorDeallocFreesFramesAndUnmaps(t *testing.T) {
	mapped, freed := withPageAllocatorMocks(t)

	a := NewPageAllocator(0x5000, 16*mem.PageSize)
	start, err := a.Alloc(3, FlagRW)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := a.Dealloc(start, 3); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(mapped) != 0 {
		t.Fatalf("expected all pages to be unmapped; %d remain", len(mapped))
	}
	if len(*freed) != 3 {
		t.Fatalf("expected all 3 frames to be freed; got %d", len(*freed))
	}
}

func TestPageAllocatorMapExistingDoesNotAllocateFrames(t *testing.T) {
	mapped, _ := withPageAllocatorMocks(t)

	allocCalls := 0
	allocFrameForPageFn = func() (pmm.Frame, *kernel.Error) {
		allocCalls++
		return pmm.Frame(0), nil
	}

	a := NewPageAllocator(0x6000, 16*mem.PageSize)
	start, err := a.MapExisting(0xfee00000, 2, FlagRW|FlagCacheDisable)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if allocCalls != 0 {
		t.Fatalf("expected MapExisting to never allocate a frame; got %d calls", allocCalls)
	}

	firstPage := PageFromAddress(start)
	if got := mapped[firstPage]; got != pmm.Frame(uint64(0xfee00000)/uint64(mem.PageSize)) {
		t.Fatalf("expected first page to map to the physical base frame; got %v", got)
	}

	if exp := uintptr(0x6000) + 2*uintptr(mem.PageSize); a.nextVirt != exp {
		t.Fatalf("expected cursor to advance by n pages; got %#x", a.nextVirt)
	}
}
