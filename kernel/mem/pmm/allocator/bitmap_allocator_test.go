package allocator

import (
	"testing"
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel/hal/multiboot"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
)

// withRegions installs a fake firmware memory map for the duration of a
// test. Regions use small synthetic physical addresses starting at zero;
// the buffer allocated here stands in for physical memory, and its base
// address is returned as the direct-map offset to pass to Init so the
// bitmap's storage writes land inside it (virt = base + phys).
func withRegions(t *testing.T, regions []multiboot.MemoryMapEntry) uintptr {
	t.Helper()

	origVisit := visitMemRegionsFn
	t.Cleanup(func() { visitMemRegionsFn = origVisit })

	var maxEnd uint64
	for _, r := range regions {
		if end := r.PhysAddress + r.Length; end > maxEnd {
			maxEnd = end
		}
	}

	buf := make([]byte, int(maxEnd)+int(mem.PageSize))
	t.Cleanup(func() { _ = buf })

	entries := make([]multiboot.MemoryMapEntry, len(regions))
	copy(entries, regions)
	visitMemRegionsFn = func(visit multiboot.MemRegionVisitor) {
		for i := range entries {
			if !visit(&entries[i]) {
				return
			}
		}
	}

	return uintptr(unsafe.Pointer(&buf[0]))
}

func TestInitMarksNonUsableAndBitmapStorageReserved(t *testing.T) {
	offset := withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 16 * uint64(mem.PageSize), Type: multiboot.Reserved},
		{PhysAddress: 16 * uint64(mem.PageSize), Length: 48 * uint64(mem.PageSize), Type: multiboot.Usable},
	})

	if err := Init(offset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if Default.numFrames != 64 {
		t.Fatalf("expected 64 total frames; got %d", Default.numFrames)
	}

	// Frames 0-15 (reserved region) must be marked used.
	for f := uint64(0); f < 16; f++ {
		wordIdx := f / 64
		mask := uint64(1) << (f % 64)
		if Default.words[wordIdx]&mask == 0 {
			t.Errorf("expected frame %d (reserved region) to be marked used", f)
		}
	}

	// The bitmap itself lands at the usable region's first frame (16),
	// which must stay reserved; the remaining 47 usable frames are free.
	wordIdx, mask := uint64(16)/64, uint64(1)<<(16%64)
	if Default.words[wordIdx]&mask == 0 {
		t.Error("expected the bitmap's own frame to be marked used")
	}
	if got, exp := Default.FreeCount(), uint64(47); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}
	if Default.FreeCount()+Default.UsedCount() != Default.numFrames {
		t.Fatalf("FreeCount + UsedCount should equal numFrames; got %d + %d != %d",
			Default.FreeCount(), Default.UsedCount(), Default.numFrames)
	}
}

func TestAllocateAndDeallocate(t *testing.T) {
	offset := withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 8 * uint64(mem.PageSize), Type: multiboot.Usable},
	})

	if err := Init(offset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Frame 0 holds the bitmap itself, leaving 7 allocatable frames.
	if got, exp := Default.FreeCount(), uint64(7); got != exp {
		t.Fatalf("expected %d free frames after init; got %d", exp, got)
	}

	seen := map[pmm.Frame]bool{}
	for i := 0; i < 7; i++ {
		f, err := Default.Allocate()
		if err != nil {
			t.Fatalf("allocation %d: unexpected error: %v", i, err)
		}
		if f == pmm.Frame(0) {
			t.Fatal("expected the bitmap's own frame to never be handed out")
		}
		if seen[f] {
			t.Fatalf("frame %d allocated twice", f)
		}
		seen[f] = true
	}

	if _, err := Default.Allocate(); err != errFrameExhausted {
		t.Fatalf("expected errFrameExhausted once all frames are allocated; got %v", err)
	}

	for f := range seen {
		Default.Deallocate(f)
	}

	if got, exp := Default.FreeCount(), uint64(7); got != exp {
		t.Fatalf("expected FreeCount to be %d after deallocating everything; got %d", exp, got)
	}
}

func TestDeallocateDoubleFreePanics(t *testing.T) {
	offset := withRegions(t, []multiboot.MemoryMapEntry{
		{PhysAddress: 0, Length: 4 * uint64(mem.PageSize), Type: multiboot.Usable},
	})
	if err := Init(offset); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	f, err := Default.Allocate()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	Default.Deallocate(f)

	defer func(orig func(interface{})) { panicFn = orig }(panicFn)
	var caught interface{}
	panicFn = func(e interface{}) { caught = e }

	Default.Deallocate(f)

	if caught != errDoubleFree {
		t.Fatalf("expected panicFn to be called with errDoubleFree; got %v", caught)
	}
}

func TestInitNoRoomForBitmap(t *testing.T) {
	defer func(orig func(multiboot.MemRegionVisitor)) { visitMemRegionsFn = orig }(visitMemRegionsFn)

	visitMemRegionsFn = func(visit multiboot.MemRegionVisitor) {
		e := multiboot.MemoryMapEntry{PhysAddress: 0, Length: 1, Type: multiboot.Usable}
		visit(&e)
	}

	if err := Init(0); err != errNoRoomForBitmap {
		t.Fatalf("expected errNoRoomForBitmap; got %v", err)
	}
}
