// Package allocator implements the physical frame allocator: a single
// bitmap spanning every frame up to the highest usable physical address,
// initialized once from the firmware memory map and backing every later
// virtual-memory and heap operation.
package allocator

import (
	"math/bits"
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/hal/multiboot"
	"github.com/ferrumos/ferrumos/kernel/kfmt/early"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
	ksync "github.com/ferrumos/ferrumos/kernel/sync"
)

var (
	errFrameExhausted  = &kernel.Error{Module: "bitmap_alloc", Message: "no free frames left"}
	errFrameOutOfRange = &kernel.Error{Module: "bitmap_alloc", Message: "frame index outside the bitmap"}
	errDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "double free of a physical frame"}
	errNoRoomForBitmap = &kernel.Error{Module: "bitmap_alloc", Message: "no usable region large enough to hold the frame bitmap"}

	// visitMemRegionsFn is mocked by tests and automatically inlined by
	// the compiler when compiling the kernel.
	visitMemRegionsFn = multiboot.VisitMemRegions

	// panicFn is mocked by tests; kernel.Panic halts the CPU and never
	// returns, which would hang a test run.
	panicFn = kernel.Panic

	// Default is the package-wide frame allocator instance set up by
	// Init. AllocFrame/FreeFrame operate on it.
	Default *BitmapAllocator
)

// BitmapAllocator is a physical frame allocator backed by a single bitmap
// over frame indices [0, N). A set bit means the frame is in use or lies
// outside any usable firmware region; a clear bit means the frame is free.
type BitmapAllocator struct {
	words     []uint64
	numFrames uint64
	freeCount uint64
	lock      ksync.Spinlock
}

// Init scans the firmware-provided memory map, sizes a bitmap large enough
// to cover every frame up to the highest usable physical address, places it
// (via the direct map) inside a usable region that can hold it, and clears
// the bits for every frame wholly inside a usable region except those that
// overlap the bitmap's own storage.
func Init(directMapOffset uintptr) *kernel.Error {
	var maxEnd uint64
	visitMemRegionsFn(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type == multiboot.Usable {
			if end := e.PhysAddress + e.Length; end > maxEnd {
				maxEnd = end
			}
		}
		return true
	})

	pageSize := uint64(mem.PageSize)
	numFrames := (maxEnd + pageSize - 1) / pageSize
	bitmapWords := (numFrames + 63) / 64
	bitmapBytes := bitmapWords * 8

	var (
		bitmapPhysStart uint64
		found           bool
	)
	visitMemRegionsFn(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type != multiboot.Usable {
			return true
		}
		start := roundUpPage(e.PhysAddress)
		end := e.PhysAddress + e.Length
		if end <= start || end-start < bitmapBytes {
			return true
		}
		bitmapPhysStart = start
		found = true
		return false
	})
	if !found {
		return errNoRoomForBitmap
	}
	bitmapPhysEnd := bitmapPhysStart + bitmapBytes

	bitsAddr := directMapOffset + uintptr(bitmapPhysStart)
	words := unsafe.Slice((*uint64)(unsafe.Pointer(bitsAddr)), bitmapWords)

	// I1/I2: start with every frame marked reserved; only usable regions
	// ever get cleared below, so non-usable ranges stay set automatically.
	for i := range words {
		words[i] = ^uint64(0)
	}

	var freeCount uint64
	visitMemRegionsFn(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type != multiboot.Usable {
			return true
		}
		startFrame := (e.PhysAddress + pageSize - 1) / pageSize
		endFrame := (e.PhysAddress + e.Length) / pageSize
		for f := startFrame; f < endFrame; f++ {
			physAddr := f * pageSize
			if physAddr >= bitmapPhysStart && physAddr < bitmapPhysEnd {
				continue
			}
			clearBit(words, f)
			freeCount++
		}
		return true
	})

	Default = &BitmapAllocator{
		words:     words,
		numFrames: numFrames,
		freeCount: freeCount,
	}

	early.Printf("[bitmap_alloc] %d usable frames out of %d; bitmap: %d bytes at phys %x\n",
		freeCount, numFrames, bitmapBytes, bitmapPhysStart)

	return nil
}

// Allocate reserves and returns the lowest-indexed free frame.
func (a *BitmapAllocator) Allocate() (pmm.Frame, *kernel.Error) {
	a.lock.Acquire()
	defer a.lock.Release()

	for wordIdx, w := range a.words {
		if w == ^uint64(0) {
			continue
		}

		bit := bits.TrailingZeros64(^w)
		frame := uint64(wordIdx)*64 + uint64(bit)
		if frame >= a.numFrames {
			continue
		}

		a.words[wordIdx] |= uint64(1) << uint(bit)
		a.freeCount--
		return pmm.Frame(frame), nil
	}

	return pmm.InvalidFrame, errFrameExhausted
}

// Deallocate returns a previously allocated frame to the pool. Deallocating
// an index outside the bitmap, or a frame that is already free, is a fatal
// logic error.
func (a *BitmapAllocator) Deallocate(frame pmm.Frame) {
	if uint64(frame) >= a.numFrames {
		panicFn(errFrameOutOfRange)
		return
	}

	a.lock.Acquire()
	defer a.lock.Release()

	wordIdx := uint64(frame) / 64
	mask := uint64(1) << (uint64(frame) % 64)
	if a.words[wordIdx]&mask == 0 {
		panicFn(errDoubleFree)
		return
	}
	a.words[wordIdx] &^= mask
	a.freeCount++
}

// FreeCount returns the number of currently free frames.
func (a *BitmapAllocator) FreeCount() uint64 { return a.freeCount }

// UsedCount returns the number of currently allocated (or reserved) frames.
func (a *BitmapAllocator) UsedCount() uint64 { return a.numFrames - a.freeCount }

// AllocFrame allocates a frame from the package-wide Default allocator.
func AllocFrame() (pmm.Frame, *kernel.Error) {
	return Default.Allocate()
}

// FreeFrame releases a frame back to the package-wide Default allocator.
func FreeFrame(frame pmm.Frame) {
	Default.Deallocate(frame)
}

func roundUpPage(addr uint64) uint64 {
	ps := uint64(mem.PageSize)
	return (addr + ps - 1) &^ (ps - 1)
}

func clearBit(words []uint64, frame uint64) {
	words[frame/64] &^= uint64(1) << (frame % 64)
}
