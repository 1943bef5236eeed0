// Package pmm contains the types shared by the physical frame allocator and
// its callers.
package pmm

import (
	"math"

	"github.com/ferrumos/ferrumos/kernel/mem"
)

// Frame describes a physical memory page index.
type Frame uint64

// InvalidFrame is returned by the frame allocator when it fails to reserve
// a frame.
const InvalidFrame = Frame(math.MaxUint64)

// IsValid returns true if this is a valid frame.
func (f Frame) IsValid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << mem.PageShift)
}
