package vmm

import (
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
)

// kernelErr is a local alias kept short for readability in this package.
type kernelErr = kernel.Error

var (
	// ErrInvalidMapping is returned when an operation references a
	// virtual address that has no present mapping at some paging level.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "address has no valid mapping"}

	// ErrAlreadyMapped is returned by Map when the target page already
	// has a present mapping to a different frame.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrOutOfMemory is returned when allocating a physical frame to
	// back a newly created page table fails.
	ErrOutOfMemory = &kernel.Error{Module: "vmm", Message: "out of physical memory"}
)

// ptrFromAddr converts a raw virtual address into an unsafe.Pointer. It
// exists as a single indirection point so every such conversion in this
// package is easy to find.
func ptrFromAddr(addr uintptr) unsafe.Pointer {
	return unsafe.Pointer(addr)
}
