// Package acpimap provides the thin physical-to-virtual translation shim the
// (excluded) ACPI table parser uses to read firmware tables: every physical
// address is reachable at directMapOffset+phys, so there is no mapping state
// to create or tear down beyond recording that offset once at boot.
package acpimap

import (
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
)

var (
	errNullPhysAddr = &kernel.Error{Module: "acpimap", Message: "cannot map a null physical address"}

	directMapOffset uintptr
)

// Install records the firmware-provided direct-map offset used to translate
// physical addresses into virtual ones. It must be called once during boot,
// before any call to MapPhysical.
func Install(offset uintptr) {
	directMapOffset = offset
}

// Region describes a previously mapped physical range, kept only so
// UnmapPhysical has a symmetrical signature with MapPhysical; the direct map
// backing it is never actually torn down.
type Region struct {
	Phys uintptr
	Size uintptr
}

// MapPhysical translates a physical address and size into a typed pointer
// reachable through the firmware direct map. It fails only when phys is
// null; any other physical address always resolves, since the direct map
// covers all of physical memory.
func MapPhysical[T any](phys uintptr, size uintptr) (*T, *kernel.Error) {
	if phys == 0 {
		return nil, errNullPhysAddr
	}

	return (*T)(unsafe.Pointer(directMapOffset + phys)), nil
}

// UnmapPhysical is a no-op: the direct map is permanent for the kernel's
// lifetime, so there is nothing to release.
func UnmapPhysical(Region) {}
