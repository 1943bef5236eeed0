package multiboot

import "unsafe"

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
	tagVbeInfo
	tagFramebufferInfo
	tagElfSymbols
	tagApmTable

	// tagDirectMapOffset and tagRSDP are vendor tags appended by this
	// kernel's bootloader stub; they are not part of the multiboot2
	// specification. They carry the direct physical memory map offset
	// and the ACPI RSDP address, which the stock tag set has no slot
	// for.
	tagDirectMapOffset
	tagRSDP
)

// info describes the multiboot info section header.
type info struct {
	// Total size of multiboot info section.
	totalSize uint32

	// Always set to zero; reserved for future use
	reserved uint32
}

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. According to the spec, each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// Framebuffer/console tags are part of the wire format but are not parsed
// by this kernel: console rendering is handled by an excluded subsystem.

// MemoryEntryType defines the type (kind) of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// Usable indicates that the memory region is available for use by
	// the frame allocator.
	Usable MemoryEntryType = iota + 1

	// Reserved indicates that the memory region is not available for use.
	Reserved

	// AcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS once the (excluded) ACPI subsystem is done
	// with it.
	AcpiReclaimable

	// AcpiNvs indicates memory that must be preserved when hibernating.
	AcpiNvs

	// BootloaderOwned indicates memory still owned by the bootloader
	// (e.g. the multiboot info structure itself) that must not be
	// reclaimed until the kernel is done reading it.
	BootloaderOwned

	// Any value >= memUnknown will be mapped to Reserved.
	memUnknown
)

// MemoryMapEntry describes a memory region entry, namely its physical address,
// its length and its type.
type MemoryMapEntry struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this entry.
	Type MemoryEntryType
}

var (
	infoData uintptr
)

// MemRegionVisitor defies a visitor function that gets invoked by VisitMemRegions
// for each memory region provided by the boot loader. The visitor must return true
// to continue or false to abort the scan.
type MemRegionVisitor func(entry *MemoryMapEntry) bool

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
func VisitMemRegions(visitor MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var entry *MemoryMapEntry
	for curPtr != endPtr {
		entry = (*MemoryMapEntry)(unsafe.Pointer(curPtr))

		// Mark unknown entry types as reserved
		if entry.Type == 0 || entry.Type >= memUnknown {
			entry.Type = Reserved
		}

		if !visitor(entry) {
			return
		}

		curPtr += uintptr(ptrMapHeader.entrySize)
	}
}

// DirectMapOffset returns the virtual offset at which the bootloader has
// identity-mapped all of physical memory (virt = offset + phys), or 0 if the
// tag is absent.
func DirectMapOffset() uint64 {
	curPtr, size := findTagByType(tagDirectMapOffset)
	if size == 0 {
		return 0
	}
	return *(*uint64)(unsafe.Pointer(curPtr))
}

// RSDP returns the physical address of the ACPI Root System Description
// Pointer reported by the bootloader, or 0 if the tag is absent. The
// (excluded) ACPI table parser consumes this value via the ACPI mapper shim.
func RSDP() uint64 {
	curPtr, size := findTagByType(tagRSDP)
	if size == 0 {
		return 0
	}
	return *(*uint64)(unsafe.Pointer(curPtr))
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagByType will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
