// +build amd64

package mem

// Virtual memory layout for the kernel heap window, the region reserved for
// the Go runtime's own allocator, and the physical staging area used by the
// SMP bring-up controller. These are the architecture's fixed "configuration"
// constants, the same way PageShift/PageSize are.
const (
	// HeapBase is the start of the virtual address window that the page
	// allocator (kernel/mem/vmm) hands out pages from. It sits in the
	// canonical higher half, well clear of the direct physical map.
	HeapBase uintptr = 0xFFFF_FF00_0000_0000

	// HeapSize is the total size of the kernel heap window.
	HeapSize Size = 0x4000_0000

	// GoRuntimeBase is the start of the address range reserved for the Go
	// runtime's sysReserve/sysMap hooks (see kernel/goruntime). It is kept
	// distinct from HeapBase so the runtime's own slice/map backing store
	// never competes with kernel/mem/heap allocations for page indices.
	GoRuntimeBase uintptr = HeapBase + uintptr(HeapSize)

	// GoRuntimeSize is the total size of the Go runtime's reserved range.
	GoRuntimeSize Size = 0x4000_0000

	// TempMappingAddr is the single page used to temporarily map inactive
	// page tables (see vmm.MapTemporary and vmm.PageDirectoryTable.Init).
	TempMappingAddr uintptr = GoRuntimeBase + uintptr(GoRuntimeSize)

	// TrampolinePhysBase is the fixed physical address the AP real-mode
	// trampoline blob is loaded at. It must sit below 1MiB and be page
	// aligned since the APs start executing here in real mode.
	TrampolinePhysBase uintptr = 0x8000

	// APStackSize is the size of each stack handed to a starting AP.
	APStackSize Size = 32 * Kb

	// APStackCount is the number of pre-allocated AP stacks.
	APStackCount = 4
)
