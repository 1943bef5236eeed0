package kmain

import (
	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/goruntime"
	"github.com/ferrumos/ferrumos/kernel/hal"
	"github.com/ferrumos/ferrumos/kernel/hal/apic"
	"github.com/ferrumos/ferrumos/kernel/hal/multiboot"
	"github.com/ferrumos/ferrumos/kernel/mem/acpimap"
	"github.com/ferrumos/ferrumos/kernel/mem/heap"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm/allocator"
	"github.com/ferrumos/ferrumos/kernel/mem/vmm"
)

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader as well as the physical addresses for the kernel start/end.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.InitTerminal()

	directMapOffset := uintptr(multiboot.DirectMapOffset())

	var err *kernel.Error
	if err = allocator.Init(directMapOffset); err != nil {
		panic(err)
	} else if err = vmm.Init(); err != nil {
		panic(err)
	} else if err = goruntime.Init(); err != nil {
		panic(err)
	} else if err = heap.Init(); err != nil {
		panic(err)
	}

	// The ACPI table parser and the SMP bring-up controller are driven by
	// the platform init code once it has walked the MADT; the shims they
	// depend on are installed here so both can translate physical
	// addresses and reach the local APIC's registers.
	acpimap.Install(directMapOffset)
	apic.Install(directMapOffset + apic.DefaultPhysBase)

	// Use kernel.Panic instead of panic to prevent the compiler from
	// treating kernel.Panic as dead-code and eliminating it.
	kernel.Panic(errKmainReturned)
}
