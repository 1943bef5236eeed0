// Package apic provides the narrow slice of local APIC register access the
// SMP bring-up controller needs to send INIT/SIPI interrupts: the error
// register and the interrupt command register (ICR). General APIC/IOAPIC
// programming (redirection table entries, timer, spurious-interrupt vector)
// belongs to the excluded interrupt subsystem.
package apic

import "github.com/ferrumos/ferrumos/kernel/cpu"

// DefaultPhysBase is the architectural reset value of the local APIC's MMIO
// window base (IA32_APIC_BASE).
const DefaultPhysBase = uintptr(0xFEE0_0000)

// Register offsets within the local APIC's 4KiB MMIO window.
const (
	RegError   = 0x280
	RegICRLow  = 0x300
	RegICRHigh = 0x310
)

// ICR command bits for the two-stage AP startup protocol.
const (
	icrInit = 0x0000_4500
	icrSIPI = 0x0000_4600
)

var (
	readFn  = cpu.ReadUint32
	writeFn = cpu.WriteUint32

	base      uintptr
	installed bool
)

// Install records the virtual address of the local APIC's MMIO register
// window. It is the single install-once initializer for this process-wide
// mutable state: it must be called exactly once, before any other function
// in this package, and never again afterwards.
func Install(mmioBase uintptr) {
	base = mmioBase
	installed = true
}

// Installed reports whether Install has been called yet.
func Installed() bool {
	return installed
}

// ClearErrors clears the local APIC's error status register, as required
// before sending an INIT IPI.
func ClearErrors() {
	writeFn(base+RegError, 0)
}

// SendInit writes the target APIC ID into ICR-high and the INIT command into
// ICR-low, asserting the INIT IPI against the given processor.
func SendInit(apicID uint32) {
	writeFn(base+RegICRHigh, apicID<<24)
	writeFn(base+RegICRLow, icrInit)
}

// SendSIPI writes the target APIC ID into ICR-high and the startup vector
// (the trampoline's page number) combined with the SIPI command into
// ICR-low.
func SendSIPI(apicID uint32, vector uint8) {
	writeFn(base+RegICRHigh, apicID<<24)
	writeFn(base+RegICRLow, uint32(vector)|icrSIPI)
}
