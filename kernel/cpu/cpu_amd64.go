package cpu

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// InterruptsEnabled returns the state of the interrupt flag (RFLAGS.IF).
// Callers that disable interrupts around a critical section use it to decide
// whether to re-enable them afterwards, so nested sections do not re-enable
// interrupts early.
func InterruptsEnabled() bool

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets the root page table directory to point to the specified
// physical address and flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// Pause executes a spin-loop hint instruction. It is used by busy-wait locks
// to reduce contention on the memory bus while spinning.
func Pause()

// Rdtsc returns the current value of the processor's timestamp counter. It
// is used as the monotonic tick source for the kernel's timing provider.
func Rdtsc() uint64

// Inb reads a single byte from the given I/O port. The port and return
// value are widened to uint32 to keep the hand-written assembly argument
// frame word-aligned.
func Inb(port uint32) uint32

// Outb writes a single byte to the given I/O port. The port and value are
// widened to uint32 to keep the hand-written assembly argument frame
// word-aligned.
func Outb(port uint32, val uint32)

// ReadUint32 reads a 32-bit value from the given memory-mapped register
// address. MMIO reads/writes must not be reordered or cached, so this is
// implemented in assembly rather than a plain *uint32 dereference.
func ReadUint32(addr uintptr) uint32

// WriteUint32 writes a 32-bit value to the given memory-mapped register
// address.
func WriteUint32(addr uintptr, val uint32)
