// Package smp implements the INIT-SIPI-SIPI application-processor bring-up
// protocol: it walks the firmware-reported processor list, hands each
// "waiting" AP a stack and a patched trampoline image, and drives it through
// the local APIC until it rendezvous at the kernel entry point or times out.
package smp

import (
	"sync/atomic"
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/hal/apic"
	"github.com/ferrumos/ferrumos/kernel/hal/timer"
	"github.com/ferrumos/ferrumos/kernel/kfmt/early"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/smp/trampoline"
)

// State is a processor's position in the bring-up state machine.
type State uint8

// Processor states, per the bring-up protocol.
const (
	Idle State = iota
	InitSent
	SipiSent
	Running
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case InitSent:
		return "InitSent"
	case SipiSent:
		return "SipiSent"
	case Running:
		return "Running"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ProcessorDescriptor identifies a single processor as reported by firmware.
type ProcessorDescriptor struct {
	APICID uint32
	// Waiting reports whether firmware parked this processor in the
	// wait-for-SIPI state; processors that are not waiting (e.g. the
	// boot processor itself) are skipped by BringUp.
	Waiting bool
}

var (
	sendInitFn = apic.SendInit
	sendSIPIFn = apic.SendSIPI
	clearErrFn = apic.ClearErrors
	delayUsFn  = timer.DelayUs
	delayMsFn  = timer.DelayMs
	nowUsFn    = timer.NowUs
	loadFn     = trampoline.Load
	printfFn   = early.Printf

	// panicFn is mocked by tests; kernel.Panic halts the CPU and never
	// returns.
	panicFn = kernel.Panic

	errStackPoolExhausted = &kernel.Error{Module: "smp", Message: "AP stack pool exhausted"}

	// apStacks is the fixed pool of per-AP stacks, carved out at link
	// time. nextStack is a fetch-add index into it; the pool is never
	// released once allocated.
	apStacks  [mem.APStackCount][mem.APStackSize]byte
	nextStack uint32
)

// allocStack hands out the next unused stack from the fixed pool and returns
// its top address (stacks grow down).
func allocStack() (uintptr, *kernel.Error) {
	idx := atomic.AddUint32(&nextStack, 1) - 1
	if idx >= mem.APStackCount {
		return 0, errStackPoolExhausted
	}
	stack := &apStacks[idx]
	return uintptr(unsafe.Pointer(stack)) + uintptr(len(stack)), nil
}

// Controller drives the bring-up of every waiting AP described by firmware.
// It is single-threaded: BringUp must run on the boot processor before any
// AP is started, and it is not safe to call concurrently.
type Controller struct {
	directMapOffset uintptr
	cr3             uintptr
	kernelEntry     uintptr
	gs              uintptr

	// States records the final state reached by each processor passed to
	// BringUp, indexed the same order as the input slice.
	States []State
}

// NewController builds a controller that will patch every AP trampoline
// image with the given page-table root, kernel entry point and initial GS
// value, loading the blob through the given direct-map offset.
func NewController(directMapOffset, cr3, kernelEntry, gs uintptr) *Controller {
	return &Controller{
		directMapOffset: directMapOffset,
		cr3:             cr3,
		kernelEntry:     kernelEntry,
		gs:              gs,
	}
}

// BringUp drives every waiting processor in descs through the INIT-SIPI-SIPI
// sequence, in order, and records the resulting state for each. A stack-pool
// exhaustion is fatal (kernel.Panic); an individual AP's rendezvous timeout
// is logged and bring-up continues with the next processor.
func (c *Controller) BringUp(blob []byte, descs []ProcessorDescriptor) {
	c.States = make([]State, len(descs))

	for i, desc := range descs {
		if !desc.Waiting {
			c.States[i] = Idle
			continue
		}
		c.States[i] = c.bringUpOne(blob, desc)
	}
}

func (c *Controller) bringUpOne(blob []byte, desc ProcessorDescriptor) State {
	stackTop, err := allocStack()
	if err != nil {
		panicFn(errStackPoolExhausted)
		return Failed
	}

	img, err := loadFn(blob, c.directMapOffset)
	if err != nil {
		printfFn("smp: failed to load trampoline for AP %d: %s\n", desc.APICID, err.Message)
		return Failed
	}
	img.Patch(c.cr3, c.kernelEntry, stackTop, c.gs)

	clearErrFn()
	sendInitFn(desc.APICID)

	delayMsFn(10)

	sendSIPIFn(desc.APICID, img.Vector())

	delayUsFn(200)
	sendSIPIFn(desc.APICID, img.Vector())
	delayUsFn(100)

	if c.pollRendezvous(img) {
		return Running
	}

	printfFn("smp: AP %d failed to rendezvous within 100ms\n", desc.APICID)
	return Failed
}

// pollRendezvous polls the trampoline's communication word for up to 100ms,
// succeeding as soon as it reads 1.
func (c *Controller) pollRendezvous(img *trampoline.Image) bool {
	deadline := nowUsFn() + 100_000
	for nowUsFn() < deadline {
		if img.CommWord() == 1 {
			return true
		}
	}
	return img.CommWord() == 1
}
