// Package trampoline loads and patches the AP real-mode startup blob: a
// short piece of assembly, assembled offline and embedded at build time,
// that is copied byte-for-byte to a fixed low physical address and carries
// the APs from reset through protected mode into the kernel's long-mode
// entry point. The blob itself is treated opaquely; this package only
// manages the fixed-offset fields described in the trampoline field layout
// and the communication word the SMP controller polls.
package trampoline

import (
	"sync/atomic"
	"unsafe"

	"github.com/ferrumos/ferrumos/kernel"
	"github.com/ferrumos/ferrumos/kernel/mem"
	"github.com/ferrumos/ferrumos/kernel/mem/pmm"
	"github.com/ferrumos/ferrumos/kernel/mem/vmm"
)

// Field offsets within the trampoline image, bit-exact with the layout the
// assembled blob expects.
const (
	offsetCR3      = 0
	offsetEntry    = 8
	offsetStackTop = 16
	offsetGS       = 24
	offsetCommWord = 32
)

var (
	mapFn       = vmm.Map
	translateFn = vmm.Translate

	errBlobTooLarge = &kernel.Error{Module: "trampoline", Message: "trampoline blob does not fit in a single page"}
)

// Image is a loaded, patchable instance of the AP trampoline, backed by the
// single physical page at mem.TrampolinePhysBase and reached through the
// firmware direct map.
type Image struct {
	virtAddr uintptr
}

// NewImageAt wraps an already-loaded trampoline image at the given virtual
// address. Most callers should use Load instead; this constructor exists for
// callers that track the trampoline's virtual address themselves (e.g. a
// bring-up controller resuming a previous cycle's image without reloading
// the blob).
func NewImageAt(virtAddr uintptr) *Image {
	return &Image{virtAddr: virtAddr}
}

// Load copies blob byte-for-byte to the trampoline's physical base via the
// direct map and remaps the destination page present, writable and
// uncacheable so the APs observe coherent writes before their own caches are
// enabled.
func Load(blob []byte, directMapOffset uintptr) (*Image, *kernel.Error) {
	if mem.Size(len(blob)) > mem.PageSize {
		return nil, errBlobTooLarge
	}

	virtAddr := directMapOffset + mem.TrampolinePhysBase

	if err := remapUncacheable(virtAddr); err != nil {
		return nil, err
	}

	dst := unsafe.Slice((*byte)(unsafe.Pointer(virtAddr)), len(blob))
	copy(dst, blob)

	return &Image{virtAddr: virtAddr}, nil
}

// remapUncacheable installs a present+RW+cache-disabled mapping at virtAddr
// pointing at the trampoline's known physical frame. If the address is not
// currently mapped (PageNotMapped), the physical frame is fabricated from
// the well-known trampoline base rather than treated as a fatal error: the
// direct map's intermediate page tables may simply not have been walked for
// this address yet.
func remapUncacheable(virtAddr uintptr) *kernel.Error {
	var frame pmm.Frame
	if physAddr, err := translateFn(virtAddr); err == nil {
		frame = pmm.Frame(physAddr >> mem.PageShift)
	} else {
		frame = pmm.Frame(mem.TrampolinePhysBase >> mem.PageShift)
	}

	page := vmm.PageFromAddress(virtAddr)
	return mapFn(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagCacheDisable)
}

// Patch writes the per-AP fields an individual startup needs and resets the
// communication word to zero so a stale value from a previous bring-up
// cycle cannot be mistaken for this AP's rendezvous signal.
func (img *Image) Patch(cr3, apEntry, stackTop, gs uintptr) {
	img.putUint64(offsetCR3, uint64(cr3))
	img.putUint64(offsetEntry, uint64(apEntry))
	img.putUint64(offsetStackTop, uint64(stackTop))
	img.putUint64(offsetGS, uint64(gs))
	img.storeCommWord(0)
}

// CommWord reads the communication word with acquire semantics: the AP
// writes it with release semantics once it reaches the kernel entry point,
// and this is how the BSP observes that write.
func (img *Image) CommWord() uint32 {
	return atomic.LoadUint32((*uint32)(unsafe.Pointer(img.virtAddr + offsetCommWord)))
}

// MarkArrived stores 1 into the communication word with release semantics.
// The kernel entry function patched into the image (see Patch) calls this
// once the AP has switched to long mode and is about to join the rest of the
// kernel, which is how the BSP's poll in the bring-up controller observes
// the rendezvous.
func (img *Image) MarkArrived() {
	img.storeCommWord(1)
}

// Vector returns the SIPI startup vector for this image: the trampoline
// physical base's page number.
func (img *Image) Vector() uint8 {
	return uint8(mem.TrampolinePhysBase >> mem.PageShift)
}

func (img *Image) storeCommWord(v uint32) {
	atomic.StoreUint32((*uint32)(unsafe.Pointer(img.virtAddr+offsetCommWord)), v)
}

func (img *Image) putUint64(offset uintptr, v uint64) {
	*(*uint64)(unsafe.Pointer(img.virtAddr + offset)) = v
}
