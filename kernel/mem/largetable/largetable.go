// Package largetable implements the fixed-capacity record of heap-returned
// large allocations (those bigger than the heap's largest size class, served
// as whole pages), so the heap
// deallocator can look up how many pages to hand back to the page allocator
// without re-entering the heap itself on the free path.
package largetable

import (
	"github.com/ferrumos/ferrumos/kernel"
	ksync "github.com/ferrumos/ferrumos/kernel/sync"
)

// Capacity bounds the number of concurrently live large allocations this
// kernel can track. It is a fixed array, not a dynamic map, because the
// heap's free path must not allocate.
const Capacity = 512

var (
	errTableFull = &kernel.Error{Module: "largetable", Message: "large-allocation table is full"}

	// panicFn is mocked by tests; kernel.Panic halts the CPU and never
	// returns, which would hang a test run.
	panicFn = kernel.Panic
)

type record struct {
	addr  uintptr
	pages uint64
	used  bool
}

// Table is a fixed-capacity map from a heap-returned virtual address to the
// page count it spans, guarded by a reader/writer spinlock: readers (e.g.
// diagnostics) may run concurrently, but inserts and removes serialize
// against each other and against readers.
type Table struct {
	slots [Capacity]record
	lock  ksync.RWSpinlock
}

// Default is the package-wide large-allocation table used by kernel/mem/heap.
var Default = &Table{}

// Insert records that addr is the start of a live allocation spanning pages
// pages. It panics if the table is already full, which is a fatal logic
// error rather than a recoverable condition.
func Insert(addr uintptr, pages uint64) {
	Default.Insert(addr, pages)
}

// Remove clears the record for addr, if any, and returns its page count.
func Remove(addr uintptr) (uint64, bool) {
	return Default.Remove(addr)
}

// Insert records that addr is the start of a live allocation spanning pages
// pages, placing it in the first free slot.
func (t *Table) Insert(addr uintptr, pages uint64) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for i := range t.slots {
		if !t.slots[i].used {
			t.slots[i] = record{addr: addr, pages: pages, used: true}
			return
		}
	}

	panicFn(errTableFull)
}

// Remove clears the record for addr, if present, and returns the page count
// it spanned. The slot is cleared so it can be reused by a later Insert.
func (t *Table) Remove(addr uintptr) (uint64, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for i := range t.slots {
		if t.slots[i].used && t.slots[i].addr == addr {
			pages := t.slots[i].pages
			t.slots[i] = record{}
			return pages, true
		}
	}

	return 0, false
}

// Occupied returns the number of live large-allocation records, for
// diagnostics (see kernel/mem/heap.Stats).
func (t *Table) Occupied() int {
	t.lock.RLock()
	defer t.lock.RUnlock()

	n := 0
	for i := range t.slots {
		if t.slots[i].used {
			n++
		}
	}
	return n
}
