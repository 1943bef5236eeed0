// Package sync provides the locking primitives usable before the Go
// scheduler and the rest of sync/runtime locking machinery are available:
// plain spinlocks and a reader/writer variant, both built directly on
// sync/atomic.
package sync

import (
	"sync/atomic"

	"github.com/ferrumos/ferrumos/kernel/cpu"
)

var (
	// yieldFn is invoked by Acquire while it spins, waiting for the lock
	// to become available. It is a mockable var so tests can run without
	// an actual scheduler.
	yieldFn = cpu.Pause
)

// Spinlock implements a simple busy-wait mutex using an atomically accessed
// flag. It has no notion of ownership and is not reentrant.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired.
func (l *Spinlock) Acquire() {
	for !l.TryAcquire() {
		yieldFn()
	}
}

// Held reports whether the lock is currently held by anyone. It is intended
// for diagnostics/assertions, not for synchronization decisions.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// TryAcquire attempts to acquire the lock without blocking and reports
// whether it succeeded.
func (l *Spinlock) TryAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release releases a previously acquired lock.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

