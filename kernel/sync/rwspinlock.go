package sync

import "sync/atomic"

// RWSpinlock is a busy-wait reader/writer lock. Its state is a single int32:
// 0 means unlocked, -1 means held by a writer, and any positive value N
// means held by N concurrent readers. Writers always wait for readers to
// drain; this favors simplicity over starvation-freedom, which is
// appropriate for the short critical sections this kernel uses it for (the
// large-allocation table).
type RWSpinlock struct {
	state int32
}

const rwSpinlockWriter = -1

// RLock acquires a shared (read) hold on the lock.
func (l *RWSpinlock) RLock() {
	for {
		cur := atomic.LoadInt32(&l.state)
		if cur == rwSpinlockWriter {
			yieldFn()
			continue
		}
		if atomic.CompareAndSwapInt32(&l.state, cur, cur+1) {
			return
		}
	}
}

// RUnlock releases a shared hold acquired via RLock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddInt32(&l.state, -1)
}

// Lock acquires an exclusive (write) hold on the lock.
func (l *RWSpinlock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, rwSpinlockWriter) {
		yieldFn()
	}
}

// Unlock releases an exclusive hold acquired via Lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}
