package sync

import (
	"runtime"
	"sync"
	"testing"
)

func TestSpinlockMutualExclusion(t *testing.T) {
	defer func(orig func()) { yieldFn = orig }(yieldFn)
	yieldFn = runtime.Gosched

	var (
		lock    Spinlock
		counter int
		wg      sync.WaitGroup
	)

	const goroutines = 10
	const iterations = 1000

	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				lock.Acquire()
				counter++
				lock.Release()
			}
		}()
	}
	wg.Wait()

	if exp := goroutines * iterations; counter != exp {
		t.Fatalf("expected counter to be %d; got %d", exp, counter)
	}
}

func TestSpinlockTryAcquire(t *testing.T) {
	var lock Spinlock

	if !lock.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed on an unheld lock")
	}

	if lock.TryAcquire() {
		t.Fatal("expected TryAcquire to fail while the lock is held")
	}

	if !lock.Held() {
		t.Fatal("expected Held to report true while the lock is held")
	}

	lock.Release()

	if lock.Held() {
		t.Fatal("expected Held to report false after Release")
	}

	if !lock.TryAcquire() {
		t.Fatal("expected TryAcquire to succeed after Release")
	}
}
