// Package sync provides the busy-waiting lock used by code that runs before a
// scheduler exists and therefore cannot put a waiting core to sleep.
package sync

import (
	"sync/atomic"

	"github.com/Kaperstone/hermitgo/kernel/cpu"
)

// spinAttempts is the number of acquisition attempts made between calls to
// yieldFn.
const spinAttempts = 64

var (
	// yieldFn is invoked by cores that keep losing the race for a lock. No
	// scheduler exists at this layer so it is nil by default; tests and
	// hosted environments replace it with runtime.Gosched.
	yieldFn func()

	// pauseFn is mocked by tests and is automatically inlined by the compiler.
	pauseFn = cpu.Pause
)

// Spinlock implements a lock where each core trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the calling core. Any
// attempt to re-acquire a lock already held by the same core will cause a
// deadlock.
func (l *Spinlock) Acquire() {
	acquireSpinlock(&l.state, spinAttempts)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other cores to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// SetYieldFn installs the function invoked by spinning cores after every
// spinAttempts failed acquisition attempts.
func SetYieldFn(fn func()) {
	yieldFn = fn
}

// acquireSpinlock spins on state with a read-only test before each
// compare-and-swap so waiting cores do not keep the cache line exclusive.
func acquireSpinlock(state *uint32, attemptsBeforeYielding uint32) {
	for {
		for attempt := uint32(0); attempt < attemptsBeforeYielding; attempt++ {
			if atomic.LoadUint32(state) == 0 && atomic.CompareAndSwapUint32(state, 0, 1) {
				return
			}
			pauseFn()
		}

		if yieldFn != nil {
			yieldFn()
		}
	}
}

// WaitUntil busy-waits until cond returns true. It is used by cores that wait
// for a condition which is not guarded by a Spinlock, like a counter updated
// by other cores.
func WaitUntil(cond func() bool) {
	for attempt := uint32(1); !cond(); attempt++ {
		pauseFn()
		if attempt%spinAttempts == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}
