package ipc

import (
	"runtime"
	"sync/atomic"
)

// Spinlock is a busy-wait lock guarding a semaphore counter and its queue.
type Spinlock struct {
	locked atomic.Uint32
}

// Acquire spins until the lock is taken.
func (l *Spinlock) Acquire() {
	for !l.locked.CompareAndSwap(0, 1) {
		runtime.Gosched()
	}
}

// TryAcquire takes the lock if it is free.
func (l *Spinlock) TryAcquire() bool {
	return l.locked.CompareAndSwap(0, 1)
}

// Release frees the lock.
func (l *Spinlock) Release() {
	l.locked.Store(0)
}

// Locked reports whether the lock is held.
func (l *Spinlock) Locked() bool {
	return l.locked.Load() == 1
}
