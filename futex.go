package kproc

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

type futexWaiter struct {
	// woken receives the wait result exactly once
	woken chan error
}

// FutexContext holds the futex wait queues of one process, keyed by user
// address.
type FutexContext struct {
	mu      sync.Mutex
	waiters map[uintptr][]*futexWaiter
	// closedErr is set once the process is dead; new waits fail with it
	closedErr error
}

func newFutexContext() *FutexContext {
	return &FutexContext{waiters: make(map[uintptr][]*futexWaiter)}
}

// Wait queues the caller on key if check still holds and blocks until it is
// woken, ctx is done, or the process dies. check is evaluated under the queue
// lock, so a Wake issued after the caller changed the watched value cannot be
// missed. A false check fails with ErrBadState without waiting.
func (f *FutexContext) Wait(ctx context.Context, key uintptr, check func() bool) error {
	f.mu.Lock()
	if f.closedErr != nil {
		f.mu.Unlock()
		return f.closedErr
	}
	if check != nil && !check() {
		f.mu.Unlock()
		return errors.Wrapf(ErrBadState, "futex %#x value changed", key)
	}
	w := &futexWaiter{woken: make(chan error, 1)}
	f.waiters[key] = append(f.waiters[key], w)
	f.mu.Unlock()

	select {
	case err := <-w.woken:
		return err
	case <-ctx.Done():
	}

	f.mu.Lock()
	removed := f.dequeueLocked(key, w)
	f.mu.Unlock()
	if !removed {
		// a wake raced with cancellation and already owns the result
		return <-w.woken
	}
	return ctx.Err()
}

func (f *FutexContext) dequeueLocked(key uintptr, w *futexWaiter) bool {
	q := f.waiters[key]
	for i, qw := range q {
		if qw == w {
			q = append(q[:i], q[i+1:]...)
			if len(q) == 0 {
				delete(f.waiters, key)
			} else {
				f.waiters[key] = q
			}
			return true
		}
	}
	return false
}

// Wake wakes up to n waiters on key in the order they started waiting and
// returns how many were woken. n < 0 wakes all of them.
func (f *FutexContext) Wake(key uintptr, n int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := f.waiters[key]
	if n < 0 || n > len(q) {
		n = len(q)
	}
	for _, w := range q[:n] {
		w.woken <- nil
	}
	if n == len(q) {
		delete(f.waiters, key)
	} else {
		f.waiters[key] = q[n:]
	}
	return n
}

// Waiters returns the number of callers queued on key.
func (f *FutexContext) Waiters(key uintptr) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.waiters[key])
}

// wakeAll fails every waiter with err and refuses new waits.
func (f *FutexContext) wakeAll(err error) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedErr = err
	n := 0
	for key, q := range f.waiters {
		for _, w := range q {
			w.woken <- err
			n++
		}
		delete(f.waiters, key)
	}
	return n
}
