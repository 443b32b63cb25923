package kproc

import (
	"context"
	"strings"
	"sync"
)

// Signals is the set of observable conditions asserted by a kernel object.
type Signals uint32

const (
	// SignalSignaled is asserted by a process once it is dead and by an event
	// while it is signaled.
	SignalSignaled Signals = 1 << iota
	// SignalProcessRunning is asserted once a process has its first thread.
	SignalProcessRunning
	// SignalProcessDying is asserted once a process starts tearing down.
	SignalProcessDying
	// SignalNoHandles is asserted when the last handle to an object is closed.
	SignalNoHandles

	SignalNone Signals = 0
)

func (s Signals) String() string {
	if s == SignalNone {
		return "none"
	}
	var parts []string
	for _, sn := range []struct {
		s    Signals
		name string
	}{
		{SignalSignaled, "signaled"},
		{SignalProcessRunning, "running"},
		{SignalProcessDying, "dying"},
		{SignalNoHandles, "no-handles"},
	} {
		if s&sn.s != 0 {
			parts = append(parts, sn.name)
		}
	}
	return strings.Join(parts, "|")
}

// StateTracker holds the signal mask of one kernel object and lets callers
// wait on it or observe its changes.
//
// Observers are called in the order changes were committed, outside of the
// tracker's own lock, and only when the mask actually changed. An observer
// must not update the tracker it observes.
type StateTracker struct {
	// notifyMu serializes updates with their notifications
	notifyMu sync.Mutex

	mu        sync.Mutex
	signals   Signals
	changed   chan struct{}
	observers map[int]func(Signals)
	nextObs   int
}

// NewStateTracker returns a tracker with the given initial signals.
func NewStateTracker(initial Signals) *StateTracker {
	return &StateTracker{
		signals:   initial,
		changed:   make(chan struct{}),
		observers: make(map[int]func(Signals)),
	}
}

// Signals returns the current mask.
func (st *StateTracker) Signals() Signals {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.signals
}

// UpdateState clears then sets the given bits. It reports whether the mask
// changed.
func (st *StateTracker) UpdateState(clear, set Signals) bool {
	st.notifyMu.Lock()
	defer st.notifyMu.Unlock()

	st.mu.Lock()
	next := st.signals&^clear | set
	if next == st.signals {
		st.mu.Unlock()
		return false
	}
	st.signals = next
	close(st.changed)
	st.changed = make(chan struct{})
	observers := make([]func(Signals), 0, len(st.observers))
	for _, fn := range st.observers {
		observers = append(observers, fn)
	}
	st.mu.Unlock()

	for _, fn := range observers {
		fn(next)
	}
	return true
}

// AddObserver registers fn to be called with the new mask after every change.
// The returned function unregisters it.
func (st *StateTracker) AddObserver(fn func(Signals)) (remove func()) {
	st.mu.Lock()
	defer st.mu.Unlock()
	id := st.nextObs
	st.nextObs++
	st.observers[id] = fn
	return func() {
		st.mu.Lock()
		defer st.mu.Unlock()
		delete(st.observers, id)
	}
}

// Wait blocks until any of the bits in mask is asserted or ctx is done. It
// returns the mask observed when it stopped waiting.
func (st *StateTracker) Wait(ctx context.Context, mask Signals) (Signals, error) {
	for {
		st.mu.Lock()
		cur, changed := st.signals, st.changed
		st.mu.Unlock()
		if cur&mask != 0 {
			return cur, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return cur, ctx.Err()
		}
	}
}
