package kproc

import (
	"context"
	"fmt"
)

// Event is a kernel object with a single user-controlled signal.
type Event struct {
	object
	tracker *StateTracker
}

// CreateEvent creates an unsignaled event and returns it with a strong
// reference owned by the caller, together with the rights for a handle to it.
func (r *Registry) CreateEvent() (*Event, Rights) {
	e := &Event{tracker: NewStateTracker(SignalNone)}
	e.object.init(r.allocKoid())
	return e, DefaultEventRights
}

// Type implements Dispatcher.
func (e *Event) Type() ObjType {
	return ObjTypeEvent
}

// AddRef implements Dispatcher.
func (e *Event) AddRef() {
	e.addRef()
}

// Release implements Dispatcher.
func (e *Event) Release() {
	releaseDispatcher(e)
}

func (e *Event) onZeroHandles() {
	e.tracker.UpdateState(0, SignalNoHandles)
}

func (e *Event) destroy() {}

func (e *Event) String() string {
	return fmt.Sprintf("event(%d)", e.koid)
}

// Signal asserts SignalSignaled.
func (e *Event) Signal() {
	e.tracker.UpdateState(0, SignalSignaled)
}

// Clear deasserts SignalSignaled.
func (e *Event) Clear() {
	e.tracker.UpdateState(SignalSignaled, 0)
}

// Signals returns the current signals.
func (e *Event) Signals() Signals {
	return e.tracker.Signals()
}

// Wait blocks until the event is signaled or ctx is done.
func (e *Event) Wait(ctx context.Context) error {
	_, err := e.tracker.Wait(ctx, SignalSignaled)
	return err
}
