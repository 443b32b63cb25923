package kproc

import "github.com/pkg/errors"

var (
	// ErrInvalidState indicates the operation is not legal for the current
	// lifecycle state of the process or thread, e.g. starting a process twice or
	// adding a thread to a dying process.
	ErrInvalidState = errors.New("invalid state")
	// ErrNotFound indicates a handle value or koid did not resolve.
	ErrNotFound = errors.New("not found")
	// ErrBadHandle is returned when a user-supplied handle value does not name a
	// live handle in the table it was presented to. Its cause chain includes
	// ErrNotFound.
	ErrBadHandle = errors.Wrap(ErrNotFound, "bad handle")
	// ErrNoMemory indicates an allocation failed, such as the handle table
	// running out of encodable slots.
	ErrNoMemory = errors.New("no memory")
	// ErrNoResources indicates a configured capacity was exhausted, such as the
	// per-process thread or handle limit.
	ErrNoResources = errors.New("no resources")
	// ErrBadState indicates a conflicting operation already happened, such as
	// binding a second exception port or starting a thread twice.
	ErrBadState = errors.New("bad state")
	// ErrInvalidArgs indicates an argument was not recognized.
	ErrInvalidArgs = errors.New("invalid args")
	// ErrAccessDenied indicates a handle lacks the rights for the operation.
	ErrAccessDenied = errors.New("access denied")
	// ErrCanceled is returned to waiters that were woken because their process
	// is being torn down.
	ErrCanceled = errors.New("canceled")
)
