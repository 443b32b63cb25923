package kproc

import (
	"fmt"
	"strings"
)

// Rights is the mask of operations a handle permits on its object.
type Rights uint32

const (
	RightDuplicate Rights = 1 << iota
	RightTransfer
	RightRead
	RightWrite
	RightExecute
	RightDebug

	RightNone Rights = 0

	// DefaultProcessRights are the rights handed out with a new process.
	DefaultProcessRights = RightDuplicate | RightTransfer | RightRead | RightWrite | RightDebug
	// DefaultThreadRights are the rights handed out with a new thread.
	DefaultThreadRights = RightDuplicate | RightTransfer | RightRead | RightWrite
	// DefaultEventRights are the rights handed out with a new event.
	DefaultEventRights = RightDuplicate | RightTransfer | RightRead | RightWrite
)

var rightNames = []struct {
	r    Rights
	name string
}{
	{RightDuplicate, "dup"},
	{RightTransfer, "xfer"},
	{RightRead, "read"},
	{RightWrite, "write"},
	{RightExecute, "exec"},
	{RightDebug, "debug"},
}

// Has reports whether all of want are present in r.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

func (r Rights) String() string {
	if r == RightNone {
		return "none"
	}
	parts := make([]string, 0, len(rightNames))
	for _, rn := range rightNames {
		if r&rn.r != 0 {
			parts = append(parts, rn.name)
		}
	}
	return strings.Join(parts, "|")
}

// Handle is a rights-qualified reference to a kernel object.
//
// While resident in a handle table, a handle is owned by exactly that table
// and is named from user mode by its Value. A handle removed from a table is
// owned by whoever removed it, who must either add it to a table or Close it.
type Handle struct {
	obj    Dispatcher
	rights Rights

	// owner is the koid of the process whose table holds the handle, 0 when
	// detached.
	owner uint64
	value uint32
}

// NewHandle creates a handle to d with the given rights. The handle takes its
// own strong reference to d.
func NewHandle(d Dispatcher, rights Rights) *Handle {
	d.AddRef()
	addHandleRef(d)
	return &Handle{obj: d, rights: rights}
}

// Dispatcher returns the object the handle refers to.
func (h *Handle) Dispatcher() Dispatcher {
	return h.obj
}

// Rights returns the handle's rights.
func (h *Handle) Rights() Rights {
	return h.rights
}

// Value returns the external value of a resident handle, or 0 if the handle is
// not in a table.
func (h *Handle) Value() uint32 {
	if h.owner == 0 {
		return 0
	}
	return h.value
}

// Close destroys a handle that is not resident in any table.
func (h *Handle) Close() {
	if h.owner != 0 {
		panic(fmt.Sprintf("BUG: closing handle %#x still owned by process %d", h.value, h.owner))
	}
	obj := h.obj
	if obj == nil {
		return
	}
	h.obj = nil
	dropHandleRef(obj)
	releaseDispatcher(obj)
}

func (h *Handle) String() string {
	if h.obj == nil {
		return "handle(closed)"
	}
	return fmt.Sprintf("handle(%#x %s:%d %s)", h.value, h.obj.Type(), h.obj.Koid(), h.rights)
}
