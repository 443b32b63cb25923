package kproc

import (
	"fmt"
	"sync/atomic"
)

// ObjType identifies the kind of kernel object behind a handle.
type ObjType string

const (
	ObjTypeProcess ObjType = "process"
	ObjTypeThread  ObjType = "thread"
	ObjTypeEvent   ObjType = "event"
)

// Dispatcher is a kernel object that can be named by a handle.
//
// Every Dispatcher is reference counted. Handles and threads hold strong
// references; Release drops one, and the object is destroyed when the last is
// dropped. The set of Dispatchers is closed to this package.
type Dispatcher interface {
	Koid() uint64
	Type() ObjType
	// AddRef takes a strong reference. It must only be called by a holder of
	// an existing strong reference.
	AddRef()
	// Release drops a strong reference.
	Release()

	base() *object
	onZeroHandles()
	destroy()
}

// object holds the bookkeeping shared by all kernel objects.
type object struct {
	koid    uint64
	refs    atomic.Int32
	handles atomic.Int32
}

func (o *object) init(koid uint64) {
	o.koid = koid
	o.refs.Store(1)
}

func (o *object) base() *object {
	return o
}

// Koid returns the kernel object id.
func (o *object) Koid() uint64 {
	return o.koid
}

func (o *object) addRef() {
	if o.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("BUG: AddRef on dead object %d", o.koid))
	}
}

// tryAddRef takes a strong reference unless the count already reached zero.
// It is how weak holders, such as the registry, upgrade to a strong reference.
func (o *object) tryAddRef() bool {
	for {
		n := o.refs.Load()
		if n <= 0 {
			return false
		}
		if o.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// release drops a reference and reports whether it was the last one.
func (o *object) release() bool {
	n := o.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("BUG: negative refcount on object %d", o.koid))
	}
	return n == 0
}

func (o *object) refCount() int32 {
	return o.refs.Load()
}

func (o *object) handleCount() int32 {
	return o.handles.Load()
}

func releaseDispatcher(d Dispatcher) {
	if d.base().release() {
		d.destroy()
	}
}

func addHandleRef(d Dispatcher) {
	d.base().handles.Add(1)
}

func dropHandleRef(d Dispatcher) {
	n := d.base().handles.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("BUG: negative handle count on object %d", d.Koid()))
	}
	if n == 0 {
		d.onZeroHandles()
	}
}
