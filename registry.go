package kproc

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"github.com/inconshreveable/log15"
	"k8s.io/utils/clock"
)

type procEntry struct {
	koid uint64
	p    *Process
}

func procEntryLess(a, b procEntry) bool {
	return a.koid < b.koid
}

// Registry is the set of live processes, ordered by koid, and the allocator
// of kernel object ids. Entries do not keep processes alive: a process is
// removed when its last strong reference is released. A Registry must outlive
// every process created through it.
type Registry struct {
	mu    sync.Mutex
	procs *btree.BTreeG[procEntry]

	nextKoid atomic.Uint64

	l           log15.Logger
	clock       clock.Clock
	allocAspace AddressSpaceAllocator
	seed        func() (uint64, error)
}

// RegistryOption is an option function for a Registry.
type RegistryOption func(r *Registry)

// WithLogger configures the logger used by the registry and its processes.
// By default, nothing will be logged.
func WithLogger(l log15.Logger) RegistryOption {
	return func(r *Registry) {
		r.l = l
	}
}

// WithClock sets the clock used for process and thread timestamps.
func WithClock(c clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = c
	}
}

// WithAddressSpaceAllocator sets how new processes get their address space.
func WithAddressSpaceAllocator(a AddressSpaceAllocator) RegistryOption {
	return func(r *Registry) {
		r.allocAspace = a
	}
}

// WithSeedSource sets the source of the per-process handle value seeds. The
// default reads the kernel's random pool.
func WithSeedSource(seed func() (uint64, error)) RegistryOption {
	return func(r *Registry) {
		r.seed = seed
	}
}

// NewRegistry constructs an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	noopLogger := log15.New()
	noopLogger.SetHandler(log15.DiscardHandler())
	r := &Registry{
		procs:       btree.NewG[procEntry](8, procEntryLess),
		l:           noopLogger,
		clock:       clock.RealClock{},
		allocAspace: NewAddressSpace,
		seed:        kernelEntropy,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) allocKoid() uint64 {
	return r.nextKoid.Add(1)
}

// CreateProcess creates a process in the initial state and returns it with a
// strong reference owned by the caller, together with the rights for a
// handle to it. A process that fails to initialize is never registered.
func (r *Registry) CreateProcess(name string, opts ...Option) (*Process, Rights, error) {
	p, err := newProcess(r, name, opts...)
	if err != nil {
		r.l.Warn("process creation failed", "name", name, "err", err)
		return nil, RightNone, err
	}
	r.insert(p)
	p.l.Info("process created")
	return p, DefaultProcessRights, nil
}

// insert assigns p its koid and publishes it.
func (r *Registry) insert(p *Process) {
	koid := r.allocKoid()
	p.koid = koid
	p.l = r.l.New("koid", koid, "name", p.name)
	p.handles.l = p.l
	p.handles.setOwner(koid)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, replaced := r.procs.ReplaceOrInsert(procEntry{koid: koid, p: p}); replaced {
		panic(fmt.Sprintf("BUG: koid %d registered twice", koid))
	}
}

func (r *Registry) remove(p *Process) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.procs.Delete(procEntry{koid: p.koid})
}

// LookupProcessByID returns the process with the given koid with a new strong
// reference, which the caller must Release. Processes whose last reference
// is being released are not returned.
func (r *Registry) LookupProcessByID(koid uint64) (*Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.procs.Get(procEntry{koid: koid})
	if !ok || !e.p.tryAddRef() {
		return nil, false
	}
	return e.p, true
}

// Len returns the number of registered processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs.Len()
}

// Processes returns every registered process in koid order, each with a new
// strong reference. The caller must Release them all.
func (r *Registry) Processes() []*Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	procs := make([]*Process, 0, r.procs.Len())
	r.procs.Ascend(func(e procEntry) bool {
		if e.p.tryAddRef() {
			procs = append(procs, e.p)
		}
		return true
	})
	return procs
}

func releaseAll(procs []*Process) {
	for _, p := range procs {
		p.Release()
	}
}
