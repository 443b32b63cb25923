package kproc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"
	"k8s.io/utils/clock"
)

const (
	// MaxNameLen is the maximum length in bytes of a process or thread name.
	// Longer names are truncated.
	MaxNameLen = 31
	// DefaultMaxThreads is the default per-process thread limit.
	DefaultMaxThreads = 1024
	// RetcodeKilled is the return code of a process that was killed before it
	// exited on its own.
	RetcodeKilled = -1
)

// BadHandlePolicy decides what happens to a process that presents a handle
// value that does not name one of its handles.
type BadHandlePolicy int32

const (
	// BadHandleIgnore only fails the offending operation.
	BadHandleIgnore BadHandlePolicy = iota
	// BadHandleKill also kills the process.
	BadHandleKill
)

func (b BadHandlePolicy) String() string {
	switch b {
	case BadHandleIgnore:
		return "ignore"
	case BadHandleKill:
		return "kill"
	default:
		return fmt.Sprintf("unknown(%d)", int32(b))
	}
}

// ParseBadHandlePolicy parses the String form of a policy.
func ParseBadHandlePolicy(s string) (BadHandlePolicy, error) {
	switch s {
	case "ignore", "":
		return BadHandleIgnore, nil
	case "kill":
		return BadHandleKill, nil
	}
	return 0, errors.Wrapf(ErrInvalidArgs, "unknown bad handle policy %q", s)
}

// Process is the kernel object for a user process. It tracks the process
// lifecycle and owns its handle table, threads, address space, exception
// port and futexes.
//
// Locks: handles.mu, threadLock, stateLock and exceptionLock are never held
// together, except that adding and removing threads take stateLock and then
// threadLock.
type Process struct {
	object

	name  string
	reg   *Registry
	l     log15.Logger
	clock clock.Clock

	handles         *handleTable
	badHandlePolicy atomic.Int32

	threadLock sync.Mutex
	threads    map[uint64]*UserThread
	mainThread *UserThread
	threadSem  *semaphore.Weighted
	maxThreads int64

	stateLock sync.Mutex
	state     ProcessState
	retcode   int
	started   bool
	createdAt time.Time
	startedAt time.Time
	exitedAt  time.Time

	aspace  AddressSpace
	futex   *FutexContext
	tracker *StateTracker

	exceptionLock sync.Mutex
	eport         ExceptionPort

	maxHandles int
}

// Option is an option function for a Process, applied by
// Registry.CreateProcess.
type Option func(p *Process)

// WithBadHandlePolicy sets the initial bad handle policy.
func WithBadHandlePolicy(b BadHandlePolicy) Option {
	return func(p *Process) {
		p.badHandlePolicy.Store(int32(b))
	}
}

// WithMaxThreads limits the number of threads the process may have at once.
// A limit of 0 or less selects DefaultMaxThreads.
func WithMaxThreads(n int) Option {
	return func(p *Process) {
		p.maxThreads = int64(n)
		if p.maxThreads <= 0 {
			p.maxThreads = DefaultMaxThreads
		}
	}
}

// WithMaxHandles limits the number of handles the process may hold. A limit
// of 0 or less selects DefaultMaxHandles.
func WithMaxHandles(n int) Option {
	return func(p *Process) {
		p.maxHandles = n
	}
}

func truncateName(name string) string {
	if len(name) <= MaxNameLen {
		return name
	}
	n := MaxNameLen
	for n > 0 && !utf8.RuneStart(name[n]) {
		n--
	}
	return name[:n]
}

// newProcess builds and initializes a process. It is not yet registered and
// has no koid.
func newProcess(r *Registry, name string, opts ...Option) (*Process, error) {
	p := &Process{
		name:       truncateName(name),
		reg:        r,
		l:          r.l,
		clock:      r.clock,
		threads:    make(map[uint64]*UserThread),
		maxThreads: DefaultMaxThreads,
		maxHandles: DefaultMaxHandles,
		state:      StateInitial,
		futex:      newFutexContext(),
		tracker:    NewStateTracker(SignalNone),
	}
	p.object.init(0)
	for _, opt := range opts {
		opt(p)
	}
	if policy := p.BadHandlePolicy(); policy != BadHandleIgnore && policy != BadHandleKill {
		return nil, errors.Wrapf(ErrInvalidArgs, "bad handle policy %v", policy)
	}
	p.threadSem = semaphore.NewWeighted(p.maxThreads)

	entropy, err := r.seed()
	if err != nil {
		return nil, errors.Wrap(err, "error seeding handle table")
	}
	p.handles = newHandleTable(p.l, entropy, p.maxHandles)

	p.aspace, err = r.allocAspace(p.name)
	if err != nil {
		return nil, errors.Wrapf(err, "error allocating address space for %q", p.name)
	}
	p.createdAt = p.clock.Now()
	return p, nil
}

// Name returns the process name. It is for debugging only.
func (p *Process) Name() string {
	return p.name
}

// Type implements Dispatcher.
func (p *Process) Type() ObjType {
	return ObjTypeProcess
}

// AddRef implements Dispatcher.
func (p *Process) AddRef() {
	p.addRef()
}

// Release implements Dispatcher. Releasing the last reference removes the
// process from its registry.
func (p *Process) Release() {
	releaseDispatcher(p)
}

func (p *Process) String() string {
	return fmt.Sprintf("process(%d %q)", p.koid, p.name)
}

// State returns the current lifecycle state.
func (p *Process) State() ProcessState {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return p.state
}

// ReturnCode returns the return code. It is only meaningful once the process
// is dying.
func (p *Process) ReturnCode() int {
	p.stateLock.Lock()
	defer p.stateLock.Unlock()
	return p.retcode
}

// StateTracker exposes the signals of the process.
func (p *Process) StateTracker() *StateTracker {
	return p.tracker
}

// Futex returns the futex context of the process.
func (p *Process) Futex() *FutexContext {
	return p.futex
}

// Start starts the process by creating its main thread with the given entry
// point and starting it. It fails with ErrInvalidState unless the process is
// still initial and has not been started before.
func (p *Process) Start(entry Routine, arg uintptr) error {
	p.stateLock.Lock()
	if p.state != StateInitial || p.started {
		state := p.state
		p.stateLock.Unlock()
		return errors.Wrapf(ErrInvalidState, "cannot start %v in state %s", p, state)
	}
	p.started = true
	p.stateLock.Unlock()

	t, err := p.createUserThread("main", entry, arg, true)
	if err != nil {
		p.stateLock.Lock()
		p.started = false
		p.stateLock.Unlock()
		return errors.Wrap(err, "error creating main thread")
	}
	defer t.Release()
	if err := t.Start(); err != nil {
		return errors.Wrap(err, "error starting main thread")
	}

	p.stateLock.Lock()
	p.startedAt = p.clock.Now()
	p.stateLock.Unlock()
	p.l.Info("process started", "main_thread", t.Koid())
	return nil
}

// Exit terminates the process with the given return code. If the process is
// already dying the call has no effect and the first return code is kept.
func (p *Process) Exit(code int) {
	p.terminate(code, "exit")
}

// Kill terminates the process with RetcodeKilled. Killing a dying or dead
// process has no effect.
func (p *Process) Kill() {
	p.terminate(RetcodeKilled, "kill")
}

func (p *Process) terminate(code int, reason string) {
	p.stateLock.Lock()
	if p.state.atLeast(StateDying) {
		p.stateLock.Unlock()
		return
	}
	p.retcode = code
	p.mustTransitionToLocked(StateDying)
	p.stateLock.Unlock()

	p.l.Info("process dying", "reason", reason, "retcode", code)
	p.tracker.UpdateState(0, SignalProcessDying)
	p.killAllThreads()
	p.maybeFinishDying()
}

// mustTransitionToLocked applies a transition the caller knows to be legal.
// The caller must hold stateLock.
func (p *Process) mustTransitionToLocked(state ProcessState) {
	if err := p.state.transitionTo(state); err != nil {
		panic(fmt.Sprintf("BUG: error transitioning %v to %q: %v", p, state, err))
	}
}

// maybeFinishDying moves a dying process with no threads left to dead.
func (p *Process) maybeFinishDying() {
	p.stateLock.Lock()
	p.threadLock.Lock()
	empty := len(p.threads) == 0
	p.threadLock.Unlock()
	if !empty || p.state != StateDying {
		p.stateLock.Unlock()
		return
	}
	p.mustTransitionToLocked(StateDead)
	p.exitedAt = p.clock.Now()
	retcode := p.retcode
	p.stateLock.Unlock()

	p.finishDead(retcode)
}

// finishDead releases the resources of a process that just became dead. It
// runs exactly once, by whoever committed the transition, with no process
// locks held.
func (p *Process) finishDead(retcode int) {
	closed := p.handles.closeAll()
	if err := p.aspace.Destroy(); err != nil {
		p.l.Error("error destroying address space", "err", err)
	}
	woken := p.futex.wakeAll(errors.Wrapf(ErrCanceled, "%v is dead", p))

	if port := p.ExceptionPort(); port != nil {
		if err := port.Enqueue(ExceptionReport{Type: ExceptionProcessGone, ProcessKoid: p.koid}); err != nil {
			p.l.Warn("unable to report process exit", "err", err)
		}
	}

	p.l.Info("process dead", "retcode", retcode, "handles_closed", closed, "futex_woken", woken)
	p.tracker.UpdateState(0, SignalProcessDying|SignalSignaled)
}

// ProcessInfo is a snapshot of a process's externally visible state.
type ProcessInfo struct {
	Koid        uint64       `json:"koid"`
	Name        string       `json:"name"`
	State       ProcessState `json:"state"`
	ReturnCode  int          `json:"return_code"`
	Started     bool         `json:"started"`
	ThreadCount int          `json:"thread_count"`
	HandleCount int          `json:"handle_count"`
	CreatedAt   time.Time    `json:"created_at"`
	StartedAt   time.Time    `json:"started_at"`
	ExitedAt    time.Time    `json:"exited_at"`
}

// GetInfo returns a snapshot of the process. The fields are read under their
// own locks one at a time, so they are individually but not mutually
// consistent.
func (p *Process) GetInfo() ProcessInfo {
	info := ProcessInfo{
		Koid:        p.koid,
		Name:        p.name,
		ThreadCount: p.ThreadCount(),
		HandleCount: p.HandleCount(),
	}
	p.stateLock.Lock()
	info.State = p.state
	info.ReturnCode = p.retcode
	info.Started = p.started
	info.CreatedAt = p.createdAt
	info.StartedAt = p.startedAt
	info.ExitedAt = p.exitedAt
	p.stateLock.Unlock()
	return info
}

// SetExceptionPort binds the exception port of the process. It fails with
// ErrBadState if a port is already bound and with ErrInvalidState once the
// process is dying.
func (p *Process) SetExceptionPort(port ExceptionPort) error {
	if port == nil {
		return errors.Wrap(ErrInvalidArgs, "nil exception port")
	}
	if state := p.State(); state.atLeast(StateDying) {
		return errors.Wrapf(ErrInvalidState, "cannot bind exception port of %v in state %s", p, state)
	}
	p.exceptionLock.Lock()
	defer p.exceptionLock.Unlock()
	if p.eport != nil {
		return errors.Wrapf(ErrBadState, "%v already has an exception port", p)
	}
	p.eport = port
	return nil
}

// ResetExceptionPort unbinds the exception port. It reports whether one was
// bound.
func (p *Process) ResetExceptionPort() bool {
	p.exceptionLock.Lock()
	defer p.exceptionLock.Unlock()
	had := p.eport != nil
	p.eport = nil
	return had
}

// ExceptionPort returns the bound exception port, or nil.
func (p *Process) ExceptionPort() ExceptionPort {
	p.exceptionLock.Lock()
	defer p.exceptionLock.Unlock()
	return p.eport
}

// SetBadHandlePolicy changes the bad handle policy. Unknown policies fail
// with ErrInvalidArgs.
func (p *Process) SetBadHandlePolicy(b BadHandlePolicy) error {
	if b != BadHandleIgnore && b != BadHandleKill {
		return errors.Wrapf(ErrInvalidArgs, "bad handle policy %v", b)
	}
	p.badHandlePolicy.Store(int32(b))
	return nil
}

// BadHandlePolicy returns the current bad handle policy.
func (p *Process) BadHandlePolicy() BadHandlePolicy {
	return BadHandlePolicy(p.badHandlePolicy.Load())
}

// badHandle applies the bad handle policy to a failed handle lookup and
// returns err unchanged.
func (p *Process) badHandle(value uint32, err error) error {
	if !errors.Is(err, ErrBadHandle) {
		return err
	}
	p.l.Debug("bad handle", "value", fmt.Sprintf("%#x", value))
	if p.BadHandlePolicy() == BadHandleKill {
		p.l.Warn("killing process for bad handle", "value", fmt.Sprintf("%#x", value))
		p.Kill()
	}
	return err
}

// AddHandle makes h resident in the process's handle table and returns its
// value. The table takes ownership of h.
func (p *Process) AddHandle(h *Handle) (uint32, error) {
	return p.handles.add(h)
}

// RemoveHandle takes the handle named by value out of the table. The caller
// owns the returned handle and must add it to a table or Close it.
func (p *Process) RemoveHandle(value uint32) (*Handle, error) {
	h, err := p.handles.remove(value)
	if err != nil {
		return nil, p.badHandle(value, err)
	}
	return h, nil
}

// CloseHandle removes and closes the handle named by value.
func (p *Process) CloseHandle(value uint32) error {
	h, err := p.RemoveHandle(value)
	if err != nil {
		return err
	}
	h.Close()
	return nil
}

// LookupHandle returns the object and rights of the handle named by value.
// The returned Dispatcher carries a new strong reference which the caller
// must Release.
func (p *Process) LookupHandle(value uint32) (Dispatcher, Rights, error) {
	p.handles.mu.Lock()
	h, err := p.handles.getLocked(value)
	if err != nil {
		p.handles.mu.Unlock()
		return nil, RightNone, p.badHandle(value, err)
	}
	d, rights := h.obj, h.rights
	d.AddRef()
	p.handles.mu.Unlock()
	return d, rights, nil
}

// GetDispatcher is LookupHandle without the rights.
func (p *Process) GetDispatcher(value uint32) (Dispatcher, error) {
	d, _, err := p.LookupHandle(value)
	return d, err
}

// DuplicateHandle adds a second handle to the object named by value, with
// rights that must be a subset of the original's. The original must carry
// RightDuplicate.
func (p *Process) DuplicateHandle(value uint32, rights Rights) (uint32, error) {
	p.handles.mu.Lock()
	h, err := p.handles.getLocked(value)
	if err != nil {
		p.handles.mu.Unlock()
		return 0, p.badHandle(value, err)
	}
	if !h.rights.Has(RightDuplicate) {
		p.handles.mu.Unlock()
		return 0, errors.Wrapf(ErrAccessDenied, "handle %#x lacks %s", value, RightDuplicate)
	}
	if !h.rights.Has(rights) {
		p.handles.mu.Unlock()
		return 0, errors.Wrapf(ErrInvalidArgs, "rights %s exceed %s", rights, h.rights)
	}
	dup := NewHandle(h.obj, rights)
	dupValue, err := p.handles.addLocked(dup)
	p.handles.mu.Unlock()
	if err != nil {
		dup.Close()
		return 0, err
	}
	return dupValue, nil
}

// HandleCount returns the number of handles resident in the table.
func (p *Process) HandleCount() int {
	return p.handles.count()
}

// Handles returns a snapshot of the resident handles ordered by value.
func (p *Process) Handles() []HandleInfo {
	return p.handles.snapshot()
}

// onZeroHandles is called when the last handle to the process, from any
// table, is closed. It does not change the lifecycle state.
func (p *Process) onZeroHandles() {
	if p.ResetExceptionPort() {
		p.l.Debug("dropped exception port, no handles left")
	}
	p.tracker.UpdateState(0, SignalNoHandles)
}

// destroy runs when the last strong reference is released.
func (p *Process) destroy() {
	p.reg.remove(p)
	// with no references left there are no threads, so this completes
	// synchronously for a process that never ran
	p.Kill()
	p.l.Debug("process destroyed")
}

// WaitSignals blocks until one of mask is asserted on the process or ctx is
// done.
func (p *Process) WaitSignals(ctx context.Context, mask Signals) (Signals, error) {
	return p.tracker.Wait(ctx, mask)
}
