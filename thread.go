package kproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ThreadState is the lifecycle state of a UserThread.
type ThreadState int

const (
	ThreadInitial ThreadState = iota
	ThreadRunning
	ThreadDying
	ThreadDead
)

func (s ThreadState) String() string {
	switch s {
	case ThreadInitial:
		return "initial"
	case ThreadRunning:
		return "running"
	case ThreadDying:
		return "dying"
	case ThreadDead:
		return "dead"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Routine is the entry point of a user thread. Its return value becomes the
// thread's exit code. A routine should return promptly once t.Killed() is
// closed.
type Routine func(t *UserThread, arg uintptr) int

// UserThread is a thread of a Process. It is a member of its process's roster
// from creation until it exits, and holds a strong reference to the process
// for that time.
type UserThread struct {
	object

	name    string
	process *Process
	entry   Routine
	arg     uintptr

	mu            sync.Mutex
	state         ThreadState
	started       bool
	killRequested bool
	exitCode      int
	exitedAt      time.Time

	killC chan struct{}
	doneC chan struct{}

	// guarded by process.threadLock
	joined   bool
	detached bool

	createdAt time.Time
}

func newUserThread(p *Process, koid uint64, name string, entry Routine, arg uintptr) *UserThread {
	t := &UserThread{
		name:      truncateName(name),
		process:   p,
		entry:     entry,
		arg:       arg,
		killC:     make(chan struct{}),
		doneC:     make(chan struct{}),
		createdAt: p.clock.Now(),
	}
	t.object.init(koid)
	return t
}

// CreateUserThread adds a new, not yet started thread to the process. The
// first thread ever added becomes the main thread and makes the process
// running. It fails with ErrNoResources when the process is at its thread
// limit, and with ErrInvalidState once the process is dying or while Start is
// creating its main thread.
//
// The returned thread carries a strong reference owned by the caller, which
// must Release it. It stays usable after the thread exits.
func (p *Process) CreateUserThread(name string, entry Routine, arg uintptr) (*UserThread, error) {
	return p.createUserThread(name, entry, arg, false)
}

func (p *Process) createUserThread(name string, entry Routine, arg uintptr, main bool) (*UserThread, error) {
	if !p.threadSem.TryAcquire(1) {
		return nil, errors.Wrapf(ErrNoResources, "%v has %d threads", p, p.maxThreads)
	}
	p.AddRef()
	t := newUserThread(p, p.reg.allocKoid(), name, entry, arg)
	// one reference for the roster, dropped at exit, and one for the caller
	t.AddRef()
	if err := p.addThread(t, main); err != nil {
		p.threadSem.Release(1)
		p.Release()
		return nil, err
	}
	return t, nil
}

// Name returns the thread name.
func (t *UserThread) Name() string {
	return t.name
}

// Type implements Dispatcher.
func (t *UserThread) Type() ObjType {
	return ObjTypeThread
}

// AddRef implements Dispatcher.
func (t *UserThread) AddRef() {
	t.addRef()
}

// Release implements Dispatcher.
func (t *UserThread) Release() {
	releaseDispatcher(t)
}

func (t *UserThread) onZeroHandles() {}

func (t *UserThread) destroy() {}

func (t *UserThread) String() string {
	return fmt.Sprintf("thread(%d %q of %d)", t.koid, t.name, t.process.koid)
}

// Process returns the process the thread belongs to.
func (t *UserThread) Process() *Process {
	return t.process
}

// State returns the thread's lifecycle state.
func (t *UserThread) State() ThreadState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Start runs the thread's routine on its own goroutine. A thread can only be
// started once; later calls fail with ErrBadState. Starting a thread that was
// already asked to die fails with ErrInvalidState.
func (t *UserThread) Start() error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.Wrapf(ErrBadState, "%v already started", t)
	}
	if t.killRequested {
		t.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "%v is dying", t)
	}
	t.started = true
	t.state = ThreadRunning
	t.mu.Unlock()

	go t.run()
	return nil
}

func (t *UserThread) run() {
	code := 0
	if t.entry != nil {
		code = t.entry(t, t.arg)
	} else {
		<-t.killC
		code = RetcodeKilled
	}
	t.exit(code)
}

// Killed is closed once the thread has been asked to terminate.
func (t *UserThread) Killed() <-chan struct{} {
	return t.killC
}

// Done is closed once the thread is dead.
func (t *UserThread) Done() <-chan struct{} {
	return t.doneC
}

// ExitCode returns the value the routine returned. It is only meaningful
// once Done is closed.
func (t *UserThread) ExitCode() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.exitCode
}

// requestKill asks the thread to terminate. A thread that never started
// exits right away.
func (t *UserThread) requestKill() {
	t.mu.Lock()
	if t.killRequested {
		t.mu.Unlock()
		return
	}
	t.killRequested = true
	close(t.killC)
	started := t.started
	if t.state == ThreadRunning {
		t.state = ThreadDying
	}
	t.mu.Unlock()

	if !started {
		t.exit(RetcodeKilled)
	}
}

// exit marks the thread dead and takes it out of its process's roster.
func (t *UserThread) exit(code int) {
	t.mu.Lock()
	if t.state == ThreadDead {
		t.mu.Unlock()
		return
	}
	t.state = ThreadDead
	t.exitCode = code
	t.exitedAt = t.process.clock.Now()
	t.mu.Unlock()

	p := t.process
	p.l.Debug("thread exited", "thread", t.koid, "code", code)
	p.removeThread(t)
	p.threadSem.Release(1)
	close(t.doneC)
	t.Release()
	p.Release()
}

// Join waits for the thread to exit and returns its exit code. A thread can
// be joined once, and not after it was detached.
func (t *UserThread) Join(ctx context.Context) (int, error) {
	p := t.process
	p.threadLock.Lock()
	if t.joined || t.detached {
		p.threadLock.Unlock()
		return 0, errors.Wrapf(ErrInvalidState, "%v already joined or detached", t)
	}
	t.joined = true
	p.threadLock.Unlock()

	select {
	case <-t.doneC:
		return t.ExitCode(), nil
	case <-ctx.Done():
		p.threadLock.Lock()
		t.joined = false
		p.threadLock.Unlock()
		return 0, ctx.Err()
	}
}

// Detach gives up the right to Join the thread.
func (t *UserThread) Detach() error {
	p := t.process
	p.threadLock.Lock()
	defer p.threadLock.Unlock()
	if t.joined || t.detached {
		return errors.Wrapf(ErrInvalidState, "%v already joined or detached", t)
	}
	t.detached = true
	return nil
}

// RaiseException reports an exception on the thread to its process's
// exception port. Without a port, or if the port cannot take the report, the
// process is killed.
func (t *UserThread) RaiseException(kind ExceptionType) error {
	p := t.process
	port := p.ExceptionPort()
	if port == nil {
		p.l.Info("unhandled exception, killing process", "thread", t.koid, "type", kind)
		p.Kill()
		return nil
	}
	report := ExceptionReport{Type: kind, ProcessKoid: p.koid, ThreadKoid: t.koid}
	if err := port.Enqueue(report); err != nil {
		p.l.Warn("exception port refused report, killing process", "thread", t.koid, "err", err)
		p.Kill()
		return err
	}
	return nil
}

// ThreadInfo is a snapshot of a thread.
type ThreadInfo struct {
	Koid      uint64      `json:"koid"`
	Name      string      `json:"name"`
	State     ThreadState `json:"state"`
	Main      bool        `json:"main"`
	CreatedAt time.Time   `json:"created_at"`
	ExitedAt  time.Time   `json:"exited_at"`
}

func (t *UserThread) info() ThreadInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ThreadInfo{
		Koid:      t.koid,
		Name:      t.name,
		State:     t.state,
		CreatedAt: t.createdAt,
		ExitedAt:  t.exitedAt,
	}
}
