package kproc

import (
	"sort"

	"github.com/pkg/errors"
)

// addThread puts t on the roster. The first thread becomes the main thread
// and makes the process running. Only an initial or running process accepts
// threads. Once Start has begun, only the main thread it creates may be the
// first.
func (p *Process) addThread(t *UserThread, main bool) error {
	p.stateLock.Lock()
	if p.state != StateInitial && p.state != StateRunning {
		state := p.state
		p.stateLock.Unlock()
		return errors.Wrapf(ErrInvalidState, "cannot add thread to %v in state %s", p, state)
	}
	if p.state == StateInitial && p.started && !main {
		p.stateLock.Unlock()
		return errors.Wrapf(ErrInvalidState, "%v is starting", p)
	}
	p.threadLock.Lock()
	p.threads[t.koid] = t
	first := p.mainThread == nil
	if first {
		p.mainThread = t
	}
	p.threadLock.Unlock()
	if p.state == StateInitial {
		p.mustTransitionToLocked(StateRunning)
	}
	p.stateLock.Unlock()

	if first {
		p.l.Debug("main thread added", "thread", t.koid)
		p.tracker.UpdateState(0, SignalProcessRunning)
	}
	return nil
}

// removeThread takes t off the roster. When the roster empties, a running
// process starts dying, and a dying process becomes dead.
func (p *Process) removeThread(t *UserThread) {
	p.stateLock.Lock()
	p.threadLock.Lock()
	delete(p.threads, t.koid)
	empty := len(p.threads) == 0
	p.threadLock.Unlock()
	if !empty {
		p.stateLock.Unlock()
		return
	}

	becameDying := false
	if p.state == StateRunning {
		p.mustTransitionToLocked(StateDying)
		becameDying = true
	}
	if p.state != StateDying {
		p.stateLock.Unlock()
		return
	}
	p.mustTransitionToLocked(StateDead)
	p.exitedAt = p.clock.Now()
	retcode := p.retcode
	p.stateLock.Unlock()

	if becameDying {
		p.l.Info("process dying", "reason", "last thread exited", "retcode", retcode)
	}
	p.finishDead(retcode)
}

// killAllThreads asks every thread on the roster to terminate. The roster is
// copied under its lock and the requests are made after releasing it, since
// threads that never started leave the roster synchronously.
func (p *Process) killAllThreads() {
	p.threadLock.Lock()
	threads := make([]*UserThread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	p.threadLock.Unlock()

	for _, t := range threads {
		t.requestKill()
	}
}

// ThreadCount returns the number of threads on the roster.
func (p *Process) ThreadCount() int {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()
	return len(p.threads)
}

// MainThread returns the first thread ever added to the process, or nil.
func (p *Process) MainThread() *UserThread {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()
	return p.mainThread
}

// LookupThreadByID returns the roster member with the given koid with a new
// strong reference, which the caller must Release.
func (p *Process) LookupThreadByID(koid uint64) (*UserThread, bool) {
	p.threadLock.Lock()
	defer p.threadLock.Unlock()
	t, ok := p.threads[koid]
	if !ok || !t.tryAddRef() {
		return nil, false
	}
	return t, true
}

// Threads returns a snapshot of the roster ordered by koid.
func (p *Process) Threads() []ThreadInfo {
	p.threadLock.Lock()
	threads := make([]*UserThread, 0, len(p.threads))
	for _, t := range p.threads {
		threads = append(threads, t)
	}
	main := p.mainThread
	p.threadLock.Unlock()

	infos := make([]ThreadInfo, 0, len(threads))
	for _, t := range threads {
		info := t.info()
		info.Main = t == main
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Koid < infos[j].Koid })
	return infos
}
