package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/kproc"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Summary is the outcome of a simulation run.
type Summary struct {
	Processes   int
	Killed      int
	Exited      int
	Transferred int
	Snapshotted int
}

type worker struct {
	p       *kproc.Process
	values  []uint32
	release chan struct{}
}

// parkedRoutine blocks until the thread is killed or the worker is released.
func parkedRoutine(release <-chan struct{}) kproc.Routine {
	return func(t *kproc.UserThread, _ uintptr) int {
		select {
		case <-t.Killed():
			return kproc.RetcodeKilled
		case <-release:
			return 0
		}
	}
}

// simulate runs the configured workload against reg and writes the process
// list before and after teardown to out.
func simulate(ctx context.Context, l log15.Logger, cfg *Config, reg *kproc.Registry, out io.Writer) (Summary, error) {
	var sum Summary

	initProc, initRights, err := reg.CreateProcess("init")
	if err != nil {
		return sum, errors.Wrap(err, "error creating init")
	}
	defer func() {
		initProc.Kill()
		initProc.Release()
	}()
	if err := initProc.Start(parkedRoutine(nil), 0); err != nil {
		return sum, errors.Wrap(err, "error starting init")
	}
	l.Debug("init started", "koid", initProc.Koid(), "rights", initRights)

	workers := make([]*worker, 0, cfg.Workload.Processes)
	defer func() {
		// no-op for processes that already died
		for _, w := range workers {
			w.p.Kill()
			w.p.Release()
		}
	}()
	for i := 0; i < cfg.Workload.Processes; i++ {
		w, err := newWorker(reg, cfg, fmt.Sprintf("worker-%d", i))
		if err != nil {
			return sum, err
		}
		workers = append(workers, w)
		if _, err := initProc.AddHandle(kproc.NewHandle(w.p, kproc.DefaultProcessRights)); err != nil {
			return sum, errors.Wrapf(err, "error giving init a handle to %s", w.p.Name())
		}
	}
	sum.Processes = len(workers)

	// every worker hands half of its events to its neighbour
	var g errgroup.Group
	moved := make([]int, len(workers))
	for i := range workers {
		i := i
		g.Go(func() error {
			src, dst := workers[i], workers[(i+1)%len(workers)]
			if src == dst {
				return nil
			}
			half := src.values[:len(src.values)/2]
			newValues, err := kproc.TransferHandles(src.p, dst.p, half)
			if err != nil {
				return err
			}
			moved[i] = len(newValues)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return sum, errors.Wrap(err, "error transferring handles")
	}
	for _, n := range moved {
		sum.Transferred += n
	}

	reg.DumpProcessList(out)
	if cfg.Snapshot.Path != "" {
		n, err := writeSnapshotFile(reg, cfg.Snapshot.Path)
		if err != nil {
			return sum, err
		}
		sum.Snapshotted = n
	}

	teardown, gctx := errgroup.WithContext(ctx)
	for i, w := range workers {
		w := w
		if cfg.Workload.KillEvery > 0 && i%cfg.Workload.KillEvery == 0 {
			w.p.Kill()
			sum.Killed++
		} else {
			close(w.release)
			sum.Exited++
		}
		teardown.Go(func() error {
			_, err := w.p.WaitSignals(gctx, kproc.SignalSignaled)
			return errors.Wrapf(err, "waiting for %s", w.p.Name())
		})
	}
	if err := teardown.Wait(); err != nil {
		return sum, err
	}
	initProc.Kill()
	if _, err := initProc.WaitSignals(ctx, kproc.SignalSignaled); err != nil {
		return sum, errors.Wrap(err, "waiting for init")
	}

	reg.DumpProcessList(out)
	return sum, nil
}

func newWorker(reg *kproc.Registry, cfg *Config, name string) (*worker, error) {
	p, _, err := reg.CreateProcess(name, cfg.processOptions()...)
	if err != nil {
		return nil, errors.Wrapf(err, "error creating %s", name)
	}
	w := &worker{p: p, release: make(chan struct{})}

	for i := 0; i < cfg.Workload.Handles; i++ {
		e, rights := reg.CreateEvent()
		v, err := p.AddHandle(kproc.NewHandle(e, rights))
		e.Release()
		if err != nil {
			p.Release()
			return nil, errors.Wrapf(err, "error adding event to %s", name)
		}
		w.values = append(w.values, v)
	}

	if err := p.Start(parkedRoutine(w.release), 0); err != nil {
		p.Release()
		return nil, errors.Wrapf(err, "error starting %s", name)
	}
	for i := 1; i < cfg.Workload.Threads; i++ {
		t, err := p.CreateUserThread(fmt.Sprintf("%s-t%d", name, i), parkedRoutine(w.release), uintptr(i))
		if err == nil {
			err = t.Start()
			t.Release()
		}
		if err != nil {
			p.Kill()
			p.Release()
			return nil, errors.Wrapf(err, "error adding thread to %s", name)
		}
	}
	return w, nil
}

func writeSnapshotFile(reg *kproc.Registry, path string) (int, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, errors.Wrap(err, "error creating snapshot file")
	}
	n, err := reg.WriteSnapshot(f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = errors.Wrap(cerr, "error closing snapshot file")
	}
	return n, err
}
