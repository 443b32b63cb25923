package kproc

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/stretchr/testify/require"
	fakeclock "k8s.io/utils/clock/testing"
)

var l = log15.New()

func init() {
	l.SetHandler(log15.LvlFilterHandler(log15.LvlWarn, log15.StderrHandler))
}

var testEpoch = time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// counterSeeds is a deterministic seed source.
func counterSeeds() func() (uint64, error) {
	var n atomic.Uint64
	return func() (uint64, error) {
		return n.Add(1) * 0x9e3779b97f4a7c15, nil
	}
}

func testRegistry(t *testing.T, opts ...RegistryOption) (*Registry, *fakeclock.FakeClock) {
	clk := fakeclock.NewFakeClock(testEpoch)
	opts = append([]RegistryOption{
		WithLogger(l),
		WithClock(clk),
		WithSeedSource(counterSeeds()),
	}, opts...)
	return NewRegistry(opts...), clk
}

func createProcess(t *testing.T, r *Registry, name string, opts ...Option) *Process {
	p, rights, err := r.CreateProcess(name, opts...)
	require.NoError(t, err)
	require.Equal(t, DefaultProcessRights, rights)
	return p
}

// newEventHandle returns a detached handle to a fresh event. The handle holds
// the only reference to the event.
func newEventHandle(r *Registry) (*Handle, *Event) {
	e, rights := r.CreateEvent()
	h := NewHandle(e, rights)
	e.Release()
	return h, e
}

// parked blocks until the thread is killed.
func parked(t *UserThread, _ uintptr) int {
	<-t.Killed()
	return RetcodeKilled
}

// waitDead waits for p to assert SignalSignaled.
func waitDead(t *testing.T, p *Process) {
	_, err := p.WaitSignals(testCtx(t), SignalSignaled)
	require.NoError(t, err, "waiting for %v to die", p)
	require.Equal(t, StateDead, p.State())
}
