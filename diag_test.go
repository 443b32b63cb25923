package kproc

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

// diagRegistry returns a registry with a running process holding two event
// handles and an unstarted one holding nothing.
func diagRegistry(t *testing.T) (*Registry, *Process, *Process) {
	r, _ := testRegistry(t)
	busy := createProcess(t, r, "busy")
	require.NoError(t, busy.Start(parked, 0))
	for i := 0; i < 2; i++ {
		h, _ := newEventHandle(r)
		_, err := busy.AddHandle(h)
		require.NoError(t, err)
	}
	idle := createProcess(t, r, "idle")
	t.Cleanup(func() {
		busy.Kill()
		busy.Release()
		idle.Release()
	})
	return r, busy, idle
}

func TestDumpProcessList(t *testing.T) {
	r, busy, idle := diagRegistry(t)

	var buf bytes.Buffer
	r.DumpProcessList(&buf)
	out := buf.String()
	require.Contains(t, out, "2 processes")
	for _, want := range []string{"busy", "idle", "running", "initial"} {
		require.Contains(t, out, want)
	}
	require.Less(t, strings.Index(out, busy.Name()), strings.Index(out, idle.Name()))
}

func TestDumpProcessHandles(t *testing.T) {
	r, busy, _ := diagRegistry(t)

	var buf bytes.Buffer
	require.NoError(t, r.DumpProcessHandles(&buf, busy.Koid()))
	for _, h := range busy.Handles() {
		require.Contains(t, buf.String(), fmt.Sprintf("%#08x", h.Value))
	}
	require.Contains(t, buf.String(), string(ObjTypeEvent))

	err := r.DumpProcessHandles(&buf, 999999)
	require.Equal(t, ErrNotFound, errors.Cause(err))
}

func TestBuildHandleStats(t *testing.T) {
	r, _, idle := diagRegistry(t)
	_, err := idle.AddHandle(NewHandle(idle, DefaultProcessRights))
	require.NoError(t, err)

	stats := r.BuildHandleStats()
	require.Equal(t, HandleStats{
		Processes: 2,
		Total:     3,
		ByType:    map[ObjType]int{ObjTypeEvent: 2, ObjTypeProcess: 1},
	}, stats)

	// a process holding a handle to itself only lets go of it when it dies
	idle.Kill()
}

func TestSnapshotStream(t *testing.T) {
	r, busy, idle := diagRegistry(t)

	var buf bytes.Buffer
	n, err := r.WriteSnapshot(&buf)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	snaps, err := ReadSnapshot(&buf)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, busy.Koid(), snaps[0].Info.Koid)
	require.Equal(t, StateRunning, snaps[0].Info.State)
	require.Equal(t, busy.Handles(), snaps[0].Handles)
	require.Len(t, snaps[0].Threads, 1)
	require.True(t, snaps[0].Threads[0].Main)
	require.Equal(t, idle.Name(), snaps[1].Info.Name)
	require.True(t, snaps[1].Info.StartedAt.IsZero())
	require.True(t, snaps[1].Info.ExitedAt.IsZero())
	require.True(t, snaps[0].Threads[0].ExitedAt.IsZero())
	require.Empty(t, snaps[1].Handles)

	var out bytes.Buffer
	RenderSnapshot(&out, snaps)
	require.Contains(t, out.String(), fmt.Sprintf("handles of %d (busy)", busy.Koid()))
	require.NotContains(t, out.String(), "handles of "+fmt.Sprint(idle.Koid()))
}

// Unset timestamps are written as zero times and read back as such.
func TestSnapshotZeroTimes(t *testing.T) {
	r, _, _ := diagRegistry(t)
	var buf bytes.Buffer
	_, err := r.WriteSnapshot(&buf)
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"exited_at":"0001-01-01T00:00:00Z"`)
}

func TestReadSnapshotTruncated(t *testing.T) {
	r, _, _ := diagRegistry(t)
	var buf bytes.Buffer
	_, err := r.WriteSnapshot(&buf)
	require.NoError(t, err)

	_, err = ReadSnapshot(bytes.NewReader(buf.Bytes()[:buf.Len()-3]))
	require.Error(t, err)
}
