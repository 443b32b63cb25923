package kproc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func addEvents(t *testing.T, r *Registry, p *Process, n int, rights Rights) []uint32 {
	values := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		e, _ := r.CreateEvent()
		v, err := p.AddHandle(NewHandle(e, rights))
		e.Release()
		require.NoError(t, err)
		values = append(values, v)
	}
	return values
}

func TestTransferHandles(t *testing.T) {
	r, _ := testRegistry(t)
	src := createProcess(t, r, "src")
	defer src.Release()
	dst := createProcess(t, r, "dst")
	defer dst.Release()

	values := addEvents(t, r, src, 3, DefaultEventRights)
	objs := make([]Dispatcher, 0, 2)
	for _, v := range values[:2] {
		d, err := src.GetDispatcher(v)
		require.NoError(t, err)
		objs = append(objs, d)
		d.Release()
	}

	moved, err := TransferHandles(src, dst, values[:2])
	require.NoError(t, err)
	require.Len(t, moved, 2)
	require.Equal(t, 1, src.HandleCount())
	require.Equal(t, 2, dst.HandleCount())

	for i, v := range moved {
		d, err := dst.GetDispatcher(v)
		require.NoError(t, err)
		require.True(t, d == objs[i])
		d.Release()
		_, err = src.GetDispatcher(values[i])
		require.True(t, errors.Is(err, ErrBadHandle))
	}
}

func TestTransferRollsBack(t *testing.T) {
	r, _ := testRegistry(t)

	check := func(t *testing.T, src *Process, values []uint32) {
		require.Equal(t, len(values), src.HandleCount())
		for _, v := range values {
			d, err := src.GetDispatcher(v)
			require.NoError(t, err, "value %#x should be back in place", v)
			d.Release()
		}
	}

	t.Run("missing transfer right", func(t *testing.T) {
		src := createProcess(t, r, "src")
		defer src.Release()
		dst := createProcess(t, r, "dst")
		defer dst.Release()
		values := addEvents(t, r, src, 2, DefaultEventRights)
		values = append(values, addEvents(t, r, src, 1, RightRead)...)

		_, err := TransferHandles(src, dst, values)
		require.Equal(t, ErrAccessDenied, errors.Cause(err))
		check(t, src, values)
		require.Equal(t, 0, dst.HandleCount())
	})

	t.Run("bad value", func(t *testing.T) {
		src := createProcess(t, r, "src")
		defer src.Release()
		dst := createProcess(t, r, "dst")
		defer dst.Release()
		values := addEvents(t, r, src, 2, DefaultEventRights)

		_, err := TransferHandles(src, dst, []uint32{values[0], values[1], values[0]})
		require.True(t, errors.Is(err, ErrBadHandle))
		check(t, src, values)
	})

	t.Run("destination full", func(t *testing.T) {
		src := createProcess(t, r, "src")
		defer src.Release()
		dst := createProcess(t, r, "dst", WithMaxHandles(2))
		defer dst.Release()
		values := addEvents(t, r, src, 2, DefaultEventRights)
		addEvents(t, r, dst, 1, DefaultEventRights)

		_, err := TransferHandles(src, dst, values)
		require.Equal(t, ErrNoResources, errors.Cause(err))
		check(t, src, values)
		require.Equal(t, 1, dst.HandleCount())
	})

	t.Run("destination dead", func(t *testing.T) {
		src := createProcess(t, r, "src")
		defer src.Release()
		dst := createProcess(t, r, "dst")
		defer dst.Release()
		values := addEvents(t, r, src, 2, DefaultEventRights)
		dst.Kill()

		_, err := TransferHandles(src, dst, values)
		require.Equal(t, ErrInvalidState, errors.Cause(err))
		check(t, src, values)
	})

	t.Run("same process", func(t *testing.T) {
		src := createProcess(t, r, "src")
		defer src.Release()
		values := addEvents(t, r, src, 1, DefaultEventRights)
		_, err := TransferHandles(src, src, values)
		require.Equal(t, ErrInvalidArgs, errors.Cause(err))
		check(t, src, values)
	})
}

// Transfers in both directions at once must not deadlock or lose handles.
func TestConcurrentTransfers(t *testing.T) {
	r, _ := testRegistry(t)
	a := createProcess(t, r, "a")
	defer a.Release()
	b := createProcess(t, r, "b")
	defer b.Release()

	const rounds = 200
	pingPong := func(from, to *Process, v uint32) func() error {
		return func() error {
			for i := 0; i < rounds; i++ {
				moved, err := TransferHandles(from, to, []uint32{v})
				if err != nil {
					return err
				}
				back, err := TransferHandles(to, from, moved)
				if err != nil {
					return err
				}
				v = back[0]
			}
			return nil
		}
	}

	var g errgroup.Group
	for _, v := range addEvents(t, r, a, 4, DefaultEventRights) {
		g.Go(pingPong(a, b, v))
	}
	for _, v := range addEvents(t, r, b, 4, DefaultEventRights) {
		g.Go(pingPong(b, a, v))
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 4, a.HandleCount())
	require.Equal(t, 4, b.HandleCount())
}
