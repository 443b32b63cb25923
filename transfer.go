package kproc

import (
	"fmt"

	"github.com/pkg/errors"
)

// TransferHandles moves the handles named by values from src's table to
// dst's and returns their values in dst, in the same order.
//
// The move is all or nothing. Every handle must be live in src and carry
// RightTransfer. If any of them cannot be added to dst, the ones already
// added are taken back out and every handle is returned to src under its
// original value. Only one table lock is held at a time, so the handles are
// detached from src, and their values reserved, while they are being added
// to dst.
func TransferHandles(src, dst *Process, values []uint32) ([]uint32, error) {
	if src == dst {
		return nil, errors.Wrap(ErrInvalidArgs, "transfer to the same process")
	}

	handles, err := detachForTransfer(src, values)
	if err != nil {
		return nil, err
	}

	newValues, err := attachTransferred(dst, handles)

	src.handles.mu.Lock()
	if err == nil {
		for _, v := range values {
			src.handles.commitRemoveLocked(v)
		}
		src.handles.mu.Unlock()
		src.l.Debug("transferred handles", "to", dst.koid, "count", len(values))
		return newValues, nil
	}
	var orphans []*Handle
	for i, v := range values {
		if !src.handles.undoRemoveLocked(v, handles[i]) {
			orphans = append(orphans, handles[i])
		}
	}
	src.handles.mu.Unlock()

	// src died while the handles were away
	for _, h := range orphans {
		h.Close()
	}
	return nil, errors.Wrapf(err, "error transferring handles from %v to %v", src, dst)
}

// detachForTransfer removes every value from src's table, or none of them.
func detachForTransfer(src *Process, values []uint32) ([]*Handle, error) {
	src.handles.mu.Lock()
	handles := make([]*Handle, 0, len(values))
	var err error
	var bad uint32
	for _, v := range values {
		var h *Handle
		h, err = src.handles.getLocked(v)
		if err != nil {
			bad = v
			break
		}
		if !h.rights.Has(RightTransfer) {
			err = errors.Wrapf(ErrAccessDenied, "handle %#x lacks %s", v, RightTransfer)
			break
		}
		if _, err = src.handles.removeLocked(v); err != nil {
			panic(fmt.Sprintf("BUG: removing validated handle %#x: %v", v, err))
		}
		handles = append(handles, h)
	}
	if err != nil {
		for i, h := range handles {
			src.handles.undoRemoveLocked(values[i], h)
		}
	}
	src.handles.mu.Unlock()

	if err != nil {
		return nil, src.badHandle(bad, err)
	}
	return handles, nil
}

// attachTransferred adds every handle to dst's table, or none of them.
func attachTransferred(dst *Process, handles []*Handle) ([]uint32, error) {
	dst.handles.mu.Lock()
	defer dst.handles.mu.Unlock()
	values := make([]uint32, 0, len(handles))
	for _, h := range handles {
		v, err := dst.handles.addLocked(h)
		if err != nil {
			for _, added := range values {
				if _, rerr := dst.handles.removeLocked(added); rerr != nil {
					panic(fmt.Sprintf("BUG: taking back transferred handle %#x: %v", added, rerr))
				}
				dst.handles.commitRemoveLocked(added)
			}
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}
