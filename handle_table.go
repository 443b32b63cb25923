package kproc

import (
	"fmt"
	"sort"
	"sync"

	"github.com/inconshreveable/log15"
	"github.com/ngrok/kproc/internal/handleval"
	"github.com/pkg/errors"
)

// DefaultMaxHandles is the default per-process limit on the number of handles
// resident in, or detached from, a handle table.
const DefaultMaxHandles = 256 * 1024

type slotState uint8

const (
	slotFree slotState = iota
	slotLive
	// detached slots hold a handle removed by a caller that has not yet
	// committed or undone the removal; the slot's value stays reserved.
	slotDetached
	// retired slots exhausted their generations and are never reused.
	slotRetired
)

type slot struct {
	h     *Handle
	gen   uint32
	state slotState
}

// handleTable holds the handles owned by one process.
//
// Methods without a suffix take mu themselves. Methods suffixed with Locked
// require the caller to hold mu, and let a caller compose several steps, such
// as a remove followed by a commit or an undo, under one critical section.
type handleTable struct {
	mu sync.Mutex

	owner uint64
	codec handleval.Codec

	slots []slot
	// free is a stack of indices of free slots
	free     []uint32
	live     int
	detached int
	max      int

	// closed is set once the owning process is dead; no handle can enter the
	// table afterwards.
	closed bool

	l log15.Logger
}

func newHandleTable(l log15.Logger, entropy uint64, max int) *handleTable {
	if max <= 0 || max > handleval.MaxSlots {
		max = DefaultMaxHandles
	}
	return &handleTable{
		codec: handleval.New(entropy),
		max:   max,
		l:     l,
	}
}

func (t *handleTable) setOwner(koid uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = koid
}

func (t *handleTable) add(h *Handle) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.addLocked(h)
}

// remove detaches the handle named by value and frees its slot.
func (t *handleTable) remove(value uint32) (*Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, err := t.removeLocked(value)
	if err != nil {
		return nil, err
	}
	t.commitRemoveLocked(value)
	return h, nil
}

func (t *handleTable) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *handleTable) addLocked(h *Handle) (uint32, error) {
	if t.closed {
		return 0, errors.Wrap(ErrInvalidState, "handle table is closed")
	}
	if h.owner != 0 {
		panic(fmt.Sprintf("BUG: adding %v already owned by process %d", h, h.owner))
	}
	if t.live+t.detached >= t.max {
		return 0, errors.Wrapf(ErrNoResources, "process %d has %d handles", t.owner, t.max)
	}

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		if len(t.slots) >= handleval.MaxSlots {
			return 0, errors.Wrap(ErrNoMemory, "handle table slots exhausted")
		}
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
		if t.codec.Encode(idx, 0) == 0 {
			t.slots[idx].gen = 1
		}
	}

	s := &t.slots[idx]
	s.h = h
	s.state = slotLive
	t.live++

	h.owner = t.owner
	h.value = t.codec.Encode(idx, s.gen)
	return h.value, nil
}

// lookupLocked resolves value to its slot if the slot is in the wanted state
// and carries the generation encoded in value.
func (t *handleTable) lookupLocked(value uint32, want slotState) (uint32, *slot, bool) {
	idx, gen, ok := t.codec.Decode(value)
	if !ok || int(idx) >= len(t.slots) {
		return 0, nil, false
	}
	s := &t.slots[idx]
	if s.gen != gen || s.state != want {
		return 0, nil, false
	}
	return idx, s, true
}

func (t *handleTable) getLocked(value uint32) (*Handle, error) {
	_, s, ok := t.lookupLocked(value, slotLive)
	if !ok {
		return nil, errors.Wrapf(ErrBadHandle, "handle %#x", value)
	}
	if s.h.owner != t.owner {
		panic(fmt.Sprintf("BUG: %v resident in table of process %d is owned by %d", s.h, t.owner, s.h.owner))
	}
	return s.h, nil
}

// removeLocked detaches the handle named by value. Its value stays reserved
// until commitRemoveLocked or undoRemoveLocked is called with it.
func (t *handleTable) removeLocked(value uint32) (*Handle, error) {
	h, err := t.getLocked(value)
	if err != nil {
		return nil, err
	}
	_, s, _ := t.lookupLocked(value, slotLive)
	s.state = slotDetached
	t.live--
	t.detached++
	h.owner = 0
	return h, nil
}

// commitRemoveLocked frees the slot of a detached handle. The slot's next
// occupant gets a different value. It is a no-op once the table is closed.
func (t *handleTable) commitRemoveLocked(value uint32) {
	if t.closed {
		return
	}
	idx, s, ok := t.lookupLocked(value, slotDetached)
	if !ok {
		panic(fmt.Sprintf("BUG: committing removal of %#x which is not detached", value))
	}
	s.h = nil
	t.detached--
	for {
		s.gen++
		if s.gen > handleval.MaxGen {
			s.state = slotRetired
			t.l.Debug("retiring handle slot", "slot", idx)
			return
		}
		if t.codec.Encode(idx, s.gen) != 0 {
			break
		}
	}
	s.state = slotFree
	t.free = append(t.free, idx)
}

// undoRemoveLocked puts h back at the value it was removed from. It reports
// false if the table was closed in the meantime, in which case the caller
// still owns h.
func (t *handleTable) undoRemoveLocked(value uint32, h *Handle) bool {
	if t.closed {
		return false
	}
	_, s, ok := t.lookupLocked(value, slotDetached)
	if !ok || s.h != h {
		panic(fmt.Sprintf("BUG: undoing removal of %#x which does not hold %v", value, h))
	}
	s.state = slotLive
	t.detached--
	t.live++
	h.owner = t.owner
	h.value = value
	return true
}

// closeAll closes every resident handle and refuses further additions.
// Handles detached at this point belong to whoever removed them.
func (t *handleTable) closeAll() int {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0
	}
	t.closed = true
	toClose := make([]*Handle, 0, t.live)
	for i := range t.slots {
		s := &t.slots[i]
		if s.state == slotLive {
			s.h.owner = 0
			toClose = append(toClose, s.h)
		}
	}
	t.slots = nil
	t.free = nil
	t.live = 0
	t.detached = 0
	t.mu.Unlock()

	// closing may release the last reference to another process, which takes
	// that process's locks, so it happens outside of ours
	for _, h := range toClose {
		h.Close()
	}
	return len(toClose)
}

// HandleInfo describes one resident handle.
type HandleInfo struct {
	Value  uint32  `json:"value"`
	Type   ObjType `json:"type"`
	Koid   uint64  `json:"koid"`
	Rights Rights  `json:"rights"`
}

func (t *handleTable) snapshot() []HandleInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	infos := make([]HandleInfo, 0, t.live)
	for i := range t.slots {
		s := &t.slots[i]
		if s.state != slotLive {
			continue
		}
		infos = append(infos, HandleInfo{
			Value:  s.h.value,
			Type:   s.h.obj.Type(),
			Koid:   s.h.obj.Koid(),
			Rights: s.h.rights,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Value < infos[j].Value })
	return infos
}
