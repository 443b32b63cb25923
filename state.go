package kproc

import "fmt"

// ProcessState is the lifecycle state of a process. It has the following
// transitions:
// Initial → Running
// Initial → Dying
// Running → Dying
// Dying   → Dead
//
// States never go backwards.
type ProcessState int

const (
	// StateInitial is the state of a freshly created process. It has no
	// threads yet and has not been started.
	StateInitial ProcessState = iota
	// StateRunning is the state of a process once its first thread has been
	// added.
	StateRunning
	// StateDying is the state of a process that was killed, exited, or lost its
	// last thread. Its threads are being asked to terminate.
	StateDying
	// StateDead is the terminal state. Every thread has left the roster, the
	// handle table is closed and the address space is released.
	StateDead
)

func (s ProcessState) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateRunning:
		return "running"
	case StateDying:
		return "dying"
	case StateDead:
		return "dead"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

var validTransitions = map[ProcessState][]ProcessState{
	StateInitial: {
		StateRunning,
		StateDying,
	},
	StateRunning: {
		StateDying,
	},
	StateDying: {
		StateDead,
	},
}

func (s ProcessState) canTransitionTo(state ProcessState) error {
	for _, target := range validTransitions[s] {
		if target == state {
			return nil
		}
	}
	return fmt.Errorf("unable to transition from %s to %s", s, state)
}

func (s *ProcessState) transitionTo(state ProcessState) error {
	if err := s.canTransitionTo(state); err != nil {
		return err
	}
	*s = state
	return nil
}

// atLeast reports whether s has reached or passed state.
func (s ProcessState) atLeast(state ProcessState) bool {
	return s >= state
}

// MarshalText implements encoding.TextMarshaler.
func (s ProcessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *ProcessState) UnmarshalText(text []byte) error {
	for _, st := range []ProcessState{StateInitial, StateRunning, StateDying, StateDead} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown process state %q", text)
}
