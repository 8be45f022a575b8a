package calculation

import (
	"fmt"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a Calculation.
type State int

const (
	// StateBeingSplit is the initial state: the split transform has not
	// produced the fragments yet.
	StateBeingSplit State = iota
	// StateReady means the fragments exist and are being dispatched.
	StateReady
	// StateBeingCanceled is entered on explicit cancellation.
	StateBeingCanceled
	// StateComputed means every fragment is computed and the join succeeded.
	StateComputed
	// StateCrashed means the split or join failed, or a result was malformed.
	StateCrashed
)

var stateNames = map[State]string{
	StateBeingSplit:    "being_split",
	StateReady:         "ready",
	StateBeingCanceled: "being_canceled",
	StateComputed:      "computed",
	StateCrashed:       "crashed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateBeingCanceled || s == StateComputed || s == StateCrashed
}

// MarshalText encodes the state by name so JSON views stay readable.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = st
			return nil
		}
	}
	return errors.Errorf("unknown calculation state %q", text)
}

// FragmentState is the lifecycle state of a Fragment.
type FragmentState int

const (
	// FragmentPending waits in the dispatcher queue for a capable worker.
	FragmentPending FragmentState = iota
	// FragmentAssigned has been sent to a worker that has not acknowledged yet.
	FragmentAssigned
	// FragmentRunning was acknowledged by its worker.
	FragmentRunning
	// FragmentComputed holds a parsed result.
	FragmentComputed
	// FragmentCrashed returned a malformed result.
	FragmentCrashed
	// FragmentCanceled belongs to a canceled calculation.
	FragmentCanceled
)

var fragmentStateNames = map[FragmentState]string{
	FragmentPending:  "pending",
	FragmentAssigned: "assigned",
	FragmentRunning:  "running",
	FragmentComputed: "computed",
	FragmentCrashed:  "crashed",
	FragmentCanceled: "canceled",
}

func (s FragmentState) String() string {
	if name, ok := fragmentStateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("fragment_state(%d)", int(s))
}

// InFlight reports whether a worker currently owns the fragment.
func (s FragmentState) InFlight() bool {
	return s == FragmentAssigned || s == FragmentRunning
}

// MarshalText encodes the state by name.
func (s FragmentState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
