// Package calculation models a calculation request and the fragments it is
// split into.
//
// A Calculation owns its Fragments; a Fragment cannot exist without exactly
// one parent and is only created through Calculation.AddFragment. Neither
// type is safe for concurrent use: the dispatcher is the single writer.
package calculation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	// ErrNoFragments is returned when a calculation with zero fragments is
	// asked to leave the split phase or to complete.
	ErrNoFragments = errors.New("calculation has no fragments")

	// ErrInvalidState is returned for a lifecycle change that the current
	// state does not allow.
	ErrInvalidState = errors.New("invalid calculation state")

	// ErrNotOwned is returned when a fragment is handed to a calculation that
	// is not its parent.
	ErrNotOwned = errors.New("fragment belongs to another calculation")
)

// Calculation is a unit of work requested by a caller.
type Calculation struct {
	Created   time.Time
	Params    map[string]any
	fragments map[uuid.UUID]*Fragment
	Bin       string
	Reason    string
	Result    json.RawMessage
	order     []uuid.UUID
	State     State
	ID        uuid.UUID
}

// New creates a calculation in StateBeingSplit. A nil id is replaced by a
// freshly generated one.
func New(bin string, params map[string]any, id uuid.UUID) *Calculation {
	if id == uuid.Nil {
		id = uuid.New()
	}
	if params == nil {
		params = map[string]any{}
	}
	return &Calculation{
		ID:        id,
		Bin:       bin,
		Params:    params,
		State:     StateBeingSplit,
		Created:   time.Now(),
		fragments: make(map[uuid.UUID]*Fragment),
	}
}

// FromJSON builds a calculation from a request envelope. A "fragment_id"
// present in the request is used as the calculation id.
func FromJSON(data []byte) (*Calculation, error) {
	env, err := ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	id := uuid.Nil
	if env.FragmentID != "" {
		id, err = uuid.Parse(env.FragmentID)
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "invalid id %q", env.FragmentID)
		}
	}
	return New(env.Bin, env.Params, id), nil
}

// Envelope returns the calculation as a request envelope, the input of the
// split transform.
func (c *Calculation) Envelope() Envelope {
	return Envelope{Bin: c.Bin, Params: c.Params, FragmentID: c.ID.String()}
}

// AddFragment attaches a fragment produced by the split transform. When
// trustID is set and the spec carries a valid id, that id is kept; otherwise
// the coordinator assigns one. Duplicate ids are rejected.
func (c *Calculation) AddFragment(spec FragmentSpec, trustID bool) (*Fragment, error) {
	if c.State != StateBeingSplit {
		return nil, errors.Wrapf(ErrInvalidState, "cannot add fragments in state %s", c.State)
	}

	id := uuid.New()
	if trustID && spec.ID != "" {
		parsed, err := uuid.Parse(spec.ID)
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "invalid fragment id %q", spec.ID)
		}
		id = parsed
	}
	if _, dup := c.fragments[id]; dup {
		return nil, errors.Errorf("duplicate fragment id %s", id)
	}

	params := spec.Params
	if params == nil {
		params = map[string]any{}
	}
	f := &Fragment{ID: id, Params: params, State: FragmentPending, parent: c}
	c.fragments[id] = f
	c.order = append(c.order, id)
	return f, nil
}

// Fragments returns the fragments in the order the split produced them.
func (c *Calculation) Fragments() []*Fragment {
	out := make([]*Fragment, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.fragments[id])
	}
	return out
}

// MarkReady ends the split phase. A calculation without fragments stays
// un-split.
func (c *Calculation) MarkReady() error {
	if c.State != StateBeingSplit {
		return errors.Wrapf(ErrInvalidState, "cannot mark ready from %s", c.State)
	}
	if len(c.fragments) == 0 {
		return ErrNoFragments
	}
	c.State = StateReady
	return nil
}

// AllComputed reports whether the calculation has fragments and every one of
// them is computed.
func (c *Calculation) AllComputed() bool {
	if len(c.fragments) == 0 {
		return false
	}
	for _, f := range c.fragments {
		if f.State != FragmentComputed {
			return false
		}
	}
	return true
}

// FragmentComputed records a fragment result and reports whether it was the
// last outstanding fragment.
func (c *Calculation) FragmentComputed(f *Fragment, result json.RawMessage) (bool, error) {
	if f.parent != c {
		return false, ErrNotOwned
	}
	if c.State != StateReady {
		return false, errors.Wrapf(ErrInvalidState, "fragment result in state %s", c.State)
	}
	f.Result = result
	f.State = FragmentComputed
	return c.AllComputed(), nil
}

// Complete stores the joined result and enters StateComputed. It refuses
// while any fragment is still outstanding.
func (c *Calculation) Complete(result json.RawMessage) error {
	if c.State != StateReady {
		return errors.Wrapf(ErrInvalidState, "cannot complete from %s", c.State)
	}
	if len(c.fragments) == 0 {
		return ErrNoFragments
	}
	if !c.AllComputed() {
		return errors.Wrap(ErrInvalidState, "fragments still outstanding")
	}
	c.Result = result
	c.State = StateComputed
	return nil
}

// Crash marks the calculation failed with a reason. Terminal calculations are
// left untouched.
func (c *Calculation) Crash(reason string) {
	if c.State.Terminal() {
		return
	}
	if reason == "" {
		reason = "unknown reason"
	}
	c.Reason = reason
	c.State = StateCrashed
}

// Cancel enters StateBeingCanceled and returns the fragments that were in
// flight at that moment so the caller can abort them. Every non-terminal
// fragment becomes FragmentCanceled.
func (c *Calculation) Cancel() ([]*Fragment, error) {
	if c.State.Terminal() {
		return nil, errors.Wrapf(ErrInvalidState, "cannot cancel from %s", c.State)
	}
	c.State = StateBeingCanceled

	var inFlight []*Fragment
	for _, f := range c.Fragments() {
		if f.State.InFlight() {
			inFlight = append(inFlight, f)
		}
		if f.State != FragmentComputed && f.State != FragmentCrashed {
			f.State = FragmentCanceled
		}
	}
	return inFlight, nil
}

// FragmentsJSON encodes every fragment with its result as a JSON array, the
// input the join transform receives alongside the calculation.
func (c *Calculation) FragmentsJSON() (json.RawMessage, error) {
	envs := make([]Envelope, 0, len(c.order))
	for _, f := range c.Fragments() {
		envs = append(envs, f.envelope(true))
	}
	data, err := json.Marshal(envs)
	if err != nil {
		return nil, errors.Wrap(err, "marshal fragments")
	}
	return data, nil
}

// Snapshot returns a copy of the externally visible state.
func (c *Calculation) Snapshot() Snapshot {
	s := Snapshot{
		ID:        c.ID.String(),
		Bin:       c.Bin,
		State:     c.State,
		Result:    c.Result,
		Reason:    c.Reason,
		Created:   c.Created,
		Fragments: make(map[string]int),
	}
	for _, f := range c.fragments {
		s.Fragments[f.State.String()]++
	}
	return s
}

// Snapshot is a read-only view of a calculation, safe to hand to other
// goroutines and to encode as JSON.
type Snapshot struct {
	Created   time.Time       `json:"created"`
	Fragments map[string]int  `json:"fragments"`
	ID        string          `json:"id"`
	Bin       string          `json:"bin"`
	Reason    string          `json:"reason,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	State     State           `json:"state"`
}
