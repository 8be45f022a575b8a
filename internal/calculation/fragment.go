package calculation

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// FragmentSpec is one element of the split transform's output.
type FragmentSpec struct {
	Params map[string]any `json:"params"`
	ID     string         `json:"fragment_id,omitempty"`
}

// ParseFragmentSpecs decodes the split output: a JSON array of envelopes.
// Each element must carry an object "params".
func ParseFragmentSpecs(data []byte) ([]FragmentSpec, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrParse, "split output is not a JSON array: %v", err)
	}
	specs := make([]FragmentSpec, 0, len(raw))
	for i, item := range raw {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(item, &fields); err != nil {
			return nil, errors.Wrapf(ErrParse, "fragment %d is not an object", i)
		}
		params, err := decodeObject(fields[KeyParams])
		if err != nil {
			return nil, errors.Wrapf(ErrParse, "fragment %d: %q must be an object", i, KeyParams)
		}
		spec := FragmentSpec{Params: params}
		if idRaw, ok := fields[KeyFragmentID]; ok {
			_ = json.Unmarshal(idRaw, &spec.ID)
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// Fragment is the part of a Calculation dispatched to a single worker.
type Fragment struct {
	Params   map[string]any
	parent   *Calculation
	Result   json.RawMessage
	State    FragmentState
	Attempts int
	ID       uuid.UUID
}

// Calculation returns the owning calculation.
func (f *Fragment) Calculation() *Calculation {
	return f.parent
}

// Bin is the capability a worker needs to compute the fragment; it is always
// the parent's.
func (f *Fragment) Bin() string {
	return f.parent.Bin
}

// ToJSON encodes the dispatch instruction sent to a worker.
func (f *Fragment) ToJSON() ([]byte, error) {
	env := f.envelope(false)
	return env.Marshal()
}

// ParseResult validates a DONE payload for this fragment and returns the
// value of its "result" key. The payload must be a valid envelope for the
// fragment's capability; a fragment_id, when present, must match.
func (f *Fragment) ParseResult(payload []byte) (json.RawMessage, error) {
	env, err := ParseEnvelope(payload)
	if err != nil {
		return nil, err
	}
	if env.Bin != f.Bin() {
		return nil, errors.Wrapf(ErrParse, "result for %q, fragment runs %q", env.Bin, f.Bin())
	}
	if env.FragmentID != "" && env.FragmentID != f.ID.String() {
		return nil, errors.Wrapf(ErrParse, "result for fragment %s, expected %s", env.FragmentID, f.ID)
	}
	if len(env.Result) == 0 {
		return nil, errors.Wrapf(ErrParse, "missing %q key", KeyResult)
	}
	return env.Result, nil
}

func (f *Fragment) envelope(withResult bool) Envelope {
	env := Envelope{Bin: f.Bin(), Params: f.Params, FragmentID: f.ID.String()}
	if withResult {
		env.Result = f.Result
	}
	return env
}
