package calculation

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
)

// JSON keys of the calculation envelope.
const (
	KeyBin        = "bin"
	KeyParams     = "params"
	KeyFragmentID = "fragment_id"
	KeyResult     = "result"
)

// ErrParse is the cause of every envelope validation failure.
var ErrParse = errors.New("malformed calculation envelope")

// Envelope is the JSON shape exchanged for split, join and result payloads:
//
//	{"bin": "sum", "params": {"a": 1}, "fragment_id": "<uuid>", "result": 3}
type Envelope struct {
	Params     map[string]any  `json:"params"`
	Bin        string          `json:"bin"`
	FragmentID string          `json:"fragment_id,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// ParseEnvelope decodes and validates an envelope. The "bin" key must hold a
// non-empty string and "params" must be a JSON object; anything else fails
// with an error whose cause is ErrParse. Numbers inside params are kept as
// json.Number so integers survive a round trip unchanged.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(ErrParse, "not a JSON object: %v", err)
	}

	binRaw, ok := raw[KeyBin]
	if !ok {
		return nil, errors.Wrapf(ErrParse, "missing %q key", KeyBin)
	}
	env := &Envelope{}
	if err := json.Unmarshal(binRaw, &env.Bin); err != nil || env.Bin == "" {
		return nil, errors.Wrapf(ErrParse, "%q must be a non-empty string", KeyBin)
	}

	paramsRaw, ok := raw[KeyParams]
	if !ok {
		return nil, errors.Wrapf(ErrParse, "missing %q key", KeyParams)
	}
	params, err := decodeObject(paramsRaw)
	if err != nil {
		return nil, errors.Wrapf(ErrParse, "%q must be an object", KeyParams)
	}
	env.Params = params

	if idRaw, ok := raw[KeyFragmentID]; ok {
		if err := json.Unmarshal(idRaw, &env.FragmentID); err != nil {
			return nil, errors.Wrapf(ErrParse, "%q must be a string", KeyFragmentID)
		}
	}
	if res, ok := raw[KeyResult]; ok {
		env.Result = res
	}
	return env, nil
}

// Marshal encodes the envelope. Params keys come out sorted, which keeps the
// encoding stable for identical inputs.
func (e *Envelope) Marshal() ([]byte, error) {
	out := *e
	if out.Params == nil {
		out.Params = map[string]any{}
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, errors.Wrap(err, "marshal envelope")
	}
	return data, nil
}

func decodeObject(data []byte) (map[string]any, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errors.New("not an object")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	return obj, nil
}
