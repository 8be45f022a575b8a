package session

import "fmt"

// State is the protocol state of a worker connection.
type State int

const (
	StateDisconnected State = iota
	StateWaiting
	StateReady
	StateWorkingAboutToStart
	StateWorking
)

var stateNames = [...]string{
	StateDisconnected:        "disconnected",
	StateWaiting:             "waiting",
	StateReady:               "ready",
	StateWorkingAboutToStart: "working_about_to_start",
	StateWorking:             "working",
}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for st, name := range stateNames {
		if name == string(text) {
			*s = State(st)
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Busy reports whether a fragment is attached in this state.
func (s State) Busy() bool {
	return s == StateWorkingAboutToStart || s == StateWorking
}

// Event is anything that can move a session: a protocol message from the
// worker, an instruction from the dispatcher, or a transport condition.
type Event int

const (
	EventConnect Event = iota
	EventHello
	EventKeepalive
	EventDo
	EventWorking
	EventUnable
	EventDone
	EventAbort
	EventStop
	EventFail
	EventDisconnect
)

var eventNames = [...]string{
	EventConnect:    "connect",
	EventHello:      "hello",
	EventKeepalive:  "keepalive",
	EventDo:         "do",
	EventWorking:    "working",
	EventUnable:     "unable",
	EventDone:       "done",
	EventAbort:      "abort",
	EventStop:       "stop",
	EventFail:       "fail",
	EventDisconnect: "disconnect",
}

func (e Event) String() string {
	if int(e) >= 0 && int(e) < len(eventNames) {
		return eventNames[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// Outcome tells which table resolved an event.
type Outcome int

const (
	// OutcomeIllegal: the event is not accepted in the current state.
	OutcomeIllegal Outcome = iota
	// OutcomeStay: accepted without a state change.
	OutcomeStay
	// OutcomeSuccess: resolved through doneTransitions.
	OutcomeSuccess
	// OutcomeError: resolved through errorTransitions.
	OutcomeError
	// OutcomeForced: disconnection, which ignores both tables.
	OutcomeForced
)

// Effect is a side effect the session performs after a transition.
type Effect int

const (
	// EffectSendReady acknowledges the handshake with a READY frame.
	EffectSendReady Effect = iota
	// EffectSendWork sends the fragment as a WORKING instruction.
	EffectSendWork
	// EffectSendAbort tells the worker to drop its fragment.
	EffectSendAbort
	// EffectMarkMissing records the fragment's capability as missing.
	EffectMarkMissing
	// EffectReportIdle tells the dispatcher the session can take work.
	EffectReportIdle
	// EffectReportStarted tells the dispatcher the worker acknowledged.
	EffectReportStarted
	// EffectReportDone hands the result payload to the dispatcher.
	EffectReportDone
	// EffectReportUnable returns the fragment as a capability gap.
	EffectReportUnable
	// EffectReportAborted returns the fragment for requeueing.
	EffectReportAborted
	// EffectReportLost signals that the session is gone.
	EffectReportLost
	// EffectReportConnected registers the session with the dispatcher.
	EffectReportConnected
)

// doneTransitions is the success path: where a state goes when the step it
// waits for completes.
var doneTransitions = map[State]State{
	StateDisconnected:        StateWaiting,
	StateWaiting:             StateReady,
	StateReady:               StateWorkingAboutToStart,
	StateWorkingAboutToStart: StateWorking,
	StateWorking:             StateReady,
}

// errorTransitions is the failure path. States missing here have no
// recovery transition.
var errorTransitions = map[State]State{
	StateWorkingAboutToStart: StateReady,
	StateWorking:             StateReady,
}

type rule struct {
	effects []Effect
	outcome Outcome
}

// rules lists, per state, the events it accepts and the path they take.
var rules = map[State]map[Event]rule{
	StateDisconnected: {
		EventConnect: {outcome: OutcomeSuccess, effects: []Effect{EffectReportConnected}},
	},
	StateWaiting: {
		EventHello: {outcome: OutcomeSuccess, effects: []Effect{EffectSendReady, EffectReportIdle}},
	},
	StateReady: {
		EventDo:        {outcome: OutcomeSuccess, effects: []Effect{EffectSendWork}},
		EventKeepalive: {outcome: OutcomeStay},
	},
	StateWorkingAboutToStart: {
		EventWorking: {outcome: OutcomeSuccess, effects: []Effect{EffectReportStarted}},
		EventUnable:  {outcome: OutcomeError, effects: []Effect{EffectMarkMissing, EffectReportUnable}},
		EventAbort:   {outcome: OutcomeError, effects: []Effect{EffectReportAborted}},
		EventFail:    {outcome: OutcomeError, effects: []Effect{EffectSendAbort, EffectReportAborted}},
		EventStop:    {outcome: OutcomeError, effects: []Effect{EffectSendAbort, EffectReportIdle}},
	},
	StateWorking: {
		EventDone:  {outcome: OutcomeSuccess, effects: []Effect{EffectReportDone}},
		EventAbort: {outcome: OutcomeError, effects: []Effect{EffectReportAborted}},
		EventFail:  {outcome: OutcomeError, effects: []Effect{EffectSendAbort, EffectReportAborted}},
		EventStop:  {outcome: OutcomeError, effects: []Effect{EffectSendAbort, EffectReportIdle}},
	},
}

// Transition is the result of Step.
type Transition struct {
	Effects []Effect
	From    State
	Next    State
	Event   Event
	Outcome Outcome
}

// Changed reports whether the transition leaves the current state.
func (t Transition) Changed() bool {
	return t.From != t.Next
}

// Step is the pure transition function of the protocol. It never mutates
// anything; illegal events come back with OutcomeIllegal and Next == From.
func Step(from State, ev Event) Transition {
	tr := Transition{From: from, Next: from, Event: ev}

	if ev == EventDisconnect {
		if from != StateDisconnected {
			tr.Next = StateDisconnected
			tr.Outcome = OutcomeForced
			tr.Effects = []Effect{EffectReportLost}
		}
		return tr
	}

	r, ok := rules[from][ev]
	if !ok {
		return tr
	}

	var table map[State]State
	switch r.outcome {
	case OutcomeSuccess:
		table = doneTransitions
	case OutcomeError:
		table = errorTransitions
	}
	if table != nil {
		next, ok := table[from]
		if !ok {
			return tr
		}
		tr.Next = next
	}
	tr.Outcome = r.outcome
	tr.Effects = r.effects
	return tr
}

// Machine holds a current state and runs the exit/entry hooks around every
// state change, in OnExit(old), OnEntry(new) order and exactly once each.
type Machine struct {
	OnEntry func(State)
	OnExit  func(State)
	state   State
}

// NewMachine returns a machine in StateDisconnected.
func NewMachine() *Machine {
	return &Machine{state: StateDisconnected}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// Fire applies an event and returns the transition taken.
func (m *Machine) Fire(ev Event) Transition {
	tr := Step(m.state, ev)
	if tr.Outcome == OutcomeIllegal || !tr.Changed() {
		return tr
	}
	if m.OnExit != nil {
		m.OnExit(tr.From)
	}
	m.state = tr.Next
	if m.OnEntry != nil {
		m.OnEntry(tr.Next)
	}
	return tr
}
