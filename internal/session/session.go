package session

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/wire"
)

var (
	// ErrBusy is returned when a fragment is offered to a session that
	// already holds one.
	ErrBusy = errors.New("session already holds a fragment")

	// ErrMissingPlugin is returned when a fragment needs a capability the
	// worker reported as missing.
	ErrMissingPlugin = errors.New("worker lacks the required plugin")

	// ErrNotReady is returned when a fragment is offered outside StateReady.
	ErrNotReady = errors.New("session is not ready")
)

// Hello is the optional payload of a worker's HELLO frame.
type Hello struct {
	Worker  string   `json:"worker,omitempty"`
	Plugins []string `json:"plugins,omitempty"`
}

// Options configures a Session.
type Options struct {
	// Done unblocks notice delivery once the receiver has stopped.
	Done         <-chan struct{}
	Logger       zerolog.Logger
	MaxFrameSize int
	WriteTimeout time.Duration
}

// Session is the coordinator-side representative of one worker connection.
//
// A session is driven from two directions: its own read loop (Serve) feeds
// protocol messages into the state machine, and the dispatcher offers or
// withdraws fragments. Both go through mu. Notices produced by the read loop
// are sent to the dispatcher only after mu is released.
type Session struct {
	since    time.Time
	conn     net.Conn
	notices  chan<- Notice
	fragment *calculation.Fragment
	// released holds the fragment detached on entry to an idle state until the
	// effects of that transition have been run.
	released  *calculation.Fragment
	missing   map[string]struct{}
	machine   *Machine
	hello     Hello
	log       zerolog.Logger
	opts      Options
	closeOnce sync.Once
	closed    atomic.Bool
	mu        sync.Mutex
	wmu       sync.Mutex
	ID        uuid.UUID
}

// New wraps an accepted connection. The session starts in StateDisconnected;
// Serve moves it to StateWaiting.
func New(conn net.Conn, notices chan<- Notice, opts Options) *Session {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	s := &Session{
		ID:      uuid.New(),
		conn:    conn,
		notices: notices,
		missing: make(map[string]struct{}),
		machine: NewMachine(),
		opts:    opts,
		since:   time.Now(),
	}
	s.log = opts.Logger.With().Str("session", s.ID.String()).Str("remote", remoteAddr(conn)).Logger()
	s.machine.OnExit = s.onExit
	s.machine.OnEntry = s.onEntry
	return s
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}

func (s *Session) onExit(st State) {
	s.log.Debug().Stringer("state", st).Msg("leaving state")
}

func (s *Session) onEntry(st State) {
	s.since = time.Now()
	if !st.Busy() && s.fragment != nil {
		// Unwire before anyone else can see the fragment again.
		s.released = s.fragment
		s.fragment = nil
	}
}

// Serve runs the read loop until the connection fails, the worker hangs up
// or ctx is done. It always ends with the session in StateDisconnected and a
// NoticeLost delivered.
func (s *Session) Serve(ctx context.Context) error {
	s.deliver(s.fire(EventConnect, nil, ""))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-stop:
		}
	}()

	reader := wire.NewReader(s.conn, s.opts.MaxFrameSize)
	var err error
	for {
		var f wire.Frame
		f, err = reader.Next()
		if err != nil {
			break
		}
		s.handleFrame(f)
	}

	s.Close()
	s.deliver(s.fire(EventDisconnect, nil, ""))

	if err == io.EOF || ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
		s.log.Info().Msg("worker disconnected")
		return nil
	}
	s.log.Warn().Err(err).Msg("worker connection failed")
	return errors.Wrap(err, "read frame")
}

func (s *Session) handleFrame(f wire.Frame) {
	var ev Event
	reason := ""
	switch f.Command {
	case wire.CmdHello:
		ev = EventHello
	case wire.CmdReady:
		ev = EventKeepalive
	case wire.CmdWorking:
		ev = EventWorking
	case wire.CmdUnable:
		ev = EventUnable
		reason = string(f.Payload)
	case wire.CmdDone:
		ev = EventDone
	case wire.CmdAbort:
		ev = EventAbort
		reason = string(f.Payload)
	default:
		s.log.Warn().Stringer("command", f.Command).Msg("unknown command ignored")
		return
	}
	s.log.Debug().Stringer("command", f.Command).Int("bytes", len(f.Payload)).Msg("frame received")
	s.deliver(s.fire(ev, f.Payload, reason))
}

// fire runs one event through the machine under mu and returns the notices
// it produced.
func (s *Session) fire(ev Event, payload []byte, reason string) []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireLocked(ev, payload, reason)
}

func (s *Session) fireLocked(ev Event, payload []byte, reason string) []Notice {
	if ev == EventHello && len(payload) > 0 {
		var h Hello
		if err := json.Unmarshal(payload, &h); err != nil {
			s.log.Warn().Err(err).Msg("malformed HELLO payload ignored")
		} else {
			s.hello = h
		}
	}
	if ev == EventDone && s.fragment != nil && isStale(payload, s.fragment) {
		s.log.Warn().Str("fragment", s.fragment.ID.String()).Msg("late DONE for a previous fragment ignored")
		return nil
	}

	current := s.fragment
	tr := s.machine.Fire(ev)
	if tr.Outcome == OutcomeIllegal {
		entry := s.log.Warn()
		if ev == EventKeepalive && tr.From.Busy() {
			// a keepalive crossing a WORKING instruction on the wire
			entry = s.log.Debug()
		}
		entry.Stringer("event", ev).Stringer("state", tr.From).Msg("illegal message for state ignored")
		return nil
	}
	if tr.Changed() {
		s.log.Info().Stringer("from", tr.From).Stringer("to", tr.Next).Stringer("event", ev).Msg("state changed")
	}

	frag := s.released
	s.released = nil
	if frag == nil {
		frag = current
	}

	var out []Notice
	for _, eff := range tr.Effects {
		switch eff {
		case EffectSendReady:
			_ = s.sendLocked(wire.CmdReady, nil)
		case EffectSendWork:
			if frag == nil {
				continue
			}
			body, err := frag.ToJSON()
			if err == nil {
				err = s.sendLocked(wire.CmdWorking, body)
			}
			if err != nil {
				s.log.Error().Err(err).Msg("dispatch instruction not delivered")
			}
		case EffectSendAbort:
			if frag != nil {
				_ = s.sendLocked(wire.CmdAbort, []byte(frag.ID.String()))
			}
		case EffectMarkMissing:
			if frag != nil {
				if reason != "" && reason != frag.Bin() {
					s.log.Warn().Str("reported", reason).Str("bin", frag.Bin()).Msg("UNABLE names another capability")
				}
				s.missing[frag.Bin()] = struct{}{}
			}
		case EffectReportConnected:
			out = append(out, Notice{Kind: NoticeConnected, Session: s})
		case EffectReportIdle:
			out = append(out, Notice{Kind: NoticeIdle, Session: s})
		case EffectReportStarted:
			out = append(out, Notice{Kind: NoticeStarted, Session: s, Fragment: frag})
		case EffectReportDone:
			out = append(out, Notice{Kind: NoticeDone, Session: s, Fragment: frag, Payload: payload})
		case EffectReportUnable:
			out = append(out, Notice{Kind: NoticeUnable, Session: s, Fragment: frag})
		case EffectReportAborted:
			out = append(out, Notice{Kind: NoticeAborted, Session: s, Fragment: frag, Reason: reason})
		case EffectReportLost:
			out = append(out, Notice{Kind: NoticeLost, Session: s, Fragment: frag})
		}
	}
	return out
}

// isStale reports whether a DONE payload names a fragment other than the
// one currently held.
func isStale(payload []byte, held *calculation.Fragment) bool {
	var probe struct {
		FragmentID string `json:"fragment_id"`
	}
	if json.Unmarshal(payload, &probe) != nil || probe.FragmentID == "" {
		return false
	}
	return probe.FragmentID != held.ID.String()
}

func (s *Session) deliver(notices []Notice) {
	for _, n := range notices {
		select {
		case s.notices <- n:
		case <-s.opts.Done:
			return
		}
	}
}

// sendLocked writes one frame. Oversized frames are refused locally and never
// reach the socket; write failures close the connection so the read loop
// reports the session lost.
func (s *Session) sendLocked(cmd wire.Command, payload []byte) error {
	buf, err := wire.Encode(cmd, payload, s.opts.MaxFrameSize)
	if err != nil {
		s.log.Error().Err(err).Msg("message content too long to be sent")
		return err
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.opts.WriteTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	}
	if _, err := s.conn.Write(buf); err != nil {
		s.Close()
		return errors.Wrapf(err, "send %s", cmd)
	}
	return nil
}

// StartFragment offers a fragment to the session. When accepted is false
// the session refused it (ErrBusy, ErrMissingPlugin, ErrNotReady) and the
// caller keeps ownership. When accepted is true the session owns the
// fragment, even if err reports that the instruction could not be sent; in
// that case the fragment comes back through NoticeLost.
func (s *Session) StartFragment(f *calculation.Fragment) (accepted bool, err error) {
	if f == nil {
		return false, errors.New("nil fragment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fragment != nil {
		return false, ErrBusy
	}
	if _, missing := s.missing[f.Bin()]; missing {
		return false, errors.Wrapf(ErrMissingPlugin, "%q", f.Bin())
	}
	if s.machine.State() != StateReady {
		return false, errors.Wrapf(ErrNotReady, "state %s", s.machine.State())
	}

	s.fragment = f
	s.fireLocked(EventDo, nil, "")
	if s.isClosed() {
		return true, errors.New("connection closed while sending fragment")
	}
	return true, nil
}

// Stop withdraws fragment f if, and only if, the session still holds that
// exact fragment. The worker is sent ABORT and the session returns to
// StateReady. It reports whether the fragment was withdrawn.
func (s *Session) Stop(f *calculation.Fragment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if f == nil || s.fragment != f {
		return false
	}
	tr := Step(s.machine.State(), EventStop)
	if tr.Outcome == OutcomeIllegal {
		return false
	}
	s.fireLocked(EventStop, nil, "canceled")
	return true
}

// Fail pushes the session through the error path, as if the worker had
// aborted, and sends ABORT to the worker. It is used for timeouts. The
// detached fragment is returned to the caller instead of being reported.
func (s *Session) Fail(reason string) (*calculation.Fragment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := s.fragment
	if f == nil || Step(s.machine.State(), EventFail).Outcome == OutcomeIllegal {
		return nil, false
	}
	s.log.Warn().Str("fragment", f.ID.String()).Str("reason", reason).Msg("fragment failed")
	s.fireLocked(EventFail, nil, reason)
	return f, true
}

// Close shuts the connection down; Serve then reports the session lost.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.conn != nil {
			_ = s.conn.Close()
		}
	})
}

func (s *Session) isClosed() bool {
	return s.closed.Load()
}

// State returns the current protocol state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State()
}

// Fragment returns the fragment currently held, or nil.
func (s *Session) Fragment() *calculation.Fragment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fragment
}

// Missing reports whether the worker reported bin as missing.
func (s *Session) Missing(bin string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.missing[bin]
	return ok
}

// Since returns the state and the time it was entered.
func (s *Session) Since() (State, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine.State(), s.since
}

// Info is a snapshot of a session for reporting.
type Info struct {
	Since          time.Time `json:"since"`
	ID             string    `json:"id"`
	Remote         string    `json:"remote"`
	Worker         string    `json:"worker,omitempty"`
	Fragment       string    `json:"fragment,omitempty"`
	Calculation    string    `json:"calculation,omitempty"`
	Bin            string    `json:"bin,omitempty"`
	Plugins        []string  `json:"plugins,omitempty"`
	MissingPlugins []string  `json:"missing_plugins,omitempty"`
	State          State     `json:"state"`
}

// Info returns a snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := Info{
		ID:      s.ID.String(),
		Remote:  remoteAddr(s.conn),
		Worker:  s.hello.Worker,
		Plugins: append([]string(nil), s.hello.Plugins...),
		State:   s.machine.State(),
		Since:   s.since,
	}
	if s.fragment != nil {
		info.Fragment = s.fragment.ID.String()
		info.Calculation = s.fragment.Calculation().ID.String()
		info.Bin = s.fragment.Bin()
	}
	for bin := range s.missing {
		info.MissingPlugins = append(info.MissingPlugins, bin)
	}
	return info
}
