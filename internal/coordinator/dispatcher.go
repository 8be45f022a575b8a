package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/slices"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/plugin"
	"github.com/dreamware/gridcalc/internal/session"
	"github.com/dreamware/gridcalc/internal/storage"
)

var (
	// ErrNotFound is returned for an unknown calculation id.
	ErrNotFound = errors.New("calculation not found")

	// ErrNotFinished is returned when consuming a calculation that is still
	// running.
	ErrNotFinished = errors.New("calculation has not finished")

	// ErrDuplicate is returned when a calculation id is submitted twice.
	ErrDuplicate = errors.New("calculation already submitted")

	// ErrStopped is returned once the dispatcher loop has exited.
	ErrStopped = errors.New("dispatcher stopped")
)

// Options configures a Dispatcher. Zero values select the defaults noted on
// each field.
type Options struct {
	Logger zerolog.Logger

	// WorkTimeout fails fragments held by one session state for longer.
	// Zero disables the watchdog.
	WorkTimeout time.Duration
	// WatchInterval is the watchdog period (default 5s).
	WatchInterval time.Duration
	// StoreTimeout bounds each write to the outcome store (default 5s).
	StoreTimeout time.Duration
	// WriteTimeout bounds a frame write to a worker.
	WriteTimeout time.Duration

	// MaxAttempts crashes a calculation whose fragment failed after that
	// many dispatches. Zero means unlimited.
	MaxAttempts int
	// QueueSize is the capacity of the notice and request channels
	// (default 256).
	QueueSize int
	// MaxFrameSize bounds protocol frames (default wire.DefaultMaxFrameSize).
	MaxFrameSize int

	// TrustFragmentIDs keeps fragment ids produced by the split transform.
	TrustFragmentIDs bool
}

type request struct {
	fn   func()
	done chan struct{}
}

// Dispatcher matches pending fragments to idle worker sessions.
//
// All calculation, fragment and pool state is owned by the goroutine running
// Run. Sessions reach it through notices; API callers through requests that
// carry a closure executed inside the loop. Split and join transforms and
// outcome writes run on their own goroutines and post their results back the
// same way, so a slow plugin or store never stalls assignment.
//
// Architecture:
//
//	sessions ──notices──┐
//	                    ▼
//	API ─────requests──▶ Run loop ──StartFragment/Stop/Fail──▶ sessions
//	                    ▲    │
//	split/join ─results─┤    └──Put(outcome)──▶ storage.Store
//	store write ─stored─┘
type Dispatcher struct {
	runCtx   context.Context
	executor plugin.Executor
	store    storage.Store
	notices  chan session.Notice
	requests chan request
	done     chan struct{}
	pool     *Pool[*session.Session]
	calcs    map[uuid.UUID]*calculation.Calculation
	sessions map[uuid.UUID]*session.Session
	assigned map[*calculation.Fragment]*session.Session
	writes   map[uuid.UUID]chan struct{}
	log      zerolog.Logger
	opts     Options
	stats    Stats
	jobs     sync.WaitGroup
	stopOnce sync.Once
}

// NewDispatcher creates a dispatcher. Nothing happens until Run is called.
//
// Parameters:
//   - executor: runs the split and join transforms
//   - store: receives the outcome of every finished calculation
//   - opts: tuning; see Options
//
// Example:
//
//	d := NewDispatcher(plugin.NewProcessExecutor(m, logger), storage.NewMemoryStore(), Options{Logger: logger})
//	go d.Run(ctx)
//	go d.Serve(ctx, listener)
func NewDispatcher(executor plugin.Executor, store storage.Store, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.WatchInterval <= 0 {
		opts.WatchInterval = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	return &Dispatcher{
		executor: executor,
		store:    store,
		opts:     opts,
		log:      opts.Logger,
		notices:  make(chan session.Notice, opts.QueueSize),
		requests: make(chan request, opts.QueueSize),
		done:     make(chan struct{}),
		pool:     NewPool[*session.Session](),
		calcs:    make(map[uuid.UUID]*calculation.Calculation),
		sessions: make(map[uuid.UUID]*session.Session),
		assigned: make(map[*calculation.Fragment]*session.Session),
		writes:   make(map[uuid.UUID]chan struct{}),
	}
}

// Run is the dispatcher loop. It returns when ctx is canceled, after every
// split, join and store goroutine it started has returned.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.runCtx = ctx

	var watchdog *Watchdog
	if d.opts.WorkTimeout > 0 {
		watchdog = NewWatchdog(d.opts.WatchInterval, d.opts.WorkTimeout, d.sweep, d.log)
		go watchdog.Start(ctx)
	}
	defer func() {
		d.stopOnce.Do(func() { close(d.done) })
		if watchdog != nil {
			watchdog.Stop()
		}
		d.jobs.Wait()
		d.log.Info().Msg("dispatcher stopped")
	}()

	d.log.Info().Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-d.notices:
			d.handleNotice(n)
		case req := <-d.requests:
			req.fn()
			if req.done != nil {
				close(req.done)
			}
		}
		if d.pool.Len() > 0 && d.pool.Idle() > 0 {
			d.assignmentPass()
		}
	}
}

// Done is closed when Run has exited.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// call runs fn inside the loop and waits for it.
func (d *Dispatcher) call(ctx context.Context, fn func()) error {
	req := request{fn: fn, done: make(chan struct{})}
	select {
	case d.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrStopped
	}
	select {
	case <-req.done:
		return nil
	case <-d.done:
		return ErrStopped
	}
}

// post queues fn for the loop without waiting.
func (d *Dispatcher) post(fn func()) {
	select {
	case d.requests <- request{fn: fn}:
	case <-d.done:
	}
}

// NewSession wraps an accepted worker connection in a session that reports
// to this dispatcher. The caller runs its Serve method.
func (d *Dispatcher) NewSession(conn net.Conn) *session.Session {
	return session.New(conn, d.notices, session.Options{
		Done:         d.done,
		Logger:       d.log,
		MaxFrameSize: d.opts.MaxFrameSize,
		WriteTimeout: d.opts.WriteTimeout,
	})
}

// Serve accepts worker connections on ln until ctx is canceled, running one
// session per connection. It closes ln and waits for the sessions before
// returning.
func (d *Dispatcher) Serve(ctx context.Context, ln net.Listener) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		ln.Close()
	}()

	var wg sync.WaitGroup
	defer wg.Wait()

	d.log.Info().Str("addr", ln.Addr().String()).Msg("accepting workers")
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return errors.Wrap(err, "accept worker connection")
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
		}

		s := d.NewSession(conn)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Serve(ctx)
		}()
	}
}

// Submit registers a calculation and starts its split transform. The
// calculation must be fresh (StateBeingSplit) and is owned by the
// dispatcher from then on.
func (d *Dispatcher) Submit(ctx context.Context, calc *calculation.Calculation) error {
	if calc == nil {
		return errors.New("nil calculation")
	}
	var err error
	if callErr := d.call(ctx, func() { err = d.submit(calc) }); callErr != nil {
		return callErr
	}
	return err
}

func (d *Dispatcher) submit(calc *calculation.Calculation) error {
	if _, exists := d.calcs[calc.ID]; exists {
		return errors.Wrapf(ErrDuplicate, "%s", calc.ID)
	}
	if calc.State != calculation.StateBeingSplit {
		return errors.Wrapf(calculation.ErrInvalidState, "submit in state %s", calc.State)
	}
	d.calcs[calc.ID] = calc
	d.stats.add(&d.stats.Submitted)
	d.calcLog(calc).Info().Msg("calculation submitted")

	env := calc.Envelope()
	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		specs, err := d.executor.Split(d.runCtx, env)
		d.post(func() { d.onSplit(calc, specs, err) })
	}()
	return nil
}

func (d *Dispatcher) onSplit(calc *calculation.Calculation, specs []calculation.FragmentSpec, err error) {
	if calc.State != calculation.StateBeingSplit {
		return
	}
	if err != nil {
		d.crash(calc, "split failed: "+err.Error())
		return
	}
	for _, spec := range specs {
		if _, err := calc.AddFragment(spec, d.opts.TrustFragmentIDs); err != nil {
			d.crash(calc, "split output rejected: "+err.Error())
			return
		}
	}
	if err := calc.MarkReady(); err != nil {
		d.crash(calc, "split produced no fragments")
		return
	}
	for _, f := range calc.Fragments() {
		d.pool.Push(f)
	}
	d.calcLog(calc).Info().Int("fragments", len(specs)).Msg("calculation split")
}

// assignmentPass hands queued fragments to idle sessions. Capabilities take
// turns; within a capability fragments go out in queue order to the
// longest-idle session that has not reported the capability missing.
func (d *Dispatcher) assignmentPass() {
	for _, bin := range d.pool.Capabilities() {
		for d.pool.Queued(bin) > 0 {
			s, ok := d.pool.TakeIdle(bin)
			if !ok {
				break
			}
			f := d.pool.Pop(bin)
			accepted, err := s.StartFragment(f)
			if !accepted {
				d.pool.PushFront(f)
				if errors.Is(err, session.ErrMissingPlugin) {
					d.pool.AddIdle(s)
				}
				d.log.Debug().Err(err).Str("session", s.ID.String()).Msg("session refused fragment")
				continue
			}

			f.State = calculation.FragmentAssigned
			f.Attempts++
			d.assigned[f] = s
			d.stats.add(&d.stats.Assigned)
			ev := d.fragLog(f).Debug()
			if err != nil {
				ev = d.fragLog(f).Warn().Err(err)
			}
			ev.Str("session", s.ID.String()).Int("attempt", f.Attempts).Msg("fragment assigned")
		}
	}
}

func (d *Dispatcher) handleNotice(n session.Notice) {
	s := n.Session
	switch n.Kind {
	case session.NoticeConnected:
		d.sessions[s.ID] = s
	case session.NoticeIdle:
		d.sessions[s.ID] = s
		d.pool.AddIdle(s)
	case session.NoticeStarted:
		if f := n.Fragment; f != nil && d.assigned[f] == s && f.State == calculation.FragmentAssigned {
			f.State = calculation.FragmentRunning
		}
	case session.NoticeDone:
		d.onFragmentDone(s, n.Fragment, n.Payload)
	case session.NoticeUnable:
		d.onFragmentUnable(s, n.Fragment)
	case session.NoticeAborted:
		d.onFragmentAborted(s, n.Fragment, n.Reason)
	case session.NoticeLost:
		d.onSessionLost(s, n.Fragment)
	}
}

// release detaches f from s if s is its current owner.
func (d *Dispatcher) release(s *session.Session, f *calculation.Fragment) bool {
	if f == nil || d.assigned[f] != s {
		return false
	}
	delete(d.assigned, f)
	return true
}

func (d *Dispatcher) onFragmentDone(s *session.Session, f *calculation.Fragment, payload json.RawMessage) {
	d.pool.AddIdle(s)
	if !d.release(s, f) {
		d.log.Debug().Str("session", s.ID.String()).Msg("result for a fragment the session no longer owns ignored")
		return
	}
	calc := f.Calculation()
	if calc.State != calculation.StateReady {
		return
	}

	result, err := f.ParseResult(payload)
	if err != nil {
		f.State = calculation.FragmentCrashed
		d.crash(calc, fmt.Sprintf("fragment %s returned a malformed result: %v", f.ID, err))
		return
	}
	d.stats.add(&d.stats.Completed)
	last, err := calc.FragmentComputed(f, result)
	if err != nil {
		d.fragLog(f).Error().Err(err).Msg("fragment result not recorded")
		return
	}
	if last {
		d.join(calc)
	}
}

func (d *Dispatcher) onFragmentUnable(s *session.Session, f *calculation.Fragment) {
	d.pool.AddIdle(s)
	d.stats.add(&d.stats.Unable)
	if !d.release(s, f) {
		return
	}
	d.fragLog(f).Info().Str("session", s.ID.String()).Msg("worker lacks plugin, requeueing")
	d.requeue(f, false)
}

func (d *Dispatcher) onFragmentAborted(s *session.Session, f *calculation.Fragment, reason string) {
	d.pool.AddIdle(s)
	if !d.release(s, f) {
		return
	}
	d.fragLog(f).Warn().Str("session", s.ID.String()).Str("reason", reason).Msg("fragment aborted, requeueing")
	d.requeue(f, true)
}

func (d *Dispatcher) onSessionLost(s *session.Session, f *calculation.Fragment) {
	d.pool.RemoveIdle(s)
	delete(d.sessions, s.ID)
	if d.release(s, f) {
		d.fragLog(f).Warn().Str("session", s.ID.String()).Msg("session lost, requeueing fragment")
		d.requeue(f, true)
	}
	for held, owner := range d.assigned {
		if owner == s {
			delete(d.assigned, held)
			d.requeue(held, true)
		}
	}
}

// requeue returns an in-flight fragment to the head of its queue. Fragments
// of calculations that are no longer running are dropped.
func (d *Dispatcher) requeue(f *calculation.Fragment, failed bool) {
	calc := f.Calculation()
	if calc.State != calculation.StateReady || !f.State.InFlight() {
		return
	}
	if failed && d.opts.MaxAttempts > 0 && f.Attempts >= d.opts.MaxAttempts {
		f.State = calculation.FragmentCrashed
		d.crash(calc, fmt.Sprintf("fragment %s failed %d times", f.ID, f.Attempts))
		return
	}
	f.State = calculation.FragmentPending
	d.pool.PushFront(f)
	d.stats.add(&d.stats.Requeued)
}

func (d *Dispatcher) join(calc *calculation.Calculation) {
	fragments, err := calc.FragmentsJSON()
	if err != nil {
		d.crash(calc, "encode fragments: "+err.Error())
		return
	}
	env := calc.Envelope()
	d.calcLog(calc).Info().Msg("all fragments computed, joining")

	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		result, err := d.executor.Join(d.runCtx, env, fragments)
		d.post(func() { d.onJoin(calc, result, err) })
	}()
}

func (d *Dispatcher) onJoin(calc *calculation.Calculation, result json.RawMessage, err error) {
	if calc.State != calculation.StateReady {
		return
	}
	if err != nil {
		d.crash(calc, "join failed: "+err.Error())
		return
	}
	if err := calc.Complete(result); err != nil {
		d.crash(calc, err.Error())
		return
	}
	d.stats.add(&d.stats.Computed)
	d.finish(calc)
}

// withdraw stops every in-flight fragment of calc on its session and drops
// its queued fragments.
func (d *Dispatcher) withdraw(calc *calculation.Calculation, inFlight []*calculation.Fragment) {
	for _, f := range inFlight {
		s, ok := d.assigned[f]
		if !ok {
			continue
		}
		delete(d.assigned, f)
		if s.Stop(f) {
			d.pool.AddIdle(s)
		}
	}
	d.pool.Drop(calc)
}

func (d *Dispatcher) crash(calc *calculation.Calculation, reason string) {
	if calc.State.Terminal() {
		return
	}
	var inFlight []*calculation.Fragment
	for _, f := range calc.Fragments() {
		if f.State.InFlight() {
			inFlight = append(inFlight, f)
		}
	}
	d.withdraw(calc, inFlight)
	calc.Crash(reason)
	d.stats.add(&d.stats.Crashed)
	d.finish(calc)
}

// Cancel stops a running calculation: fragments with a worker are aborted,
// queued ones dropped. The calculation settles as being_canceled.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) error {
	var err error
	if callErr := d.call(ctx, func() { err = d.cancel(id) }); callErr != nil {
		return callErr
	}
	return err
}

func (d *Dispatcher) cancel(id uuid.UUID) error {
	calc, ok := d.calcs[id]
	if !ok {
		return errors.Wrapf(ErrNotFound, "%s", id)
	}
	inFlight, err := calc.Cancel()
	if err != nil {
		return err
	}
	d.withdraw(calc, inFlight)
	d.stats.add(&d.stats.Canceled)
	d.calcLog(calc).Info().Int("aborted", len(inFlight)).Msg("calculation canceled")
	d.finish(calc)
	return nil
}

// finish records the outcome of a terminal calculation. The write runs off
// the loop; the calculation stays in memory, and readable, until onStored
// sees it land.
func (d *Dispatcher) finish(calc *calculation.Calculation) {
	ev := d.calcLog(calc).Info()
	if calc.State == calculation.StateCrashed {
		ev = d.calcLog(calc).Warn().Str("reason", calc.Reason)
	}
	ev.Stringer("state", calc.State).Msg("calculation finished")

	o := outcomeOf(calc)
	d.writes[calc.ID] = make(chan struct{})
	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.opts.StoreTimeout)
		err := d.store.Put(ctx, o)
		cancel()
		d.post(func() { d.onStored(calc, err) })
	}()
}

// onStored forgets calc once its outcome is in the store. When the write
// failed the calculation stays in memory so the caller can still consume it.
func (d *Dispatcher) onStored(calc *calculation.Calculation, err error) {
	if written, ok := d.writes[calc.ID]; ok {
		delete(d.writes, calc.ID)
		close(written)
	}
	if err != nil {
		d.calcLog(calc).Error().Err(err).Msg("outcome not stored, keeping it in memory")
		return
	}
	if d.calcs[calc.ID] == calc {
		delete(d.calcs, calc.ID)
	}
}

func outcomeOf(calc *calculation.Calculation) storage.Outcome {
	return storage.Outcome{
		ID:       calc.ID.String(),
		Bin:      calc.Bin,
		State:    calc.State.String(),
		Reason:   calc.Reason,
		Result:   calc.Result,
		Finished: time.Now(),
	}
}

func snapshotOf(o storage.Outcome) calculation.Snapshot {
	snap := calculation.Snapshot{
		ID:     o.ID,
		Bin:    o.Bin,
		Reason: o.Reason,
		Result: o.Result,
	}
	_ = snap.State.UnmarshalText([]byte(o.State))
	return snap
}

// Get returns the status of a calculation, running or finished.
func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (calculation.Snapshot, error) {
	var (
		snap  calculation.Snapshot
		found bool
	)
	err := d.call(ctx, func() {
		if calc, ok := d.calcs[id]; ok {
			snap, found = calc.Snapshot(), true
		}
	})
	if err != nil || found {
		return snap, err
	}

	o, err := d.store.Get(ctx, id.String())
	if errors.Is(err, storage.ErrKeyNotFound) {
		return calculation.Snapshot{}, errors.Wrapf(ErrNotFound, "%s", id)
	}
	if err != nil {
		return calculation.Snapshot{}, err
	}
	return snapshotOf(o), nil
}

// List returns the running calculations, oldest first, followed by the
// finished ones waiting to be consumed.
func (d *Dispatcher) List(ctx context.Context) ([]calculation.Snapshot, error) {
	var live []calculation.Snapshot
	err := d.call(ctx, func() {
		for _, calc := range d.calcs {
			live = append(live, calc.Snapshot())
		}
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(live, func(a, b calculation.Snapshot) int {
		return a.Created.Compare(b.Created)
	})

	ids, err := d.store.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		// written but not yet forgotten by the loop
		if slices.ContainsFunc(live, func(s calculation.Snapshot) bool { return s.ID == id }) {
			continue
		}
		o, err := d.store.Get(ctx, id)
		if errors.Is(err, storage.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		live = append(live, snapshotOf(o))
	}
	return live, nil
}

// Consume returns the outcome of a finished calculation and removes it. A
// consume racing the outcome write waits for the write to settle.
func (d *Dispatcher) Consume(ctx context.Context, id uuid.UUID) (storage.Outcome, error) {
	for {
		var (
			out     storage.Outcome
			found   bool
			running bool
			written chan struct{}
		)
		err := d.call(ctx, func() {
			calc, ok := d.calcs[id]
			if !ok {
				return
			}
			found = true
			if !calc.State.Terminal() {
				running = true
				return
			}
			if w, pending := d.writes[id]; pending {
				written = w
				return
			}
			out = outcomeOf(calc)
			delete(d.calcs, id)
		})
		switch {
		case err != nil:
			return storage.Outcome{}, err
		case running:
			return storage.Outcome{}, errors.Wrapf(ErrNotFinished, "%s", id)
		case written != nil:
			select {
			case <-written:
				continue
			case <-ctx.Done():
				return storage.Outcome{}, ctx.Err()
			case <-d.done:
				return storage.Outcome{}, ErrStopped
			}
		case found:
			// A write that timed out may still have landed.
			if err := d.store.Delete(ctx, id.String()); err != nil {
				d.log.Warn().Err(err).Str("calculation", id.String()).Msg("stale outcome not removed")
			}
			return out, nil
		}

		o, err := d.store.Take(ctx, id.String())
		if errors.Is(err, storage.ErrKeyNotFound) {
			return storage.Outcome{}, errors.Wrapf(ErrNotFound, "%s", id)
		}
		return o, err
	}
}

// Sessions returns a snapshot of every connected worker session.
func (d *Dispatcher) Sessions(ctx context.Context) ([]session.Info, error) {
	var infos []session.Info
	err := d.call(ctx, func() {
		for _, s := range d.sessions {
			infos = append(infos, s.Info())
		}
	})
	slices.SortFunc(infos, func(a, b session.Info) int {
		return strings.Compare(a.ID, b.ID)
	})
	return infos, err
}

// Report is the state report of the coordinator.
type Report struct {
	Calculations map[string]int     `json:"calculations"`
	Sessions     map[string]int     `json:"sessions"`
	Queued       map[string]int     `json:"queued"`
	Outcomes     storage.StoreStats `json:"outcomes"`
	Stats        StatsSnapshot      `json:"stats"`
	Idle         int                `json:"idle"`
	InFlight     int                `json:"in_flight"`
}

// Report gathers counts of calculations, sessions and queued work.
func (d *Dispatcher) Report(ctx context.Context) (Report, error) {
	r := Report{
		Calculations: make(map[string]int),
		Sessions:     make(map[string]int),
	}
	err := d.call(ctx, func() {
		for _, calc := range d.calcs {
			r.Calculations[calc.State.String()]++
		}
		for _, s := range d.sessions {
			r.Sessions[s.State().String()]++
		}
		r.Queued = d.pool.QueuedByCapability()
		r.Idle = d.pool.Idle()
		r.InFlight = len(d.assigned)
	})
	if err != nil {
		return Report{}, err
	}
	r.Stats = d.stats.Snapshot()
	r.Outcomes, err = d.store.Stats(ctx)
	return r, err
}

// Stats returns the dispatcher counters.
func (d *Dispatcher) Stats() StatsSnapshot {
	return d.stats.Snapshot()
}

// sweep is the watchdog callback: it fails every fragment whose session has
// been in a working state since before cutoff.
func (d *Dispatcher) sweep(ctx context.Context, cutoff time.Time) (int, error) {
	var failed int
	if err := d.call(ctx, func() { failed = d.failStuck(cutoff) }); err != nil {
		return 0, err
	}
	return failed, nil
}

func (d *Dispatcher) failStuck(cutoff time.Time) int {
	failed := 0
	for f, s := range d.assigned {
		state, since := s.Since()
		if !state.Busy() || since.After(cutoff) {
			continue
		}
		got, ok := s.Fail("work timeout")
		if !ok || got != f {
			continue
		}
		delete(d.assigned, f)
		d.pool.AddIdle(s)
		d.requeue(f, true)
		failed++
	}
	return failed
}

func (d *Dispatcher) calcLog(calc *calculation.Calculation) *zerolog.Logger {
	l := d.log.With().Str("calculation", calc.ID.String()).Str("bin", calc.Bin).Logger()
	return &l
}

func (d *Dispatcher) fragLog(f *calculation.Fragment) *zerolog.Logger {
	l := d.log.With().
		Str("calculation", f.Calculation().ID.String()).
		Str("fragment", f.ID.String()).
		Str("bin", f.Bin()).
		Logger()
	return &l
}
