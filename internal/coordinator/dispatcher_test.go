package coordinator

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/storage"
	"github.com/dreamware/gridcalc/internal/wire"
)

const waitFor = 3 * time.Second

type mockExecutor struct {
	mock.Mock
}

func (m *mockExecutor) Split(ctx context.Context, calc calculation.Envelope) ([]calculation.FragmentSpec, error) {
	ret := m.Called(calc.Bin, calc.Params)
	specs, _ := ret.Get(0).([]calculation.FragmentSpec)
	return specs, ret.Error(1)
}

func (m *mockExecutor) Join(ctx context.Context, calc calculation.Envelope, fragments json.RawMessage) (json.RawMessage, error) {
	ret := m.Called(calc.Bin, string(fragments))
	result, _ := ret.Get(0).(json.RawMessage)
	return result, ret.Error(1)
}

func specs(n int) []calculation.FragmentSpec {
	out := make([]calculation.FragmentSpec, n)
	for i := range out {
		out[i] = calculation.FragmentSpec{Params: map[string]any{"part": i}}
	}
	return out
}

// testEnv runs a dispatcher on a loopback listener.
type testEnv struct {
	d        *Dispatcher
	executor *mockExecutor
	store    storage.Store
	addr     string
	ctx      context.Context
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, opts, storage.NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, opts Options, store storage.Store) *testEnv {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	opts.Logger = zerolog.Nop()
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = waitFor
	}
	env := &testEnv{
		executor: &mockExecutor{},
		store:    store,
		addr:     ln.Addr().String(),
	}
	env.d = NewDispatcher(env.executor, env.store, opts)

	ctx, cancel := context.WithCancel(context.Background())
	env.ctx = ctx
	ran := make(chan struct{})
	served := make(chan struct{})
	go func() {
		_ = env.d.Run(ctx)
		close(ran)
	}()
	go func() {
		_ = env.d.Serve(ctx, ln)
		close(served)
	}()
	t.Cleanup(func() {
		cancel()
		<-ran
		<-served
	})
	return env
}

func (e *testEnv) submit(t *testing.T, bin string) uuid.UUID {
	t.Helper()
	calc := calculation.New(bin, map[string]any{"a": 1, "b": 2}, uuid.Nil)
	require.NoError(t, e.d.Submit(e.ctx, calc))
	return calc.ID
}

func (e *testEnv) waitState(t *testing.T, id uuid.UUID, want calculation.State) calculation.Snapshot {
	t.Helper()
	var snap calculation.Snapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = e.d.Get(e.ctx, id)
		return err == nil && snap.State == want
	}, waitFor, 5*time.Millisecond, "calculation never reached %s (last %s)", want, snap.State)
	return snap
}

func (e *testEnv) waitIdle(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		r, err := e.d.Report(e.ctx)
		return err == nil && r.Idle == n
	}, waitFor, 5*time.Millisecond)
}

// worker is the remote end of a session, driven by the test.
type worker struct {
	conn   net.Conn
	reader *wire.Reader
}

func (e *testEnv) connect(t *testing.T, name string) *worker {
	t.Helper()
	conn, err := net.Dial("tcp", e.addr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	w := &worker{conn: conn, reader: wire.NewReader(conn, wire.DefaultMaxFrameSize)}
	w.send(t, wire.CmdHello, `{"worker":"`+name+`","plugins":["sum"]}`)
	w.expect(t, wire.CmdReady)
	return w
}

func (w *worker) send(t *testing.T, cmd wire.Command, payload string) {
	t.Helper()
	require.NoError(t, wire.WriteFrame(w.conn, cmd, []byte(payload), wire.DefaultMaxFrameSize))
}

func (w *worker) expect(t *testing.T, cmd wire.Command) wire.Frame {
	t.Helper()
	require.NoError(t, w.conn.SetReadDeadline(time.Now().Add(waitFor)))
	f, err := w.reader.Next()
	require.NoError(t, err)
	require.Equal(t, cmd, f.Command, "payload %q", f.Payload)
	return f
}

// expectNothing checks no frame arrives for a short while. The reader is
// unusable afterwards, so it must be the last read on w.
func (w *worker) expectNothing(t *testing.T) {
	t.Helper()
	require.NoError(t, w.conn.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	f, err := w.reader.Next()
	require.Error(t, err, "unexpected %s frame", f.Command)
	var ne net.Error
	require.True(t, errors.As(err, &ne) && ne.Timeout(), "got %v", err)
}

// work reads a dispatch instruction and acknowledges it.
func (w *worker) work(t *testing.T) *calculation.Envelope {
	t.Helper()
	f := w.expect(t, wire.CmdWorking)
	env, err := calculation.ParseEnvelope(f.Payload)
	require.NoError(t, err)
	w.send(t, wire.CmdWorking, "")
	return env
}

func (w *worker) done(t *testing.T, env *calculation.Envelope, result string) {
	t.Helper()
	out := calculation.Envelope{Bin: env.Bin, Params: env.Params, FragmentID: env.FragmentID, Result: json.RawMessage(result)}
	payload, err := out.Marshal()
	require.NoError(t, err)
	w.send(t, wire.CmdDone, string(payload))
}

// TestSumScenario splits a calculation in two, computes each fragment on a
// different worker and joins the partial results.
func TestSumScenario(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(2), nil).Once()
	env.executor.On("Join", "sum", mock.MatchedBy(func(fragments string) bool {
		var envs []calculation.Envelope
		return json.Unmarshal([]byte(fragments), &envs) == nil && len(envs) == 2
	})).Return(json.RawMessage(`3`), nil).Once()

	a := env.connect(t, "a")
	b := env.connect(t, "b")
	env.waitIdle(t, 2)

	id := env.submit(t, "sum")

	fa := a.work(t)
	fb := b.work(t)
	assert.NotEqual(t, fa.FragmentID, fb.FragmentID, "one fragment per worker")

	a.done(t, fa, `1`)
	b.done(t, fb, `2`)

	snap := env.waitState(t, id, calculation.StateComputed)
	assert.JSONEq(t, `3`, string(snap.Result))

	out, err := env.d.Consume(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "computed", out.State)
	assert.JSONEq(t, `3`, string(out.Result))

	_, err = env.d.Get(env.ctx, id)
	assert.ErrorIs(t, err, ErrNotFound, "consumed outcomes are gone")

	stats := env.d.Stats()
	assert.Equal(t, uint64(2), stats.Assigned)
	assert.Equal(t, uint64(2), stats.Completed)
	assert.Equal(t, uint64(1), stats.Computed)
	env.executor.AssertExpectations(t)
}

// TestUnableScenario checks a fragment refused by one worker is completed by
// another and never offered to the first again.
func TestUnableScenario(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)
	env.executor.On("Join", "sum", mock.Anything).Return(json.RawMessage(`42`), nil)

	a := env.connect(t, "a")
	env.waitIdle(t, 1)
	id := env.submit(t, "sum")

	f := a.expect(t, wire.CmdWorking)
	first, err := calculation.ParseEnvelope(f.Payload)
	require.NoError(t, err)
	a.send(t, wire.CmdUnable, "sum")

	require.Eventually(t, func() bool {
		infos, err := env.d.Sessions(env.ctx)
		return err == nil && len(infos) == 1 && len(infos[0].MissingPlugins) == 1
	}, waitFor, 5*time.Millisecond)

	b := env.connect(t, "b")
	got := b.work(t)
	assert.Equal(t, first.FragmentID, got.FragmentID, "the same fragment is requeued")
	b.done(t, got, `42`)

	env.waitState(t, id, calculation.StateComputed)
	assert.Equal(t, uint64(1), env.d.Stats().Unable)
	a.expectNothing(t)
}

// TestMissingCapabilityDoesNotBlockOthers checks a worker that lacks one
// capability still receives fragments of another.
func TestMissingCapabilityDoesNotBlockOthers(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)
	env.executor.On("Split", "mul", mock.Anything).Return(specs(1), nil)
	env.executor.On("Join", "mul", mock.Anything).Return(json.RawMessage(`6`), nil)

	a := env.connect(t, "a")
	env.waitIdle(t, 1)

	env.submit(t, "sum")
	a.expect(t, wire.CmdWorking)
	a.send(t, wire.CmdUnable, "sum")
	env.waitIdle(t, 1)

	id := env.submit(t, "mul")
	got := a.work(t)
	assert.Equal(t, "mul", got.Bin)
	a.done(t, got, `6`)
	env.waitState(t, id, calculation.StateComputed)

	r, err := env.d.Report(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"sum": 1}, r.Queued, "sum waits for a capable worker")
}

// TestDisconnectRequeuesOnce drops a worker mid-fragment and checks the
// fragment reaches the next worker exactly once.
func TestDisconnectRequeuesOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)
	env.executor.On("Join", "sum", mock.Anything).Return(json.RawMessage(`1`), nil)

	a := env.connect(t, "a")
	env.waitIdle(t, 1)
	id := env.submit(t, "sum")
	lost := a.work(t)
	require.NoError(t, a.conn.Close())

	require.Eventually(t, func() bool {
		r, err := env.d.Report(env.ctx)
		return err == nil && r.Queued["sum"] == 1 && r.InFlight == 0 && len(r.Sessions) == 0
	}, waitFor, 5*time.Millisecond)

	b := env.connect(t, "b")
	got := b.work(t)
	assert.Equal(t, lost.FragmentID, got.FragmentID)

	r, err := env.d.Report(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, r.InFlight)
	assert.Empty(t, r.Queued)
	assert.Equal(t, uint64(1), r.Stats.Requeued)

	b.done(t, got, `1`)
	env.waitState(t, id, calculation.StateComputed)
}

// TestCancelAbortsInFlightAndDropsQueued cancels with two fragments at
// workers and one still queued.
func TestCancelAbortsInFlightAndDropsQueued(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(3), nil)

	a := env.connect(t, "a")
	b := env.connect(t, "b")
	env.waitIdle(t, 2)
	id := env.submit(t, "sum")

	fa := a.work(t)
	fb := b.work(t)
	require.Eventually(t, func() bool {
		r, err := env.d.Report(env.ctx)
		return err == nil && r.Queued["sum"] == 1
	}, waitFor, 5*time.Millisecond)

	require.NoError(t, env.d.Cancel(env.ctx, id))

	assert.Equal(t, fa.FragmentID, string(a.expect(t, wire.CmdAbort).Payload))
	assert.Equal(t, fb.FragmentID, string(b.expect(t, wire.CmdAbort).Payload))

	snap, err := env.d.Get(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, calculation.StateBeingCanceled, snap.State)

	r, err := env.d.Report(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, r.Queued)
	assert.Zero(t, r.InFlight)

	// A late completion for an aborted fragment changes nothing.
	a.done(t, fa, `1`)
	env.waitIdle(t, 2)
	assert.Zero(t, env.d.Stats().Completed)

	require.Eventually(t, func() bool {
		return errors.Is(env.d.Cancel(env.ctx, id), ErrNotFound)
	}, waitFor, 5*time.Millisecond, "canceled calculations move to the store")
}

func TestMalformedResultCrashesCalculation(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(2), nil)

	a := env.connect(t, "a")
	env.waitIdle(t, 1)
	id := env.submit(t, "sum")

	a.work(t)
	a.send(t, wire.CmdDone, `{"bin":"sum"}`)

	snap := env.waitState(t, id, calculation.StateCrashed)
	assert.Contains(t, snap.Reason, "malformed result")
	env.executor.AssertNotCalled(t, "Join", mock.Anything, mock.Anything)
}

func TestSplitFailures(t *testing.T) {
	tests := []struct {
		name   string
		specs  []calculation.FragmentSpec
		err    error
		reason string
	}{
		{"transform error", nil, errors.New("exit status 2"), "split failed"},
		{"no fragments", []calculation.FragmentSpec{}, nil, "no fragments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Options{})
			env.executor.On("Split", "sum", mock.Anything).Return(tt.specs, tt.err)

			id := env.submit(t, "sum")
			snap := env.waitState(t, id, calculation.StateCrashed)
			assert.Contains(t, snap.Reason, tt.reason)
			assert.Equal(t, uint64(1), env.d.Stats().Crashed)
		})
	}
}

func TestJoinFailureCrashesCalculation(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)
	env.executor.On("Join", "sum", mock.Anything).Return(nil, errors.New("bad join"))

	a := env.connect(t, "a")
	env.waitIdle(t, 1)
	id := env.submit(t, "sum")
	f := a.work(t)
	a.done(t, f, `1`)

	snap := env.waitState(t, id, calculation.StateCrashed)
	assert.Contains(t, snap.Reason, "bad join")
}

// TestWorkTimeoutRequeues lets a worker sit on a fragment past the timeout.
// The watchdog aborts it the same way a worker ABORT would, and the fragment
// is dispatched again.
func TestWorkTimeoutRequeues(t *testing.T) {
	env := newTestEnv(t, Options{WorkTimeout: 50 * time.Millisecond, WatchInterval: 10 * time.Millisecond})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)

	a := env.connect(t, "a")
	env.waitIdle(t, 1)
	env.submit(t, "sum")

	first := a.work(t)
	assert.Equal(t, first.FragmentID, string(a.expect(t, wire.CmdAbort).Payload))
	again := a.expect(t, wire.CmdWorking)
	env2, err := calculation.ParseEnvelope(again.Payload)
	require.NoError(t, err)
	assert.Equal(t, first.FragmentID, env2.FragmentID)
	assert.GreaterOrEqual(t, env.d.Stats().Requeued, uint64(1))
}

func TestMaxAttemptsCrashesCalculation(t *testing.T) {
	env := newTestEnv(t, Options{MaxAttempts: 1})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)

	a := env.connect(t, "a")
	env.waitIdle(t, 1)
	id := env.submit(t, "sum")
	a.work(t)
	a.send(t, wire.CmdAbort, "plugin crashed")

	snap := env.waitState(t, id, calculation.StateCrashed)
	assert.Contains(t, snap.Reason, "failed 1 times")
}

func TestSubmitRules(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)

	calc := calculation.New("sum", nil, uuid.Nil)
	require.NoError(t, env.d.Submit(env.ctx, calc))
	assert.ErrorIs(t, env.d.Submit(env.ctx, calc), ErrDuplicate)
	assert.Error(t, env.d.Submit(env.ctx, nil))

	require.Eventually(t, func() bool {
		snap, err := env.d.Get(env.ctx, calc.ID)
		return err == nil && snap.State == calculation.StateReady
	}, waitFor, 5*time.Millisecond)

	_, err := env.d.Consume(env.ctx, calc.ID)
	assert.ErrorIs(t, err, ErrNotFinished)
	_, err = env.d.Consume(env.ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListIncludesRunningAndFinished(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)
	env.executor.On("Split", "bad", mock.Anything).Return(nil, errors.New("no"))

	running := env.submit(t, "sum")
	crashed := env.submit(t, "bad")
	env.waitState(t, crashed, calculation.StateCrashed)

	list, err := env.d.List(env.ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, running.String(), list[0].ID)
	assert.Equal(t, crashed.String(), list[1].ID)
	assert.Equal(t, calculation.StateCrashed, list[1].State)
}

// TestAssignmentIsFairAcrossWorkers runs many single-fragment calculations
// through two workers and checks both get work.
func TestAssignmentIsFairAcrossWorkers(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)
	env.executor.On("Join", "sum", mock.Anything).Return(json.RawMessage(`0`), nil)

	workers := []*worker{env.connect(t, "a"), env.connect(t, "b")}
	env.waitIdle(t, 2)

	const rounds = 6
	ids := make([]uuid.UUID, 0, rounds)
	for i := 0; i < rounds; i++ {
		ids = append(ids, env.submit(t, "sum"))
	}

	served := make([]int, len(workers))
	for done := 0; done < rounds; {
		for i, w := range workers {
			if done == rounds {
				break
			}
			f := w.work(t)
			w.done(t, f, strconv.Itoa(done))
			served[i]++
			done++
		}
	}
	for _, id := range ids {
		env.waitState(t, id, calculation.StateComputed)
	}
	assert.Equal(t, []int{rounds / 2, rounds / 2}, served)
}

// slowStore holds every Put until release is closed.
type slowStore struct {
	*storage.MemoryStore
	release chan struct{}
	puts    chan string
}

func (s *slowStore) Put(ctx context.Context, o storage.Outcome) error {
	s.puts <- o.ID
	select {
	case <-s.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.MemoryStore.Put(ctx, o)
}

// TestSlowStoreDoesNotStallAssignment blocks the outcome write of a crashed
// calculation and checks other work is still dispatched meanwhile.
func TestSlowStoreDoesNotStallAssignment(t *testing.T) {
	store := &slowStore{
		MemoryStore: storage.NewMemoryStore(),
		release:     make(chan struct{}),
		puts:        make(chan string, 4),
	}
	env := newTestEnvWithStore(t, Options{StoreTimeout: time.Minute}, store)
	env.executor.On("Split", "bad", mock.Anything).Return(nil, errors.New("no"))
	env.executor.On("Split", "sum", mock.Anything).Return(specs(1), nil)

	a := env.connect(t, "a")
	env.waitIdle(t, 1)

	crashed := env.submit(t, "bad")
	select {
	case id := <-store.puts:
		require.Equal(t, crashed.String(), id)
	case <-time.After(waitFor):
		t.Fatal("outcome never written")
	}

	env.submit(t, "sum")
	a.work(t)

	snap, err := env.d.Get(env.ctx, crashed)
	require.NoError(t, err)
	assert.Equal(t, calculation.StateCrashed, snap.State, "readable while the write is pending")

	consumed := make(chan storage.Outcome, 1)
	go func() {
		out, err := env.d.Consume(env.ctx, crashed)
		if err == nil {
			consumed <- out
		}
		close(consumed)
	}()
	close(store.release)

	out, ok := <-consumed
	require.True(t, ok, "consume failed")
	assert.Equal(t, "crashed", out.State)

	_, err = env.d.Get(env.ctx, crashed)
	assert.ErrorIs(t, err, ErrNotFound)
	ids, err := store.List(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// lossyStore writes every outcome but reports the write as failed, the way a
// client-side timeout on a slow server does.
type lossyStore struct {
	*storage.MemoryStore
}

func (s lossyStore) Put(ctx context.Context, o storage.Outcome) error {
	if err := s.MemoryStore.Put(ctx, o); err != nil {
		return err
	}
	return context.DeadlineExceeded
}

// TestFailedWriteKeepsOutcomeInMemory checks an outcome whose write failed is
// consumed from memory, and a copy that landed anyway is removed.
func TestFailedWriteKeepsOutcomeInMemory(t *testing.T) {
	store := lossyStore{storage.NewMemoryStore()}
	env := newTestEnvWithStore(t, Options{}, store)
	env.executor.On("Split", "bad", mock.Anything).Return(nil, errors.New("no"))

	id := env.submit(t, "bad")
	env.waitState(t, id, calculation.StateCrashed)

	list, err := env.d.List(env.ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1, "a stored copy is not listed twice")

	out, err := env.d.Consume(env.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "crashed", out.State)

	ids, err := store.List(env.ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	_, err = env.d.Consume(env.ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
