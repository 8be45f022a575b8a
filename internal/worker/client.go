package worker

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/gridcalc/internal/calculation"
	"github.com/dreamware/gridcalc/internal/plugin"
	"github.com/dreamware/gridcalc/internal/session"
	"github.com/dreamware/gridcalc/internal/wire"
)

// ErrNotConnected is returned when a frame is sent without a coordinator
// link.
var ErrNotConnected = errors.New("not connected to a coordinator")

// Plugins is what the worker needs from its plugin set: a way to advertise
// it, and to run fragments with it.
type Plugins interface {
	plugin.FragmentRunner
	List() ([]string, error)
}

// Options configures a Client.
type Options struct {
	Logger zerolog.Logger
	// Name is sent in HELLO so the coordinator can label the session.
	Name string
	// Coordinator is the host:port dialed by Run.
	Coordinator string
	// KeepaliveInterval is the period of READY frames sent while idle.
	// Zero disables keepalives.
	KeepaliveInterval time.Duration
	// ReconnectDelay is the pause between connection attempts in Run.
	ReconnectDelay time.Duration
	// DialTimeout bounds one connection attempt (default 5s).
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	MaxFrameSize int
}

// Status is a point-in-time view of the worker.
type Status struct {
	Since       time.Time `json:"since,omitempty"`
	Name        string    `json:"name"`
	Coordinator string    `json:"coordinator"`
	Fragment    string    `json:"fragment,omitempty"`
	Bin         string    `json:"bin,omitempty"`
	Plugins     []string  `json:"plugins"`
	Completed   uint64    `json:"completed"`
	Failed      uint64    `json:"failed"`
	Refused     uint64    `json:"refused"`
	Connected   bool      `json:"connected"`
}

// job is the fragment being computed.
type job struct {
	started time.Time
	env     *calculation.Envelope
	cancel  context.CancelFunc
}

// Client is the worker end of the grid protocol. It announces its plugins,
// computes the fragments it is given one at a time and reports each result.
//
// A Client serves one coordinator connection at a time; Run reconnects when
// the link drops.
type Client struct {
	plugins Plugins
	log     zerolog.Logger
	opts    Options

	conn    net.Conn
	current *job
	since   time.Time
	mu      sync.Mutex
	wmu     sync.Mutex

	running   sync.WaitGroup
	completed atomic.Uint64
	failed    atomic.Uint64
	refused   atomic.Uint64
}

// NewClient creates a worker client over plugins.
func NewClient(plugins Plugins, opts Options) *Client {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = wire.DefaultMaxFrameSize
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	return &Client{
		plugins: plugins,
		opts:    opts,
		log:     opts.Logger.With().Str("worker", opts.Name).Logger(),
	}
}

// Run dials the coordinator and serves the link, reconnecting after
// ReconnectDelay until ctx is canceled.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.dialAndServe(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			c.log.Warn().Err(err).Str("coordinator", c.opts.Coordinator).Msg("coordinator link lost")
		} else {
			c.log.Info().Str("coordinator", c.opts.Coordinator).Msg("coordinator closed the link")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

func (c *Client) dialAndServe(ctx context.Context) error {
	d := net.Dialer{Timeout: c.opts.DialTimeout, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", c.opts.Coordinator)
	if err != nil {
		return errors.Wrapf(err, "dial %s", c.opts.Coordinator)
	}
	return c.Serve(ctx, conn)
}

// Serve runs the protocol over an established connection until it closes or
// ctx is canceled. A fragment still running when the link ends is canceled.
func (c *Client) Serve(ctx context.Context, conn net.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.mu.Lock()
	c.conn = conn
	c.since = time.Now()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		if c.current != nil {
			c.current.cancel()
			c.current = nil
		}
		c.mu.Unlock()
		conn.Close()
		c.running.Wait()
	}()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	if err := c.hello(); err != nil {
		return err
	}
	if c.opts.KeepaliveInterval > 0 {
		go c.keepalive(ctx)
	}

	r := wire.NewReader(conn, c.opts.MaxFrameSize)
	for {
		f, err := r.Next()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "read frame")
		}
		c.handle(ctx, f)
	}
}

func (c *Client) hello() error {
	names, err := c.plugins.List()
	if err != nil {
		return errors.Wrap(err, "list plugins")
	}
	payload, err := json.Marshal(session.Hello{Worker: c.opts.Name, Plugins: names})
	if err != nil {
		return errors.Wrap(err, "encode hello")
	}
	c.log.Info().Strs("plugins", names).Msg("announcing to coordinator")
	return c.send(wire.CmdHello, payload)
}

func (c *Client) keepalive(ctx context.Context) {
	t := time.NewTicker(c.opts.KeepaliveInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if c.busy() {
				continue
			}
			if err := c.send(wire.CmdReady, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, f wire.Frame) {
	switch f.Command {
	case wire.CmdReady:
		c.log.Info().Msg("coordinator accepted the worker")
	case wire.CmdWorking:
		c.start(ctx, f.Payload)
	case wire.CmdAbort:
		c.abort(string(f.Payload))
	default:
		c.log.Warn().Stringer("command", f.Command).Msg("unexpected command ignored")
	}
}

// start checks the capability, acknowledges and launches the fragment.
func (c *Client) start(ctx context.Context, payload []byte) {
	env, err := calculation.ParseEnvelope(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("malformed fragment rejected")
		c.failed.Add(1)
		_ = c.send(wire.CmdAbort, []byte(err.Error()))
		return
	}
	log := c.log.With().Str("fragment", env.FragmentID).Str("bin", env.Bin).Logger()

	if c.busy() {
		log.Warn().Msg("fragment received while busy, ignored")
		return
	}
	if !c.plugins.Exists(env.Bin) {
		log.Info().Msg("plugin not installed, refusing fragment")
		c.refused.Add(1)
		_ = c.send(wire.CmdUnable, []byte(env.Bin))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	j := &job{env: env, cancel: cancel, started: time.Now()}
	c.mu.Lock()
	c.current = j
	c.mu.Unlock()

	if err := c.send(wire.CmdWorking, nil); err != nil {
		c.release(j)
		cancel()
		return
	}
	log.Debug().Msg("fragment started")

	c.running.Add(1)
	go func() {
		defer c.running.Done()
		defer cancel()
		result, err := c.plugins.Run(runCtx, *env)
		c.finish(j, result, err, log)
	}()
}

// release clears j if it is still the current job and reports whether it
// was.
func (c *Client) release(j *job) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != j {
		return false
	}
	c.current = nil
	return true
}

func (c *Client) finish(j *job, result json.RawMessage, err error, log zerolog.Logger) {
	if !c.release(j) {
		log.Debug().Msg("fragment withdrawn, result discarded")
		return
	}
	took := time.Since(j.started)

	switch {
	case errors.Is(err, plugin.ErrBinaryNotFound):
		// UNABLE is only valid before the WORKING ack, so the fragment goes
		// back as a failure.
		log.Warn().Msg("plugin disappeared before the run")
		c.refused.Add(1)
		_ = c.send(wire.CmdAbort, []byte("plugin not found: "+j.env.Bin))
	case err != nil:
		log.Warn().Err(err).Dur("took", took).Msg("fragment failed")
		c.failed.Add(1)
		_ = c.send(wire.CmdAbort, []byte(err.Error()))
	default:
		out := calculation.Envelope{Bin: j.env.Bin, Params: j.env.Params, FragmentID: j.env.FragmentID, Result: result}
		payload, merr := out.Marshal()
		if merr != nil {
			c.failed.Add(1)
			_ = c.send(wire.CmdAbort, []byte(merr.Error()))
			return
		}
		c.completed.Add(1)
		log.Info().Dur("took", took).Msg("fragment computed")
		_ = c.send(wire.CmdDone, payload)
	}
}

// abort stops the current fragment. An empty id or one matching the
// current fragment cancels it; anything else is stale.
func (c *Client) abort(id string) {
	c.mu.Lock()
	j := c.current
	if j == nil || (id != "" && id != j.env.FragmentID) {
		c.mu.Unlock()
		c.log.Debug().Str("fragment", id).Msg("abort for a fragment not running ignored")
		return
	}
	c.current = nil
	c.mu.Unlock()

	j.cancel()
	c.log.Info().Str("fragment", j.env.FragmentID).Msg("fragment aborted by coordinator")
}

func (c *Client) busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

func (c *Client) send(cmd wire.Command, payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.opts.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	}
	if err := wire.WriteFrame(conn, cmd, payload, c.opts.MaxFrameSize); err != nil {
		c.log.Warn().Err(err).Stringer("command", cmd).Msg("send failed")
		conn.Close()
		return errors.Wrapf(err, "send %s", cmd)
	}
	return nil
}

// Status reports the connection and the fragment in progress.
func (c *Client) Status() Status {
	names, err := c.plugins.List()
	if err != nil {
		c.log.Warn().Err(err).Msg("list plugins")
	}
	st := Status{
		Name:        c.opts.Name,
		Coordinator: c.opts.Coordinator,
		Plugins:     names,
		Completed:   c.completed.Load(),
		Failed:      c.failed.Load(),
		Refused:     c.refused.Load(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		st.Connected = true
		st.Since = c.since
	}
	if c.current != nil {
		st.Fragment = c.current.env.FragmentID
		st.Bin = c.current.env.Bin
	}
	return st
}
