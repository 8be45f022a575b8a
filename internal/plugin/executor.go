package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/dreamware/gridcalc/internal/calculation"
)

// Operation flags understood by every plugin binary.
const (
	OpSplit = "-split"
	OpJoin  = "-join"
)

// ErrBinaryNotFound is returned when no plugin provides the requested
// capability. It is never wrapped in a TransformError.
var ErrBinaryNotFound = errors.New("plugin binary not found")

// TransformError reports a plugin that ran but failed or produced unusable
// output.
type TransformError struct {
	Err    error
	Bin    string
	Op     string
	Stderr string
}

func (e *TransformError) Error() string {
	msg := fmt.Sprintf("plugin %s %s: %v", e.Bin, e.Op, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// Executor is the coordinator's view of the plugins: it turns a calculation
// into fragments and fragment results into a final result.
type Executor interface {
	Split(ctx context.Context, calc calculation.Envelope) ([]calculation.FragmentSpec, error)
	Join(ctx context.Context, calc calculation.Envelope, fragments json.RawMessage) (json.RawMessage, error)
}

// FragmentRunner is the worker's view of the plugins.
type FragmentRunner interface {
	Exists(bin string) bool
	Run(ctx context.Context, fragment calculation.Envelope) (json.RawMessage, error)
}

// Runner starts a process with the given stdin and collects its output.
type Runner interface {
	RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) (stdout, stderr []byte, err error)
}

// OSRunner implements Runner with os/exec.
type OSRunner struct {
	// Env overrides the environment (nil inherits the parent's).
	Env []string
	// WaitDelay bounds the wait for output pipes after the process is
	// killed, for plugins whose children outlive them (default 1s).
	WaitDelay time.Duration
}

// RunWithStdin runs name to completion.
func (r *OSRunner) RunWithStdin(ctx context.Context, stdin io.Reader, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = stdin
	if r.Env != nil {
		cmd.Env = r.Env
	}
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ProcessExecutor runs plugins as child processes from a Manager's
// directory. It implements both Executor and FragmentRunner.
type ProcessExecutor struct {
	manager *Manager
	runner  Runner
	log     zerolog.Logger
	timeout time.Duration
}

// ProcessOption configures a ProcessExecutor.
type ProcessOption func(*ProcessExecutor)

// WithRunner replaces the process runner.
func WithRunner(r Runner) ProcessOption {
	return func(p *ProcessExecutor) { p.runner = r }
}

// WithTimeout bounds every plugin invocation. Zero means no limit beyond
// the caller's context.
func WithTimeout(d time.Duration) ProcessOption {
	return func(p *ProcessExecutor) { p.timeout = d }
}

// NewProcessExecutor returns an executor over m's plugins.
func NewProcessExecutor(m *Manager, logger zerolog.Logger, opts ...ProcessOption) *ProcessExecutor {
	p := &ProcessExecutor{manager: m, runner: &OSRunner{}, log: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Exists reports whether the plugin for bin is installed.
func (p *ProcessExecutor) Exists(bin string) bool {
	return p.manager.Exists(bin)
}

// Split runs "<bin> -split" and parses the fragment list.
func (p *ProcessExecutor) Split(ctx context.Context, calc calculation.Envelope) ([]calculation.FragmentSpec, error) {
	in, err := calc.Marshal()
	if err != nil {
		return nil, err
	}
	out, err := p.invoke(ctx, calc.Bin, OpSplit, in)
	if err != nil {
		return nil, err
	}
	specs, err := calculation.ParseFragmentSpecs(out)
	if err != nil {
		return nil, &TransformError{Bin: calc.Bin, Op: OpSplit, Err: err}
	}
	return specs, nil
}

type joinInput struct {
	Calculation json.RawMessage `json:"calculation"`
	Fragments   json.RawMessage `json:"fragments"`
}

// Join runs "<bin> -join" over the computed fragments.
func (p *ProcessExecutor) Join(ctx context.Context, calc calculation.Envelope, fragments json.RawMessage) (json.RawMessage, error) {
	env, err := calc.Marshal()
	if err != nil {
		return nil, err
	}
	in, err := json.Marshal(joinInput{Calculation: env, Fragments: fragments})
	if err != nil {
		return nil, errors.Wrap(err, "marshal join input")
	}
	out, err := p.invoke(ctx, calc.Bin, OpJoin, in)
	if err != nil {
		return nil, err
	}
	return validResult(calc.Bin, OpJoin, out)
}

// Run computes one fragment.
func (p *ProcessExecutor) Run(ctx context.Context, fragment calculation.Envelope) (json.RawMessage, error) {
	in, err := fragment.Marshal()
	if err != nil {
		return nil, err
	}
	out, err := p.invoke(ctx, fragment.Bin, "", in)
	if err != nil {
		return nil, err
	}
	return validResult(fragment.Bin, "run", out)
}

func (p *ProcessExecutor) invoke(ctx context.Context, bin, op string, stdin []byte) ([]byte, error) {
	if !p.manager.Exists(bin) {
		return nil, errors.Wrapf(ErrBinaryNotFound, "%q", bin)
	}
	path, err := p.manager.Path(bin)
	if err != nil {
		return nil, err
	}
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	var args []string
	label := "run"
	if op != "" {
		args = append(args, op)
		label = op
	}

	start := time.Now()
	stdout, stderr, err := p.runner.RunWithStdin(ctx, bytes.NewReader(stdin), path, args...)
	logEvent := p.log.Debug()
	if err != nil {
		logEvent = p.log.Warn().Err(err)
	}
	logEvent.Str("bin", bin).Str("op", label).Dur("took", time.Since(start)).Int("stdout_bytes", len(stdout)).Msg("plugin finished")

	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, &TransformError{Bin: bin, Op: label, Err: err, Stderr: strings.TrimSpace(string(stderr))}
	}
	return stdout, nil
}

func validResult(bin, op string, out []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(out)
	if len(trimmed) == 0 || !json.Valid(trimmed) {
		return nil, &TransformError{Bin: bin, Op: op, Err: errors.New("output is not valid JSON")}
	}
	return json.RawMessage(trimmed), nil
}
