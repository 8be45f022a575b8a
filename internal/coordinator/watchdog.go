package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Watchdog periodically looks for fragments that have been with a worker
// for too long and fails them, which sends the worker ABORT and requeues
// the fragment through the same path as a worker-side ABORT.
//
// The watchdog itself holds no state about sessions. Each tick it calls the
// sweep function with the cutoff time; the dispatcher runs the sweep inside
// its own loop, where it may touch sessions and fragments.
//
// Lifecycle:
//
//	w := NewWatchdog(5*time.Second, 10*time.Minute, sweep, logger)
//	go w.Start(ctx)
//	...
//	w.Stop()
type Watchdog struct {
	sweep    func(ctx context.Context, cutoff time.Time) (int, error)
	ctx      context.Context
	cancel   context.CancelFunc
	log      zerolog.Logger
	interval time.Duration
	timeout  time.Duration
	wg       sync.WaitGroup
}

// NewWatchdog creates a watchdog that runs sweep every interval and treats
// work older than timeout as stuck.
//
// Parameters:
//   - interval: time between sweeps
//   - timeout: how long a session may stay busy with one fragment
//   - sweep: fails every fragment started before cutoff; returns the count
//   - logger: receives one line per sweep that failed something
func NewWatchdog(interval, timeout time.Duration, sweep func(context.Context, time.Time) (int, error), logger zerolog.Logger) *Watchdog {
	ctx, cancel := context.WithCancel(context.Background())
	return &Watchdog{
		sweep:    sweep,
		interval: interval,
		timeout:  timeout,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the sweep loop until ctx is canceled or Stop is called. It
// blocks, so callers usually run it in its own goroutine.
func (w *Watchdog) Start(ctx context.Context) {
	w.wg.Add(1)
	defer w.wg.Done()

	if ctx == nil {
		ctx = w.ctx
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.log.Info().Dur("interval", w.interval).Dur("timeout", w.timeout).Msg("work watchdog started")

	for {
		select {
		case now := <-ticker.C:
			w.check(ctx, now)
		case <-ctx.Done():
			return
		case <-w.ctx.Done():
			return
		}
	}
}

// Stop ends Start and waits for it to return.
func (w *Watchdog) Stop() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watchdog) check(ctx context.Context, now time.Time) {
	failed, err := w.sweep(ctx, now.Add(-w.timeout))
	if err != nil {
		if ctx.Err() == nil {
			w.log.Warn().Err(err).Msg("watchdog sweep failed")
		}
		return
	}
	if failed > 0 {
		w.log.Warn().Int("fragments", failed).Dur("timeout", w.timeout).Msg("failed stuck fragments")
	}
}
