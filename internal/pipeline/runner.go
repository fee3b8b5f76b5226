package pipeline

import (
	"context"
	"log/slog"
	"time"

	sharedretry "github.com/couchcryptid/storm-data-shared/retry"
	"github.com/couchcryptid/storm-reroute-service/internal/observability"
	"github.com/jonboulle/clockwork"
)

const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 5 * time.Second
)

// Cycler is the part of the Orchestrator the Runner drives.
type Cycler interface {
	Trigger(ctx context.Context, source string) (CycleSummary, error)
}

// Runner triggers cycles on a fixed interval and whenever Notify is called.
type Runner struct {
	cycler   Cycler
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *observability.Metrics
	wake     chan struct{}
}

// NewRunner creates a Runner. An interval of zero disables the timer; cycles
// then only run on Notify.
func NewRunner(c Cycler, interval time.Duration, clock clockwork.Clock, logger *slog.Logger, metrics *observability.Metrics) *Runner {
	return &Runner{
		cycler:   c,
		interval: interval,
		clock:    clock,
		logger:   logger,
		metrics:  metrics,
		wake:     make(chan struct{}, 1),
	}
}

// Notify requests a cycle. Requests made while one is pending coalesce.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Run triggers cycles until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("pipeline runner started", "interval", r.interval)
	r.metrics.PipelineRunning.Set(1)
	defer r.metrics.PipelineRunning.Set(0)

	var tick <-chan time.Time
	if r.interval > 0 {
		ticker := r.clock.NewTicker(r.interval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	backoff := initialBackoff
	for {
		var source string
		select {
		case <-ctx.Done():
			r.logger.Info("pipeline runner stopping", "reason", ctx.Err())
			return nil
		case <-tick:
			source = SourceSchedule
		case <-r.wake:
			source = SourceIngest
		}

		if !r.runWithRetry(ctx, source, &backoff) {
			return nil
		}
	}
}

// runWithRetry runs one cycle, retrying failures with exponential backoff
// until one succeeds. Returns false if the runner should stop.
func (r *Runner) runWithRetry(ctx context.Context, source string, backoff *time.Duration) bool {
	for {
		_, err := r.cycler.Trigger(ctx, source)
		if err == nil {
			*backoff = initialBackoff
			return true
		}
		if ctx.Err() != nil {
			return false
		}
		r.logger.Error("pipeline cycle failed, retrying", "source", source, "error", err, "backoff", *backoff)
		if !sleepWithContext(ctx, r.clock, *backoff) {
			return false
		}
		*backoff = sharedretry.NextBackoff(*backoff, maxBackoff)
	}
}

// sleepWithContext mirrors sharedretry.SleepWithContext on an injected clock.
func sleepWithContext(ctx context.Context, clock clockwork.Clock, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := clock.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.Chan():
		return true
	}
}
