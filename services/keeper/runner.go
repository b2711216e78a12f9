package keeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// TickFunc runs one monitoring cycle.
type TickFunc func(ctx context.Context) (CycleResult, error)

// Stats are the runner's cumulative counters. Errors counts failed ticks plus
// every per-user error reported by a tick; UserErrors is the per-user part.
type Stats struct {
	Ticks            int           `json:"ticks"`
	RescuesSucceeded int           `json:"rescues_succeeded"`
	RescuesFailed    int           `json:"rescues_failed"`
	Errors           int           `json:"errors"`
	UserErrors       int           `json:"user_errors"`
	Overruns         int           `json:"overruns"`
	Uptime           time.Duration `json:"uptime_ns"`
	Running          bool          `json:"running"`
}

// RunnerOption customises a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger overrides the runner logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRunnerMetrics overrides the metrics registry.
func WithRunnerMetrics(m *Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// Runner drives ticks strictly sequentially.
type Runner struct {
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu      sync.Mutex
	stats   Stats
	started time.Time
}

// NewRunner constructs a Runner.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:  slog.Default(),
		metrics: NewMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunForever executes tick every interval until ctx is cancelled. A tick is
// never started while another runs, and a slow tick delays the next one
// instead of stacking. Cancellation is observed between ticks only: the tick
// receives a context that is not cancelled by ctx, so in-flight submissions
// complete before shutdown.
func (r *Runner) RunForever(ctx context.Context, interval time.Duration, tick TickFunc) Stats {
	if interval <= 0 {
		interval = time.Second
	}
	r.mu.Lock()
	r.started = r.now()
	r.stats = Stats{Running: true}
	r.mu.Unlock()

	r.logger.Info("runner started", slog.Duration("interval", interval))

	for ctx.Err() == nil {
		tickStart := r.now()
		res, err := r.runTick(context.WithoutCancel(ctx), tick)
		elapsed := r.now().Sub(tickStart)
		r.account(res, err, elapsed, interval)

		if ctx.Err() != nil {
			break
		}
		wait := interval - elapsed
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
	}

	stats := r.Snapshot()
	r.mu.Lock()
	r.stats.Running = false
	r.mu.Unlock()
	stats.Running = false
	r.logger.Info("runner stopped",
		slog.Int("ticks", stats.Ticks),
		slog.Int("rescues_succeeded", stats.RescuesSucceeded),
		slog.Int("rescues_failed", stats.RescuesFailed),
		slog.Int("errors", stats.Errors),
		slog.Int("user_errors", stats.UserErrors),
		slog.Int("overruns", stats.Overruns),
		slog.Duration("uptime", stats.Uptime),
	)
	return stats
}

// Snapshot returns the current counters.
func (r *Runner) Snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := r.stats
	if !r.started.IsZero() && stats.Running {
		stats.Uptime = r.now().Sub(r.started)
	}
	return stats
}

func (r *Runner) runTick(ctx context.Context, tick TickFunc) (res CycleResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("keeper: tick panic: %v", p)
		}
	}()
	return tick(ctx)
}

func (r *Runner) account(res CycleResult, err error, elapsed, interval time.Duration) {
	r.mu.Lock()
	r.stats.Ticks++
	r.stats.RescuesSucceeded += res.Succeeded
	r.stats.RescuesFailed += res.Failed()
	r.stats.UserErrors += len(res.ErrorsByUser)
	r.stats.Errors += len(res.ErrorsByUser)
	if err != nil {
		r.stats.Errors++
	}
	overrun := elapsed > interval
	if overrun {
		r.stats.Overruns++
	}
	r.stats.Uptime = r.now().Sub(r.started)
	r.mu.Unlock()

	r.metrics.ObserveTick(elapsed, r.now())
	if err != nil {
		r.metrics.RecordTickError()
		r.logger.Error("tick failed", slog.String("error", err.Error()))
	}
	if overrun {
		r.metrics.RecordOverrun()
		r.logger.Warn("tick overran interval",
			slog.Duration("elapsed", elapsed),
			slog.Duration("interval", interval),
			slog.Duration("excess", elapsed-interval),
		)
	}
}
