package observability

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// KeeperMetrics bundles the collectors describing rescue keeper activity.
type KeeperMetrics struct {
	ticks         prometheus.Counter
	tickDuration  prometheus.Histogram
	tickOverruns  prometheus.Counter
	tickErrors    prometheus.Counter
	outcomes      *prometheus.CounterVec
	attempts      *prometheus.CounterVec
	rescueUSD     prometheus.Histogram
	healthFactor  *prometheus.GaugeVec
	pauseEngaged  prometheus.Gauge
	lastTickEpoch prometheus.Gauge
}

var (
	keeperMetricsOnce sync.Once
	keeperRegistry    *KeeperMetrics
)

// Keeper exposes the metrics registry for keeperd.
func Keeper() *KeeperMetrics {
	keeperMetricsOnce.Do(func() {
		keeperRegistry = &KeeperMetrics{
			ticks: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "ticks_total",
				Help:      "Completed monitoring cycles.",
			}),
			tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "tick_duration_seconds",
				Help:      "Wall-clock duration of a monitoring cycle.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			}),
			tickOverruns: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "tick_overruns_total",
				Help:      "Cycles that took longer than the polling interval.",
			}),
			tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "tick_errors_total",
				Help:      "Cycles that ended in an error or a recovered panic.",
			}),
			outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "user_outcomes_total",
				Help:      "Per-user cycle outcomes segmented by outcome and skip reason.",
			}, []string{"outcome", "reason"}),
			attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "rescue_attempts_total",
				Help:      "Submitted rescues segmented by status and failure kind.",
			}, []string{"status", "failure"}),
			rescueUSD: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "rescue_amount_usd",
				Help:      "USD value of submitted rescues.",
				Buckets:   []float64{10, 50, 100, 250, 500, 1000, 5000, 10000, 100000},
			}),
			healthFactor: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "health_factor",
				Help:      "Last observed health factor per monitored user (+Inf without debt).",
			}, []string{"user"}),
			pauseEngaged: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "pause_engaged",
				Help:      "Indicates whether the keeper pause guard is active (1) or not (0).",
			}),
			lastTickEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "rescue",
				Subsystem: "keeper",
				Name:      "last_tick_timestamp_seconds",
				Help:      "Unix time at which the most recent cycle completed.",
			}),
		}
		prometheus.MustRegister(
			keeperRegistry.ticks,
			keeperRegistry.tickDuration,
			keeperRegistry.tickOverruns,
			keeperRegistry.tickErrors,
			keeperRegistry.outcomes,
			keeperRegistry.attempts,
			keeperRegistry.rescueUSD,
			keeperRegistry.healthFactor,
			keeperRegistry.pauseEngaged,
			keeperRegistry.lastTickEpoch,
		)
	})
	return keeperRegistry
}

// ObserveTick records a completed cycle.
func (m *KeeperMetrics) ObserveTick(d time.Duration, at time.Time) {
	if m == nil {
		return
	}
	m.ticks.Inc()
	m.tickDuration.Observe(d.Seconds())
	m.lastTickEpoch.Set(float64(at.Unix()))
}

// RecordOverrun counts a cycle that exceeded the polling interval.
func (m *KeeperMetrics) RecordOverrun() {
	if m == nil {
		return
	}
	m.tickOverruns.Inc()
}

// RecordTickError counts a failed or panicking cycle.
func (m *KeeperMetrics) RecordTickError() {
	if m == nil {
		return
	}
	m.tickErrors.Inc()
}

// RecordOutcome counts one per-user outcome. reason is empty for attempts.
func (m *KeeperMetrics) RecordOutcome(outcome, reason string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(label(outcome, "unknown"), label(reason, "none")).Inc()
}

// RecordAttempt counts a submitted rescue and observes its USD size.
func (m *KeeperMetrics) RecordAttempt(success bool, failure string, amountUSD float64) {
	if m == nil {
		return
	}
	status := "failed"
	if success {
		status = "succeeded"
	}
	m.attempts.WithLabelValues(status, label(failure, "none")).Inc()
	if amountUSD > 0 && !math.IsInf(amountUSD, 0) && !math.IsNaN(amountUSD) {
		m.rescueUSD.Observe(amountUSD)
	}
}

// SetHealthFactor publishes the latest health factor for user.
func (m *KeeperMetrics) SetHealthFactor(user string, hf float64) {
	if m == nil || math.IsNaN(hf) {
		return
	}
	m.healthFactor.WithLabelValues(strings.ToLower(strings.TrimSpace(user))).Set(hf)
}

// SetPause toggles the pause_engaged gauge.
func (m *KeeperMetrics) SetPause(engaged bool) {
	if m == nil {
		return
	}
	if engaged {
		m.pauseEngaged.Set(1)
		return
	}
	m.pauseEngaged.Set(0)
}

// Collectors exposes the underlying collectors for tests.
func (m *KeeperMetrics) Collectors() (outcomes, attempts *prometheus.CounterVec, overruns prometheus.Counter) {
	if m == nil {
		return nil, nil, nil
	}
	return m.outcomes, m.attempts, m.tickOverruns
}

func label(v, fallback string) string {
	if v = strings.TrimSpace(v); v == "" {
		return fallback
	}
	return v
}
