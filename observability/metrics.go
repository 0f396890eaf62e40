package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pipelineMetricsOnce sync.Once
	pipelineRegistry    *PipelineMetrics

	settlementMetricsOnce sync.Once
	settlementRegistry    *SettlementMetrics
)

// PipelineMetrics captures the fate of score submissions as they move through
// the verification pipeline.
type PipelineMetrics struct {
	verdicts  *prometheus.CounterVec
	decodes   *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// Pipeline returns the lazily-initialised submission pipeline registry.
func Pipeline() *PipelineMetrics {
	pipelineMetricsOnce.Do(func() {
		pipelineRegistry = &PipelineMetrics{
			verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "pipeline",
				Name:      "verdicts_total",
				Help:      "Count of submission verdicts segmented by status and reason.",
			}, []string{"status", "reason"}),
			decodes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "pipeline",
				Name:      "decode_failures_total",
				Help:      "Count of payloads rejected by the decoder segmented by failure kind.",
			}, []string{"kind"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swarm",
				Subsystem: "pipeline",
				Name:      "submit_duration_seconds",
				Help:      "Latency distribution for submission handling up to the verdict.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "pipeline",
				Name:      "throttles_total",
				Help:      "Count of submissions rejected by the per-player rate limiter.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			pipelineRegistry.verdicts,
			pipelineRegistry.decodes,
			pipelineRegistry.latency,
			pipelineRegistry.throttles,
		)
	})
	return pipelineRegistry
}

// ObserveVerdict records one pipeline outcome.
func (m *PipelineMetrics) ObserveVerdict(status, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	if status = strings.TrimSpace(status); status == "" {
		status = "unknown"
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "none"
	}
	m.verdicts.WithLabelValues(status, reason).Inc()
	m.latency.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordDecodeFailure increments the decode failure counter for the kind.
func (m *PipelineMetrics) RecordDecodeFailure(kind string) {
	if m == nil {
		return
	}
	if kind = strings.TrimSpace(kind); kind == "" {
		kind = "unknown"
	}
	m.decodes.WithLabelValues(kind).Inc()
}

// RecordThrottle counts a rate-limited submission.
func (m *PipelineMetrics) RecordThrottle(reason string) {
	if m == nil {
		return
	}
	if reason = strings.TrimSpace(reason); reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(reason).Inc()
}

// SettlementMetrics wraps collectors tracking settlement engine health.
type SettlementMetrics struct {
	transitions *prometheus.CounterVec
	retries     prometheus.Counter
	confirmTime *prometheus.HistogramVec
	unfinished  prometheus.Gauge
}

// Settlement exposes the metrics registry for the settlement engine.
func Settlement() *SettlementMetrics {
	settlementMetricsOnce.Do(func() {
		settlementRegistry = &SettlementMetrics{
			transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "settlement",
				Name:      "transitions_total",
				Help:      "Count of settlement state transitions segmented by target state.",
			}, []string{"state"}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swarm",
				Subsystem: "settlement",
				Name:      "submit_retries_total",
				Help:      "Count of reward submissions retried after a transient failure.",
			}),
			confirmTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swarm",
				Subsystem: "settlement",
				Name:      "confirm_duration_seconds",
				Help:      "Time from first submit attempt to a terminal state.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			}, []string{"state"}),
			unfinished: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "swarm",
				Subsystem: "settlement",
				Name:      "unfinished_records",
				Help:      "Number of ledger records still in a non-terminal state.",
			}),
		}
		prometheus.MustRegister(
			settlementRegistry.transitions,
			settlementRegistry.retries,
			settlementRegistry.confirmTime,
			settlementRegistry.unfinished,
		)
	})
	return settlementRegistry
}

// RecordTransition counts a persisted transition into the target state.
func (m *SettlementMetrics) RecordTransition(state string) {
	if m == nil {
		return
	}
	if state = strings.TrimSpace(state); state == "" {
		state = "unknown"
	}
	m.transitions.WithLabelValues(state).Inc()
}

// RecordRetry counts a retried reward submission.
func (m *SettlementMetrics) RecordRetry() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// ObserveTerminal records how long a settlement took to reach a terminal state.
func (m *SettlementMetrics) ObserveTerminal(state string, d time.Duration) {
	if m == nil {
		return
	}
	if state = strings.TrimSpace(state); state == "" {
		state = "unknown"
	}
	m.confirmTime.WithLabelValues(state).Observe(d.Seconds())
}

// SetUnfinished updates the non-terminal backlog gauge.
func (m *SettlementMetrics) SetUnfinished(count int) {
	if m == nil {
		return
	}
	m.unfinished.Set(float64(count))
}
