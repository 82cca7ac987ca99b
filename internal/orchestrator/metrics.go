package orchestrator

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the optional Prometheus surface for the orchestrator,
// generalizing graph/metrics.go's six gauges/counters from a generic
// workflow engine's node-level series to five job-oriented ones: inflight
// candidates, stage latency, retries, GPU swaps, and backpressure
// (subscriber overflow) events. There is no rate-gate queue-depth series,
// and the orchestrator itself records only the inflight and GPU-swap
// series. Ambient observability is
// carried regardless of spec.md's Non-goals per the carry-the-ambient-
// stack rule — nothing in the Non-goals excludes metrics.
type Metrics struct {
	mu sync.RWMutex

	inflightCandidates prometheus.Gauge
	stageLatency       *prometheus.HistogramVec
	retries            *prometheus.CounterVec
	gpuSwaps           prometheus.Counter
	backpressure       *prometheus.CounterVec

	enabled bool
}

// NewMetrics registers the orchestrator's series against registry, the
// same promauto.With(registry) pattern graph/metrics.go uses so callers
// can point it at a sub-registry in tests without touching the global one.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		inflightCandidates: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "beamforge",
			Name:      "inflight_candidates",
			Help:      "Number of candidates currently being expanded or evaluated.",
		}),
		stageLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "beamforge",
			Name:      "stage_latency_ms",
			Help:      "Latency in milliseconds of one orchestrator stage invocation.",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 30000},
		}, []string{"stage"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamforge",
			Name:      "upstream_retries_total",
			Help:      "Number of upstream retry attempts by capability.",
		}, []string{"capability"}),
		gpuSwaps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "beamforge",
			Name:      "gpu_swaps_total",
			Help:      "Number of GPU load/unload swaps performed by the coordinator.",
		}),
		backpressure: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "beamforge",
			Name:      "subscriber_overflow_total",
			Help:      "Number of subscription buffer overflows (lag markers emitted).",
		}, []string{"job"}),
		enabled: true,
	}
}

func (m *Metrics) IncInflight() {
	if m == nil || !m.enabled {
		return
	}
	m.inflightCandidates.Inc()
}

func (m *Metrics) DecInflight() {
	if m == nil || !m.enabled {
		return
	}
	m.inflightCandidates.Dec()
}

func (m *Metrics) ObserveStageLatencyMs(stage string, ms float64) {
	if m == nil || !m.enabled {
		return
	}
	m.stageLatency.WithLabelValues(stage).Observe(ms)
}

func (m *Metrics) IncRetries(capability string) {
	if m == nil || !m.enabled {
		return
	}
	m.retries.WithLabelValues(capability).Inc()
}

func (m *Metrics) IncGPUSwap() {
	if m == nil || !m.enabled {
		return
	}
	m.gpuSwaps.Inc()
}

func (m *Metrics) IncBackpressure(jobID string) {
	if m == nil || !m.enabled {
		return
	}
	m.backpressure.WithLabelValues(jobID).Inc()
}

// Disable turns off metric recording without unregistering collectors,
// matching graph/metrics.go's Disable/Enable toggle used by tests that
// don't want Prometheus overhead.
func (m *Metrics) Disable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = false
}

func (m *Metrics) Enable() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled = true
}
