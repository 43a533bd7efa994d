package infra

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics records invocation outcomes and per-stage latencies.
type Metrics struct {
	Invocations  metrics.Counter
	StageLatency metrics.Histogram
}

// NewMetrics registers the pipeline collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	invocations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "microdonate",
		Subsystem: "pipeline",
		Name:      "invocations_total",
		Help:      "Contract invocations by function and outcome.",
	}, []string{"function", "outcome"})

	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "microdonate",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Time spent in each pipeline stage.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"function", "stage"})

	reg.MustRegister(invocations, latency)

	return &Metrics{
		Invocations:  kitprometheus.NewCounter(invocations),
		StageLatency: kitprometheus.NewHistogram(latency),
	}
}

// DisabledMetrics drops every observation.
func DisabledMetrics() *Metrics {
	return &Metrics{
		Invocations:  discard.NewCounter(),
		StageLatency: discard.NewHistogram(),
	}
}

func (m *Metrics) keep(e *Element, outcome string) {
	fn := e.Call.Function.Symbol()
	m.Invocations.With("function", fn, "outcome", outcome).Add(1)

	stages := []struct {
		name       string
		start, end int64
	}{
		{"build", e.StartedTime.UnixNano(), e.BuiltTime.UnixNano()},
		{"sign", e.BuiltTime.UnixNano(), e.SignedTime.UnixNano()},
		{"submit", e.SignedTime.UnixNano(), e.SubmittedTime.UnixNano()},
		{"confirm", e.SubmittedTime.UnixNano(), e.ObservedTime.UnixNano()},
	}
	for _, s := range stages {
		if s.start <= 0 || s.end <= 0 || s.end < s.start {
			continue
		}
		m.StageLatency.With("function", fn, "stage", s.name).Observe(float64(s.end-s.start) / 1e9)
	}
}
