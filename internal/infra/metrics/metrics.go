// Package metrics provides the pipeline's Prometheus-backed metrics sink.
// Every named counter the pipeline increments is exported as
// flashembed_pipeline_events_total{event="<name>"} and also kept in an
// in-process map so the CLI and status API can read it without scraping.
package metrics

import (
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/flashembed/flashembed/internal/domain"
)

// Sink is a concurrency-safe named-counter accumulator.
type Sink struct {
	events     *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	batchSizes prometheus.Histogram

	mu       sync.Mutex
	counters map[string]int64
}

// NewSink registers the pipeline metrics with reg. Pass
// prometheus.NewRegistry() in tests to keep runs isolated.
func NewSink(reg prometheus.Registerer) *Sink {
	factory := promauto.With(reg)
	return &Sink{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flashembed",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Pipeline milestones by event name.",
		}, []string{"event"}),
		latency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flashembed",
			Subsystem: "pipeline",
			Name:      "stage_seconds",
			Help:      "Duration of blocking stage calls in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		batchSizes: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "flashembed",
			Subsystem: "pipeline",
			Name:      "batch_size",
			Help:      "Number of items per inferred batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		counters: make(map[string]int64),
	}
}

// Increment adds amount to the named counter.
func (s *Sink) Increment(name string, amount int) {
	if amount <= 0 {
		return
	}
	s.events.WithLabelValues(name).Add(float64(amount))

	s.mu.Lock()
	s.counters[name] += int64(amount)
	s.mu.Unlock()
}

// Observe records a duration (seconds) or a batch size.
func (s *Sink) Observe(name string, value float64) {
	switch name {
	case domain.ObserveBatchSize:
		s.batchSizes.Observe(value)
	case domain.ObserveInferSeconds:
		s.latency.WithLabelValues("infer").Observe(value)
	case domain.ObserveWriteSeconds:
		s.latency.WithLabelValues("write").Observe(value)
	default:
		s.latency.WithLabelValues(name).Observe(value)
	}
}

// Get returns the current value of a counter.
func (s *Sink) Get(name string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[name]
}

// Snapshot returns a copy of all counters.
func (s *Sink) Snapshot() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// Names returns the counter names seen so far, sorted.
func (s *Sink) Names() []string {
	snap := s.Snapshot()
	names := make([]string, 0, len(snap))
	for k := range snap {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
