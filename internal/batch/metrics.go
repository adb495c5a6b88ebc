package batch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks batch sizes, outcomes and durations.
type Metrics struct {
	Batches  *prometheus.CounterVec
	Size     prometheus.Histogram
	Duration *prometheus.HistogramVec
}

// NewMetrics registers the batch metrics on reg. A nil reg uses a private
// registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Batches: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ban_batch_requests_total",
			Help: "Batch requests by outcome",
		}, []string{"outcome"}),
		Size: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ban_batch_entries",
			Help:    "Number of entries per batch",
			Buckets: prometheus.ExponentialBuckets(1, 4, 6),
		}),
		Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ban_batch_duration_seconds",
			Help:    "Duration of batch execution including the commit",
			Buckets: prometheus.DefBuckets,
		}, []string{"outcome"}),
	}
}

// Observe records one executed batch.
func (m *Metrics) Observe(size int, outcome string, start time.Time) {
	m.Batches.WithLabelValues(outcome).Inc()
	m.Size.Observe(float64(size))
	m.Duration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

