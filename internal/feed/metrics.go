package feed

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Published *prometheus.CounterVec
	Failures  prometheus.Counter
	Increment prometheus.Gauge
	Lag       prometheus.Histogram
	Jobs      *prometheus.CounterVec
	Circuit   prometheus.Gauge
}

// NewMetrics registers the relay collectors on reg, or on a private registry
// when reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ban_feed_published_total",
			Help: "Diffs published to the change feed, by resource",
		}, []string{"resource"}),
		Failures: factory.NewCounter(prometheus.CounterOpts{
			Name: "ban_feed_publish_failures_total",
			Help: "Diff batches the broker did not acknowledge",
		}),
		Increment: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ban_feed_increment",
			Help: "Last diff increment acknowledged by the broker",
		}),
		Lag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ban_feed_lag_seconds",
			Help:    "Delay between a diff being recorded and published",
			Buckets: []float64{.05, .1, .5, 1, 5, 15, 60, 300},
		}),
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ban_scheduled_jobs_total",
			Help: "Scheduled job runs by job and outcome",
		}, []string{"job", "outcome"}),
		Circuit: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ban_feed_circuit_open",
			Help: "1 while the relay stops draining on notifications",
		}),
	}
}

func (m *Metrics) setCircuit(open bool) {
	if open {
		m.Circuit.Set(1)
		return
	}
	m.Circuit.Set(0)
}

func (m *Metrics) observe(msgs []Message, now time.Time) {
	for _, msg := range msgs {
		m.Published.WithLabelValues(msg.Resource).Inc()
		if !msg.CreatedAt.IsZero() {
			m.Lag.Observe(now.Sub(msg.CreatedAt).Seconds())
		}
	}
	if len(msgs) > 0 {
		m.Increment.Set(float64(msgs[len(msgs)-1].Increment))
	}
}
