package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the resource engine.
// Tracks writes per resource and outcome, merges, conflicts and the
// reference cache hit ratio.
type Metrics struct {
	Writes        *prometheus.CounterVec
	Merges        prometheus.Counter
	Conflicts     prometheus.Counter
	Redirects     prometheus.Counter
	CacheHits     prometheus.Counter
	CacheMisses   prometheus.Counter
	WriteDuration *prometheus.HistogramVec
}

// New registers the resource metrics on reg. A nil reg uses a private
// registry, which keeps tests independent.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		Writes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ban_resource_writes_total",
			Help: "Committed resource writes by resource and operation",
		}, []string{"resource", "operation"}),
		Merges: factory.NewCounter(prometheus.CounterOpts{
			Name: "ban_resource_merges_total",
			Help: "Stale writes accepted through three-way merge",
		}),
		Conflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ban_resource_conflicts_total",
			Help: "Writes rejected with a version conflict",
		}),
		Redirects: factory.NewCounter(prometheus.CounterOpts{
			Name: "ban_resource_redirects_created_total",
			Help: "Redirects materialized on identifier changes",
		}),
		CacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "ban_reference_cache_hits_total",
			Help: "Reference cache hits",
		}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "ban_reference_cache_misses_total",
			Help: "Reference cache misses",
		}),
		WriteDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ban_resource_write_duration_seconds",
			Help:    "Duration of resource writes including versioning",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"resource"}),
	}
}

// IncrementWrite records a committed write.
func (m *Metrics) IncrementWrite(resource, operation string) {
	m.Writes.WithLabelValues(resource, operation).Inc()
}

// ObserveWrite records the duration of a write.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveWrite(resource string, start time.Time) {
	m.WriteDuration.WithLabelValues(resource).Observe(time.Since(start).Seconds())
}

func (m *Metrics) IncrementMerge()    { m.Merges.Inc() }
func (m *Metrics) IncrementConflict() { m.Conflicts.Inc() }
func (m *Metrics) IncrementRedirect() { m.Redirects.Inc() }
func (m *Metrics) CacheHit()          { m.CacheHits.Inc() }
func (m *Metrics) CacheMiss()         { m.CacheMisses.Inc() }
