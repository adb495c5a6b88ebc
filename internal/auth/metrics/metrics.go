package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the auth module.
// Tracks token issuance, authentication failures and purges.
type Metrics struct {
	TokensIssued         *prometheus.CounterVec
	AuthFailures         *prometheus.CounterVec
	TokensPurged         prometheus.Counter
	IssueTokenDuration   prometheus.Histogram
	AuthenticateDuration prometheus.Histogram
}

// New registers the auth metrics on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)
	return &Metrics{
		TokensIssued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ban_tokens_issued_total",
			Help: "Access tokens issued by contributor type",
		}, []string{"contributor_type"}),
		AuthFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ban_auth_failures_total",
			Help: "Rejected token requests and bearer tokens by reason",
		}, []string{"reason"}),
		TokensPurged: factory.NewCounter(prometheus.CounterOpts{
			Name: "ban_tokens_purged_total",
			Help: "Expired tokens deleted by the purge job",
		}),
		IssueTokenDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ban_issue_token_duration_seconds",
			Help:    "Duration of token issuance including secret verification",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
		AuthenticateDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ban_authenticate_duration_seconds",
			Help:    "Duration of bearer token authentication",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}),
	}
}

// IncrementTokenIssued records an issued token.
func (m *Metrics) IncrementTokenIssued(contributorType string) {
	m.TokensIssued.WithLabelValues(contributorType).Inc()
}

// IncrementAuthFailure records a rejected credential.
func (m *Metrics) IncrementAuthFailure(reason string) {
	m.AuthFailures.WithLabelValues(reason).Inc()
}

// AddPurged records purged tokens.
func (m *Metrics) AddPurged(n int64) {
	m.TokensPurged.Add(float64(n))
}

// ObserveIssueToken records the duration of a token issuance.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveIssueToken(start time.Time) {
	m.IssueTokenDuration.Observe(time.Since(start).Seconds())
}

// ObserveAuthenticate records the duration of a bearer authentication.
func (m *Metrics) ObserveAuthenticate(start time.Time) {
	m.AuthenticateDuration.Observe(time.Since(start).Seconds())
}
