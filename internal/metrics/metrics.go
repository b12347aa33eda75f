package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors of the reconciliation engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	IdentifyRequests *prometheus.CounterVec
	IdentifyDuration prometheus.Histogram
	ContactsCreated  *prometheus.CounterVec
	Demotions        prometheus.Counter
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		IdentifyRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_identify_requests_total",
			Help: "Identify calls by outcome (created_primary, created_secondary, merged, unchanged, error)",
		}, []string{"outcome"}),
		IdentifyDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "identity_identify_duration_seconds",
			Help:    "Latency of the resolve and merge unit of work",
			Buckets: prometheus.DefBuckets,
		}),
		ContactsCreated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "identity_contacts_created_total",
			Help: "Contact rows inserted by link precedence",
		}, []string{"precedence"}),
		Demotions: factory.NewCounter(prometheus.CounterOpts{
			Name: "identity_demotions_total",
			Help: "Primary contacts demoted to secondary while bridging clusters",
		}),
	}
}

// ObserveIdentify records one finished Identify call.
func (m *Metrics) ObserveIdentify(outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.IdentifyRequests.WithLabelValues(outcome).Inc()
	m.IdentifyDuration.Observe(elapsed.Seconds())
}

// IncContactsCreated counts an inserted contact.
func (m *Metrics) IncContactsCreated(precedence string) {
	if m == nil {
		return
	}
	m.ContactsCreated.WithLabelValues(precedence).Inc()
}

// AddDemotions counts demoted primaries.
func (m *Metrics) AddDemotions(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.Demotions.Add(float64(n))
}
