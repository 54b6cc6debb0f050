package subscription

import "github.com/prometheus/client_golang/prometheus"

// Webhook outcomes recorded by Metrics.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
	OutcomeSkipped   = "skipped"
)

// Metrics holds the billing counters. A nil *Metrics records nothing.
type Metrics struct {
	events           *prometheus.CounterVec
	unresolvedPrices *prometheus.CounterVec
	notifications    *prometheus.CounterVec
	sessions         *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by type and outcome.",
		}, []string{"type", "outcome"}),
		unresolvedPrices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "unresolved_price_total",
			Help:      "Subscription events whose price id is not in the catalog.",
		}, []string{"price_id"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "notifications_total",
			Help:      "Subscription notifications by outcome.",
		}, []string{"outcome"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "billing",
			Name:      "checkout_sessions_total",
			Help:      "Checkout sessions created by kind.",
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.events, m.unresolvedPrices, m.notifications, m.sessions)
	}
	return m
}

func (m *Metrics) event(eventType, outcome string) {
	if m != nil {
		m.events.WithLabelValues(eventType, outcome).Inc()
	}
}

func (m *Metrics) unresolvedPrice(priceID string) {
	if m != nil {
		m.unresolvedPrices.WithLabelValues(priceID).Inc()
	}
}

func (m *Metrics) notification(outcome string) {
	if m != nil {
		m.notifications.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) session(kind string) {
	if m != nil {
		m.sessions.WithLabelValues(kind).Inc()
	}
}
