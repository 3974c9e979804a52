// Package metrics holds the prometheus collectors of the sync engine.
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups every collector. Create one per process with New.
type Metrics struct {
	registry *prometheus.Registry

	ActiveSubscriptions  *prometheus.GaugeVec
	SubscriptionFailures *prometheus.CounterVec
	SubscriptionRetries  *prometheus.CounterVec
	EventsApplied        *prometheus.CounterVec
	EventsDropped        *prometheus.CounterVec
	StaleResponses       *prometheus.CounterVec
	Sessions             prometheus.Gauge
	BlobHandles          prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ActiveSubscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "helpdesk",
			Name:      "subscriptions_active",
			Help:      "Live scoped stream handles by scope kind.",
		}, []string{"scope"}),
		SubscriptionFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "subscription_failures_total",
			Help:      "Stream failures by scope kind and error class.",
		}, []string{"scope", "class"}),
		SubscriptionRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "subscription_retries_total",
			Help:      "Retry attempts by scope kind.",
		}, []string{"scope"}),
		EventsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "events_applied_total",
			Help:      "Change events applied to a store.",
		}, []string{"store", "table", "kind"}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "events_dropped_total",
			Help:      "Change events that matched nothing loaded.",
		}, []string{"store", "table"}),
		StaleResponses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "helpdesk",
			Name:      "stale_responses_total",
			Help:      "Fetch results discarded because the selection moved on.",
		}, []string{"store"}),
		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helpdesk",
			Name:      "sessions_active",
			Help:      "Open agent sessions.",
		}),
		BlobHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "helpdesk",
			Name:      "blob_handles",
			Help:      "Minted inline attachment handles not yet released.",
		}),
	}
	m.registry.MustRegister(
		m.ActiveSubscriptions,
		m.SubscriptionFailures,
		m.SubscriptionRetries,
		m.EventsApplied,
		m.EventsDropped,
		m.StaleResponses,
		m.Sessions,
		m.BlobHandles,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SubscriptionOpened(scope string) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.With(prometheus.Labels{"scope": scope}).Inc()
}

func (m *Metrics) SubscriptionClosed(scope string) {
	if m == nil {
		return
	}
	m.ActiveSubscriptions.With(prometheus.Labels{"scope": scope}).Dec()
}

func (m *Metrics) SubscriptionFailed(scope, class string) {
	if m == nil {
		return
	}
	m.SubscriptionFailures.With(prometheus.Labels{"scope": scope, "class": class}).Inc()
}

func (m *Metrics) SubscriptionRetried(scope string) {
	if m == nil {
		return
	}
	m.SubscriptionRetries.With(prometheus.Labels{"scope": scope}).Inc()
}

func (m *Metrics) EventApplied(store, table, kind string) {
	if m == nil {
		return
	}
	m.EventsApplied.With(prometheus.Labels{"store": store, "table": table, "kind": kind}).Inc()
}

func (m *Metrics) EventDropped(store, table string) {
	if m == nil {
		return
	}
	m.EventsDropped.With(prometheus.Labels{"store": store, "table": table}).Inc()
}

func (m *Metrics) StaleResponse(store string) {
	if m == nil {
		return
	}
	m.StaleResponses.With(prometheus.Labels{"store": store}).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.Sessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.Sessions.Dec()
}

func (m *Metrics) BlobsMinted(n int) {
	if m == nil {
		return
	}
	m.BlobHandles.Add(float64(n))
}

func (m *Metrics) BlobsReleased(n int) {
	if m == nil {
		return
	}
	m.BlobHandles.Sub(float64(n))
}
