package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Drop reasons
const (
	ReasonUnknownSubscription = "unknown_subscription"
	ReasonClientState         = "client_state_mismatch"
	ReasonIncompleteIdentity  = "incomplete_identity"
)

// Metrics holds the service's Prometheus collectors
type Metrics struct {
	registry *prometheus.Registry

	NotificationsReceived *prometheus.CounterVec
	NotificationsDropped  *prometheus.CounterVec
	ResourceFetchFailures prometheus.Counter
	DecryptFailures       prometheus.Counter
	TokenValidations      *prometheus.CounterVec
	Renewals              *prometheus.CounterVec
	EventsBroadcast       prometheus.Counter

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers the collectors on a fresh registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		NotificationsReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_notifications_received_total",
				Help: "Total number of change notifications received",
			},
			[]string{"endpoint", "kind"},
		),
		NotificationsDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_notifications_dropped_total",
				Help: "Total number of change notifications dropped before processing",
			},
			[]string{"reason"},
		),
		ResourceFetchFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "webhooks_resource_fetch_failures_total",
				Help: "Total number of failed Graph resource fetches",
			},
		),
		DecryptFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "webhooks_decrypt_failures_total",
				Help: "Total number of encrypted batches rejected during decryption",
			},
		),
		TokenValidations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_token_validations_total",
				Help: "Validation token checks by result",
			},
			[]string{"result"},
		),
		Renewals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webhooks_subscription_renewals_total",
				Help: "Subscription renewals by result",
			},
			[]string{"result"},
		),
		EventsBroadcast: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "webhooks_events_broadcast_total",
				Help: "Total number of display events sent to clients",
			},
		),
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
	}

	m.registry.MustRegister(
		m.NotificationsReceived,
		m.NotificationsDropped,
		m.ResourceFetchFailures,
		m.DecryptFailures,
		m.TokenValidations,
		m.Renewals,
		m.EventsBroadcast,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)
	return m
}

// Handler exposes the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
