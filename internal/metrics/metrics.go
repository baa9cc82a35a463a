// Package metrics provides Prometheus metrics for the guard daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the daemon.
type Metrics struct {
	TransitionsTotal   *prometheus.CounterVec
	GuardState         *prometheus.GaugeVec
	ActionsTotal       *prometheus.CounterVec
	SettingsFetchTotal *prometheus.CounterVec
	SignalsTotal       *prometheus.CounterVec
	CountdownRemaining prometheus.Gauge
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	EventClients       prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		TransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idleguard_transitions_total",
				Help: "Guard state transitions by event, source and target state.",
			},
			[]string{"event", "from", "to"},
		),
		GuardState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "idleguard_state",
				Help: "1 for the guard's current state, 0 for every other state.",
			},
			[]string{"state"},
		),
		ActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idleguard_actions_total",
				Help: "Terminal actions dispatched by action and result.",
			},
			[]string{"action", "result"},
		),
		SettingsFetchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idleguard_settings_fetch_total",
				Help: "Settings fetches at attach time by result.",
			},
			[]string{"result"},
		),
		SignalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idleguard_signals_total",
				Help: "Activity and focus signals received by kind.",
			},
			[]string{"kind"},
		),
		CountdownRemaining: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idleguard_countdown_remaining_seconds",
				Help: "Seconds left on the warning countdown.",
			},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "idleguard_requests_total",
				Help: "API requests by endpoint and status code.",
			},
			[]string{"endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "idleguard_request_duration_seconds",
				Help:    "API request duration by endpoint.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"endpoint"},
		),
		EventClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "idleguard_event_clients",
				Help: "Connected event stream clients.",
			},
		),
		registry: reg,
	}

	reg.MustRegister(m.TransitionsTotal)
	reg.MustRegister(m.GuardState)
	reg.MustRegister(m.ActionsTotal)
	reg.MustRegister(m.SettingsFetchTotal)
	reg.MustRegister(m.SignalsTotal)
	reg.MustRegister(m.CountdownRemaining)
	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.EventClients)

	return m
}

// Handler returns an http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordTransition counts a transition and moves the state gauge.
func (m *Metrics) RecordTransition(event, from, to string) {
	m.TransitionsTotal.WithLabelValues(event, from, to).Inc()
	m.GuardState.WithLabelValues(from).Set(0)
	m.GuardState.WithLabelValues(to).Set(1)
}

// SetState marks state as current without counting a transition.
func (m *Metrics) SetState(state string, all []string) {
	for _, s := range all {
		m.GuardState.WithLabelValues(s).Set(0)
	}
	m.GuardState.WithLabelValues(state).Set(1)
}

// RecordAction counts a dispatched terminal action.
func (m *Metrics) RecordAction(action, result string) {
	m.ActionsTotal.WithLabelValues(action, result).Inc()
}

// RecordFetch counts a settings fetch outcome: ok, empty or error.
func (m *Metrics) RecordFetch(result string) {
	m.SettingsFetchTotal.WithLabelValues(result).Inc()
}

// RecordSignal counts one received signal.
func (m *Metrics) RecordSignal(kind string) {
	m.SignalsTotal.WithLabelValues(kind).Inc()
}

// SetCountdown sets the remaining-seconds gauge.
func (m *Metrics) SetCountdown(seconds int) {
	m.CountdownRemaining.Set(float64(seconds))
}

// RecordRequest increments the request counter.
func (m *Metrics) RecordRequest(endpoint, status string) {
	m.RequestsTotal.WithLabelValues(endpoint, status).Inc()
}

// ObserveDuration records request duration.
func (m *Metrics) ObserveDuration(endpoint string, seconds float64) {
	m.RequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

// ClientConnected and ClientDisconnected track event stream clients.
func (m *Metrics) ClientConnected()    { m.EventClients.Inc() }
func (m *Metrics) ClientDisconnected() { m.EventClients.Dec() }
