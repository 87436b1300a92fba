// Package metrics provides Prometheus metrics for the relay
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay. Each instance owns its
// registry so several can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	TurnsTotal    *prometheus.CounterVec
	TurnDuration  *prometheus.HistogramVec
	TurnsInFlight prometheus.Gauge

	ProviderCallsTotal     *prometheus.CounterVec
	ProviderCallDuration   *prometheus.HistogramVec
	RunTerminalStatusTotal *prometheus.CounterVec

	StoreOperationsTotal   *prometheus.CounterVec
	StoreOperationDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all relay metrics
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{registry: reg}

	m.TurnsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_turns_total",
			Help: "Total number of handled turns",
		},
		[]string{"strategy", "kind", "outcome"},
	)

	m.TurnDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_turn_duration_seconds",
			Help:    "Duration of handled turns in seconds",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"strategy", "kind"},
	)

	m.TurnsInFlight = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_turns_in_flight",
			Help: "Number of turns currently being processed",
		},
	)

	m.ProviderCallsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_provider_calls_total",
			Help: "Total number of remote provider calls",
		},
		[]string{"operation", "status"},
	)

	m.ProviderCallDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_provider_call_duration_seconds",
			Help:    "Duration of remote provider calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	m.RunTerminalStatusTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_run_terminal_status_total",
			Help: "Assistant runs by terminal status",
		},
		[]string{"status"},
	)

	m.StoreOperationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_store_operations_total",
			Help: "Total number of persistence store operations",
		},
		[]string{"table", "operation", "status"},
	)

	m.StoreOperationDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_store_operation_duration_seconds",
			Help:    "Duration of persistence store operations in seconds",
			Buckets: []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"table", "operation"},
	)

	return m
}

func status(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordTurn records a finished turn with its outcome
func (m *Metrics) RecordTurn(strategy, kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.TurnsTotal.WithLabelValues(strategy, kind, outcome).Inc()
	m.TurnDuration.WithLabelValues(strategy, kind).Observe(duration.Seconds())
}

// RecordProviderCall records one remote provider call
func (m *Metrics) RecordProviderCall(operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.ProviderCallsTotal.WithLabelValues(operation, status(err)).Inc()
	m.ProviderCallDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordRunStatus records the terminal status of an assistant run
func (m *Metrics) RecordRunStatus(runStatus string) {
	if m == nil {
		return
	}
	m.RunTerminalStatusTotal.WithLabelValues(runStatus).Inc()
}

// RecordStoreOperation records a persistence store operation
func (m *Metrics) RecordStoreOperation(table, operation string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.StoreOperationsTotal.WithLabelValues(table, operation, status(err)).Inc()
	m.StoreOperationDuration.WithLabelValues(table, operation).Observe(duration.Seconds())
}

// TurnStarted increments the in-flight gauge and returns a func that
// decrements it.
func (m *Metrics) TurnStarted() func() {
	if m == nil {
		return func() {}
	}
	m.TurnsInFlight.Inc()
	return m.TurnsInFlight.Dec
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
