// Package metrics provides Prometheus metrics for the medication
// order engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics
type Metrics struct {
	OrdersCreated   prometheus.Counter
	OrdersActivated prometheus.Counter
	OrdersCancelled prometheus.Counter
	OrdersRejected  prometheus.Counter

	SafetyChecks     *prometheus.CounterVec
	SafetyGateBlocks prometheus.Counter
	OverridesApplied prometheus.Counter
	CheckDuration    prometheus.Histogram

	Transmissions     *prometheus.CounterVec
	FillStatusUpdates prometheus.Counter

	Administrations    *prometheus.CounterVec
	FiveRightsFailures prometheus.Counter
	AdverseReactions   *prometheus.CounterVec

	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates and registers all metrics
func New() *Metrics {
	m := &Metrics{
		OrdersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_orders_created_total",
			Help: "Total medication orders created",
		}),
		OrdersActivated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_orders_activated_total",
			Help: "Total orders activated by pharmacist approval",
		}),
		OrdersCancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_orders_cancelled_total",
			Help: "Total orders cancelled",
		}),
		OrdersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_orders_rejected_total",
			Help: "Total orders rejected in pharmacist review",
		}),
		SafetyChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medorder_safety_checks_total",
			Help: "Safety check outcomes by overall risk",
		}, []string{"risk"}),
		SafetyGateBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_safety_gate_blocks_total",
			Help: "Orders blocked by unresolved critical warnings",
		}),
		OverridesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_overrides_applied_total",
			Help: "Critical warning overrides applied",
		}),
		CheckDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "medorder_safety_check_duration_seconds",
			Help:    "Safety check duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		Transmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medorder_transmissions_total",
			Help: "Prescription transmission attempts by outcome",
		}, []string{"outcome"}),
		FillStatusUpdates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_fill_status_updates_total",
			Help: "Fill status updates received from pharmacies",
		}),
		Administrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medorder_administrations_total",
			Help: "Dose administration records by status",
		}, []string{"status"}),
		FiveRightsFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "medorder_five_rights_failures_total",
			Help: "Five-rights verification failures",
		}),
		AdverseReactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "medorder_adverse_reactions_total",
			Help: "Adverse reactions recorded by severity",
		}, []string{"severity"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "medorder_outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "medorder_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
	}

	prometheus.MustRegister(
		m.OrdersCreated,
		m.OrdersActivated,
		m.OrdersCancelled,
		m.OrdersRejected,
		m.SafetyChecks,
		m.SafetyGateBlocks,
		m.OverridesApplied,
		m.CheckDuration,
		m.Transmissions,
		m.FillStatusUpdates,
		m.Administrations,
		m.FiveRightsFailures,
		m.AdverseReactions,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
