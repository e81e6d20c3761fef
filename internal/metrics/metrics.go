// Package metrics exposes Prometheus collectors for the coordination core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "tradecore"

// ============ consensus ============

// ProviderLatency - duration of one advisory provider call
var ProviderLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "provider_latency_seconds",
		Help:      "Duration of advisory provider calls",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 180},
	},
	[]string{"provider", "outcome"},
)

// ConsensusOutcomes - decisions by resulting action, or no_consensus
var ConsensusOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "consensus",
		Name:      "outcomes_total",
		Help:      "Consensus decisions by outcome",
	},
	[]string{"kind", "outcome"},
)

// ============ risk ============

// RiskDecisions - admitted and vetoed signals
var RiskDecisions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "decisions_total",
		Help:      "Risk controller admissions and vetoes by reason",
	},
	[]string{"result", "reason"},
)

// TrackedAlerts - current size of the tracked alert registry
var TrackedAlerts = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "tracked_alerts",
		Help:      "Number of tracked alerts",
	},
)

// AlertEvictions - evicted alerts by pass
var AlertEvictions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "risk",
		Name:      "alert_evictions_total",
		Help:      "Tracked alerts removed by eviction pass",
	},
	[]string{"pass"},
)

// ============ tracker ============

// ReconcileChanges - trackers corrected, removed or adopted
var ReconcileChanges = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "reconcile_changes_total",
		Help:      "Tracker changes made by reconciliation",
	},
	[]string{"change"},
)

// ReconcileFailures - exchange failures during reconciliation
var ReconcileFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "reconcile_failures_total",
		Help:      "Reconciliation passes aborted by exchange errors",
	},
)

// OpenPositions - tracked open positions
var OpenPositions = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tracker",
		Name:      "open_positions",
		Help:      "Number of tracked open positions",
	},
)

// ============ lease ============

// LeaseAttempts - lease acquisition results
var LeaseAttempts = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "lease",
		Name:      "attempts_total",
		Help:      "Trading lease acquisition attempts by result",
	},
	[]string{"operation", "result"},
)

// ============ coordinator ============

// OrdersPlaced - orders accepted by the exchange
var OrdersPlaced = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "orders_total",
		Help:      "Orders accepted by the exchange by kind",
	},
	[]string{"kind"},
)

// ProtectionFailures - stop-loss or take-profit attachments that failed
var ProtectionFailures = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "protection_failures_total",
		Help:      "Failed protective order attachments",
	},
	[]string{"kind"},
)

// CancelFailures - failed order cancellations
var CancelFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "cancel_failures_total",
		Help:      "Failed order cancellations",
	},
)

// LedgerFailures - trade ledger writes that failed
var LedgerFailures = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "coordinator",
		Name:      "ledger_failures_total",
		Help:      "Trade ledger writes that failed",
	},
)
