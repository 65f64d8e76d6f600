// Package monitor exposes Prometheus metrics and turns drift and degraded
// writes into operator alerts.
package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	OrdersPlaced = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oakley_orders_placed_total",
		Help: "Market orders filled by the exchange",
	}, []string{"side"})
	OrdersFailed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oakley_orders_failed_total",
		Help: "Market orders the exchange rejected or that timed out",
	}, []string{"side"})
	PreconditionRejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oakley_precondition_rejections_total",
		Help: "Opens refused before contacting the exchange",
	}, []string{"rule"})
	TradesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oakley_trades_opened_total",
		Help: "Trades written OPEN to the ledger",
	})
	TradesClosed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oakley_trades_closed_total",
		Help: "Trades written CLOSED to the ledger",
	}, []string{"reason"})
	DegradedWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oakley_degraded_writes_total",
		Help: "Ledger writes deferred to the recovery queue after an exchange fill",
	}, []string{"kind"})
	RecoveryResolved = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oakley_recovery_resolved_total",
		Help: "Recovery items replayed into the ledger",
	})
	RecoveryPending = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oakley_recovery_pending",
		Help: "Recovery items still PENDING after the last list or retry",
	})
	LeaseContention = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oakley_lease_contention_total",
		Help: "Lease acquisitions refused because another holder is active",
	})
	ExitChecks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "oakley_exit_checks_total",
		Help: "Open positions evaluated by the exit enforcer, by outcome",
	}, []string{"outcome"})
	ReconcileIssues = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "oakley_reconcile_issues",
		Help: "Drift found by the last reconciliation, by kind",
	}, []string{"kind"})
	ExchangeLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "oakley_order_latency_seconds",
		Help:    "Round trip of market orders",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})
)

func init() {
	prometheus.MustRegister(
		OrdersPlaced,
		OrdersFailed,
		PreconditionRejections,
		TradesOpened,
		TradesClosed,
		DegradedWrites,
		RecoveryResolved,
		RecoveryPending,
		LeaseContention,
		ExitChecks,
		ReconcileIssues,
		ExchangeLatency,
	)
}
