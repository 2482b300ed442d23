// Package metrics holds the prometheus collectors shared across the bot.
// Everything is registered on the default registry and served by the HTTP
// surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/quantrove/upbot/risk"
)

var (
	OrdersAttempted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_orders_attempted_total", Help: "Orders the bot tried to place"})
	OrdersPlaced = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_orders_placed_total", Help: "Orders successfully handed to the exchange"})
	OrdersFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_orders_failed_total", Help: "Orders that failed after retries"})
	DuplicatesSuppressed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_duplicate_intents_suppressed_total", Help: "Intents suppressed by idempotency-key match"})

	BarsProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_bars_processed_total", Help: "Completed bars consumed by the control loop"})
	BarsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_bars_dropped_total", Help: "Duplicate or out-of-order bars ignored"})
	LoopDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "bot_loop_duration_seconds",
		Help:    "Per-bar control loop processing time",
		Buckets: prometheus.DefBuckets,
	})

	HaltGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_halt_state", Help: "0=running 1=daily 2=weekly 3=kill_switch"})
	RealizedRDay = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_realized_r_today", Help: "Realized R multiple for the current day"})
	RealizedRWeek = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_realized_r_week", Help: "Realized R multiple for the current week"})
	EquityGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_equity_quote", Help: "Last observed account equity in quote currency"})
	LastPrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "bot_last_trade_price", Help: "Last trade price from the ticker stream"})

	ReconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_reconcile_runs_total", Help: "Reconciliation passes against the exchange"})
	ReconcileDivergences = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "bot_reconcile_divergences_total", Help: "Local/exchange state divergences detected"})
)

func init() {
	prometheus.MustRegister(
		OrdersAttempted, OrdersPlaced, OrdersFailed, DuplicatesSuppressed,
		BarsProcessed, BarsDropped, LoopDuration,
		HaltGauge, RealizedRDay, RealizedRWeek, EquityGauge, LastPrice,
		ReconcileRuns, ReconcileDivergences,
	)
}

// SetHalt maps a halt state onto the halt gauge.
func SetHalt(h risk.HaltState) {
	switch h {
	case risk.Running:
		HaltGauge.Set(0)
	case risk.HaltedDailyLimit:
		HaltGauge.Set(1)
	case risk.HaltedWeekly:
		HaltGauge.Set(2)
	case risk.HaltedKillSwitch:
		HaltGauge.Set(3)
	}
}
