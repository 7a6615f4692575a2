// Package metrics exposes the engine's Prometheus collectors:
//
//	engine_ticks_total               – completed orchestrator ticks
//	engine_tick_errors_total         – ticks aborted by an error
//	engine_orders_total{side,mode}   – orders placed (mode: live|dry_run)
//	engine_buys_blocked_total{reason} – buys denied by the risk gate
//	engine_is_leader                 – 1 while this instance holds the lock
//	engine_owned_qty                 – shares the strategy believes it owns
//	engine_last_close_price          – close of the last processed bar
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_total",
		Help: "Completed orchestrator ticks",
	})

	TickErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_tick_errors_total",
		Help: "Ticks aborted by an error",
	})

	OrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_orders_total",
		Help: "Orders placed",
	}, []string{"side", "mode"})

	BuysBlockedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_buys_blocked_total",
		Help: "Buys denied by the risk gate",
	}, []string{"reason"})

	IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_is_leader",
		Help: "1 while this instance holds the leader lock",
	})

	OwnedQty = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_owned_qty",
		Help: "Shares the strategy believes it owns",
	})

	LastClosePrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_last_close_price",
		Help: "Close of the last processed bar",
	})
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TickErrorsTotal,
		OrdersTotal,
		BuysBlockedTotal,
		IsLeader,
		OwnedQty,
		LastClosePrice,
	)
}

// Handler serves the collectors in Prometheus text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
