package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TicksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tradeops_ticks_total", Help: "Orchestrator ticks processed"},
	)
	TickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "tradeops_tick_duration_seconds", Help: "Wall time of one orchestrator tick", Buckets: prometheus.DefBuckets},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeops_orders_total", Help: "Orders submitted"},
		[]string{"symbol", "side", "type"},
	)
	OrderFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeops_order_failures_total", Help: "Order placement or cancellation failures"},
		[]string{"symbol", "stage"},
	)
	Liquidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeops_liquidations_total", Help: "Liquidation attempts"},
		[]string{"symbol", "reason"},
	)
	OperationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradeops_operations_active", Help: "Active operations"},
	)
	OperationsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeops_operations_created_total", Help: "Operations admitted"},
		[]string{"symbol"},
	)
	OperationsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeops_operations_closed_total", Help: "Operations finalized"},
		[]string{"symbol"},
	)
	UnmatchedTrades = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "tradeops_unmatched_trades_total", Help: "Trades not correlated to any operation"},
	)
	RiskTriggers = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "tradeops_risk_triggers_total", Help: "Operations handed over to the risk manager"},
		[]string{"symbol", "kind"},
	)
	DailyLoss = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "tradeops_daily_loss_ratio", Help: "Equity change since the start of the trading day"},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal, TickDuration, OrdersTotal, OrderFailures, Liquidations,
		OperationsActive, OperationsCreated, OperationsClosed, UnmatchedTrades, RiskTriggers, DailyLoss,
	)
}

// Handler 返回 Prometheus 抓取接口。
func Handler() http.Handler {
	return promhttp.Handler()
}
