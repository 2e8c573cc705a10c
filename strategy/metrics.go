package strategy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var klinesCompletedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_strategy_klines_total",
	Help: "counter of completed klines fed to the strategy engine",
})

var signalsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradegate_strategy_signals_total",
	Help: "counter of strategy signals, by action",
}, []string{"action"})

var ordersCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradegate_strategy_orders_total",
	Help: "counter of orders submitted by the strategy, by action and reply status",
}, []string{"action", "status"})

var haltedGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tradegate_strategy_halted",
	Help: "whether the risk manager has halted trading (1 halted)",
})
