package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var requestsStartedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradegate_worker_requests_started_total",
	Help: "counter of trading commands consumed from the request queue",
}, []string{"command"})

var requestsHandledCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradegate_worker_requests_handled_total",
	Help: "counter of trading commands replied to, by command and reply status",
}, []string{"command", "status"})

var handlerLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "tradegate_worker_handler_seconds",
	Help: "histogram of handler latency, by command",
}, []string{"command"})

var queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tradegate_worker_queue_depth",
	Help: "pending requests on the trading queue",
})

var sessionStateGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "tradegate_worker_session_state",
	Help: "current upstream session state (0 starting, 1 ready, 2 reconnecting, 3 degraded)",
}, []string{"mode"})

var reconnectsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_worker_session_heals_total",
	Help: "counter of upstream session heal cycles",
})

var activeSubscriptionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tradegate_worker_quote_subscriptions",
	Help: "distinct symbols subscribed upstream",
})

var quotesPublishedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradegate_worker_quotes_published_total",
	Help: "counter of normalized quotes published to the bus, by quote type",
}, []string{"type"})

var quotesDroppedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_worker_quotes_dropped_total",
	Help: "counter of quote callbacks dropped for want of a bound alias",
})

var quotesOverflowCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_worker_quote_buffer_overflow_total",
	Help: "counter of quotes dropped because the publish bridge was full",
})
