package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var connectedClientsGauge = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "tradegate_hub_clients",
	Help: "gauge of connected websocket clients",
})

var framesSentCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "tradegate_hub_frames_sent_total",
	Help: "counter of frames written to websocket clients",
}, []string{"type"})

var slowClientsCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_hub_slow_clients_total",
	Help: "counter of clients closed for falling behind",
})
