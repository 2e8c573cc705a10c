package store

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var quotesStoredCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_store_quotes_written_total",
	Help: "counter of quote rows batch-written to quote_history",
})

var quotesLostCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_store_quotes_lost_total",
	Help: "counter of quote rows dropped after exhausting write retries",
})

var auditWriteFailuresCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "tradegate_store_audit_write_failures_total",
	Help: "counter of failed order_history inserts and updates",
})
