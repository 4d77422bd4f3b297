package refstore

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	transactionsTotal  *prometheus.CounterVec
	transactionLatency prometheus.Histogram
	maintenanceTotal   *prometheus.CounterVec
}

func newMetrics() *metrics {
	return &metrics{
		transactionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refstore_transactions_total",
				Help: "Counter of reference transactions by their result",
			},
			[]string{"result"},
		),
		transactionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "refstore_transaction_latency_seconds",
				Help:    "Latency of committed reference transactions",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
			},
		),
		maintenanceTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "refstore_maintenance_total",
				Help: "Counter of maintenance tasks by task and result",
			},
			[]string{"task", "result"},
		),
	}
}

// Describe describes all metrics exposed by the store.
func (s *Store) Describe(descs chan<- *prometheus.Desc) {
	prometheus.DescribeByCollect(s, descs)
}

// Collect collects all metrics exposed by the store.
func (s *Store) Collect(metrics chan<- prometheus.Metric) {
	s.metrics.transactionsTotal.Collect(metrics)
	s.metrics.transactionLatency.Collect(metrics)
	s.metrics.maintenanceTotal.Collect(metrics)
}
