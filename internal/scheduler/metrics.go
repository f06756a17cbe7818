package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	checksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pulsar_checks_total",
		Help: "Completed checks by verdict.",
	}, []string{"status"})

	checkDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pulsar_check_duration_seconds",
		Help:    "Probe duration from request start to terminal outcome.",
		Buckets: prometheus.DefBuckets,
	})

	checksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsar_checks_in_flight",
		Help: "Checks currently executing.",
	})

	queueSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pulsar_scheduler_queue_size",
		Help: "Endpoints with a pending due entry.",
	})
)
