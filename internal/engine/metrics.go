package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	renewalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "certmgr_renewals_total",
		Help: "Completed renewals by trigger and result.",
	}, []string{"trigger", "result"})

	renewalDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "certmgr_renewal_duration_seconds",
		Help:    "Wall time of one renewal, queue wait excluded.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 600},
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "certmgr_renewal_queue_depth",
		Help: "Renewals waiting for a worker.",
	})
)
