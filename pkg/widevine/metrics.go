package widevine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "keyfeed",
			Subsystem: "widevine",
			Name:      "fetches_total",
			Help:      "Key service exchanges, by outcome (success, transient, fatal).",
		}, []string{"outcome"})

	metricPeriodsProduced = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "keyfeed",
			Subsystem: "widevine",
			Name:      "crypto_periods_produced_total",
			Help:      "Crypto period batches pushed to the lookahead queue.",
		})

	metricQueueHead = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "keyfeed",
			Subsystem: "widevine",
			Name:      "queue_head_position",
			Help:      "Most recently served crypto period index.",
		})
)
