package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReadingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shorecast_readings_dropped_total",
			Help: "Source readings dropped for failing plausibility checks",
		},
		[]string{"source", "flag"},
	)

	EventsFused = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shorecast_events_fused_total",
			Help: "Total swell events produced by fusion",
		},
	)

	ValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shorecast_validations_total",
			Help: "Prediction validation outcomes",
		},
		[]string{"result"},
	)

	StoreWriteRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shorecast_store_write_retries_total",
			Help: "Store writes retried after a transient busy error",
		},
	)
)
