package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tilesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_pipeline_tiles_total",
		Help: "Total number of tiles streamed through the pipeline",
	}, []string{"stages"})

	// Time a unit spends blocked on a transfer. Small values mean the
	// pipeline is hiding transfer latency behind compute.
	waitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_abs_pipeline_wait_seconds",
		Help:    "Time a unit spends blocked waiting for a transfer",
		Buckets: []float64{0.000001, 0.00001, 0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05, 0.1},
	}, []string{"phase"})
)
