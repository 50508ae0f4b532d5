package abs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	launchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_launches_total",
		Help: "Total number of abs kernel launches",
	}, []string{"kernel", "dtype", "result"})

	launchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "longbow_abs_launch_duration_seconds",
		Help:    "Wall time of abs kernel launches, validation included",
		Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
	}, []string{"kernel"})

	elementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_elements_total",
		Help: "Total number of elements processed by successful launches",
	}, []string{"dtype"})
)
