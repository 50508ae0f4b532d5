package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	planHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_abs_plan_cache_hits_total",
		Help: "Total number of tile plans served from the cache",
	})

	planMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_abs_plan_cache_misses_total",
		Help: "Total number of tile plans computed on demand",
	})
)
