package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	transfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_transfers_total",
		Help: "Total number of completed transfers between global and scratch memory",
	}, []string{"direction"})

	transferBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_transfer_bytes_total",
		Help: "Total number of bytes moved between global and scratch memory",
	}, []string{"direction"})

	transferErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_transfer_errors_total",
		Help: "Total number of transfers that failed",
	}, []string{"direction"})

	transfersInflight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_abs_transfers_inflight",
		Help: "Transfers issued but not yet complete",
	})

	scratchHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_abs_scratch_pool_hits_total",
		Help: "Total number of scratch arenas reused from the pool",
	})

	scratchMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "longbow_abs_scratch_pool_misses_total",
		Help: "Total number of scratch arenas allocated because the pool was empty",
	})
)
