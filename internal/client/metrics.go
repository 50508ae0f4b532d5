package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	columnsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_arrow_columns_total",
		Help: "Total number of Arrow columns passed through abs",
	}, []string{"dtype"})

	exchangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "longbow_abs_flight_exchanges_total",
		Help: "Total number of Flight exchanges by outcome",
	}, []string{"result"})

	breakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "longbow_abs_flight_breaker_state",
		Help: "Circuit breaker state of the Flight client (0 closed, 1 open, 2 half-open)",
	})
)
