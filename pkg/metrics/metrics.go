// Package metrics exposes pool state to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FreeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "phppool",
		Name:      "free_workers",
		Help:      "workers ready for reservation",
	})
	ReservedWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "phppool",
		Name:      "reserved_workers",
		Help:      "workers currently leased to a reservation",
	})
	WaitingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "phppool",
		Name:      "waiting_requests",
		Help:      "reservation requests queued behind a full pool",
	})
	Evaluations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "phppool",
		Name:      "evaluations_total",
		Help:      "evaluations dispatched to workers",
	})
	WorkerRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "phppool",
		Name:      "worker_respawns_total",
		Help:      "interpreter subprocess spawns, including the initial ones",
	})
	RollingRestarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "phppool",
		Name:      "rolling_restarts_total",
		Help:      "completed rolling restart operations",
	})
)
