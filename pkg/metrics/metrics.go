package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Reconciliation metrics
	ReconcileCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_reconcile_cycles_total",
			Help: "Total number of orchestrator reconciliation cycles by family",
		},
		[]string{"family"},
	)

	ReconcileDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_reconcile_duration_seconds",
			Help:    "Orchestrator reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"family"},
	)

	TargetsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "genesis_targets_total",
			Help: "Total number of targets by kind and status",
		},
		[]string{"kind", "status"},
	)

	// Agent metrics
	DriverOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_driver_operations_total",
			Help: "Total number of capability driver operations by driver, op and outcome",
		},
		[]string{"driver", "op", "outcome"},
	)

	DriverOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "genesis_driver_operation_duration_seconds",
			Help:    "Capability driver operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"driver", "op"},
	)

	// Scheduler metrics
	TargetsScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_targets_scheduled_total",
			Help: "Total number of targets assigned to agents",
		},
	)

	SchedulingFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "genesis_scheduling_failures_total",
			Help: "Total number of targets with no eligible agent",
		},
	)

	// Event bus metrics
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_events_dispatched_total",
			Help: "Total number of outbox events dispatched by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "genesis_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(ReconcileCyclesTotal)
	prometheus.MustRegister(ReconcileDuration)
	prometheus.MustRegister(TargetsByStatus)
	prometheus.MustRegister(DriverOpsTotal)
	prometheus.MustRegister(DriverOpDuration)
	prometheus.MustRegister(TargetsScheduled)
	prometheus.MustRegister(SchedulingFailures)
	prometheus.MustRegister(EventsDispatched)
	prometheus.MustRegister(APIRequestsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
