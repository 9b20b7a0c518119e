package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Conductor metrics

	NodesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "symphony_nodes_connected",
			Help: "Number of nodes currently connected to the Conductor",
		},
	)

	DeploymentsAssigned = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_deployments_assigned",
			Help: "Number of deployments currently assigned to a node",
		},
		[]string{"node_id"},
	)

	SchedulerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_scheduler_ticks_total",
			Help: "Total number of completed scheduler loop iterations",
		},
	)

	SchedulerAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_scheduler_assignments_total",
			Help: "Total number of deployment-to-node assignments made",
		},
		[]string{"reason"},
	)

	SchedulingLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symphony_scheduling_latency_seconds",
			Help:    "Time to assign one unassigned deployment",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "symphony_nodes_evicted_total",
			Help: "Total number of nodes evicted by the staleness sweeper",
		},
	)

	LogSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "symphony_log_subscribers",
			Help: "Number of active log subscribers across all execs",
		},
	)

	// Node-side (supervisor) metrics

	ExecsByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "symphony_execs_by_status",
			Help: "Number of execs on this node by status",
		},
		[]string{"status"},
	)

	RestartsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_restarts_total",
			Help: "Total number of exec restarts, by reason",
		},
		[]string{"exec_id", "reason"},
	)

	RestartsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_restarts_suppressed_total",
			Help: "Total number of restarts suppressed by the rate limiter",
		},
		[]string{"exec_id"},
	)

	HealthCheckFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "symphony_health_check_failures_total",
			Help: "Total number of failed health checks, by exec",
		},
		[]string{"exec_id"},
	)

	SpawnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "symphony_spawn_duration_seconds",
			Help:    "Time to spawn a child process, including repo/env preparation",
			Buckets: prometheus.DefBuckets,
		},
	)
)

func init() {
	prometheus.MustRegister(
		NodesConnected,
		DeploymentsAssigned,
		SchedulerTicks,
		SchedulerAssignments,
		SchedulingLatency,
		NodesEvicted,
		LogSubscribers,
		ExecsByStatus,
		RestartsTotal,
		RestartsSuppressedTotal,
		HealthCheckFailuresTotal,
		SpawnDuration,
	)
}

// Handler returns the exposition handler for the ops HTTP endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
