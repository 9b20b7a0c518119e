/*
Package metrics provides Prometheus metrics collection and exposition for
Symphony's Conductor and Node processes.

Metrics are registered at package init against the default Prometheus
registry and exposed via Handler() for scraping.

# Conductor metrics

  - symphony_nodes_connected: current fleet size.
  - symphony_deployments_assigned{node_id}: assignment count per node.
  - symphony_scheduler_ticks_total / symphony_scheduler_assignments_total{reason}
  - symphony_scheduling_latency_seconds
  - symphony_nodes_evicted_total: staleness sweeper evictions.
  - symphony_log_subscribers: active log stream subscriptions.

# Node metrics

  - symphony_execs_by_status{status}
  - symphony_restarts_total{exec_id,reason}
  - symphony_restarts_suppressed_total{exec_id}: rate-limit hits.
  - symphony_health_check_failures_total{exec_id}
  - symphony_spawn_duration_seconds

# Usage

	timer := prometheus.NewTimer(metrics.SchedulingLatency)
	// ... do work ...
	timer.ObserveDuration()
*/
package metrics
