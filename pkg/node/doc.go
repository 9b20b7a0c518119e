/*
Package node implements the agent half of Symphony: everything that runs on
a workload host.

NodeAgent owns the Connect stream. It reconnects forever with jittered
exponential backoff, announces the host with a hello built from the first
warmed-up resource sample, then settles into a heartbeat cadence that also
carries deployment status and any subscribed log batches. Inbound commands
from the Conductor (deployment_req, deployment_update,
deployment_logs_request, conda_env_ensure) are dispatched into the
supervisor and the environment manager.

RunnerExec is the supervisor. Each deployment gets one ExecRuntime: a small
state machine (STARTING, RUNNING, STOPPING, STOPPED, CRASHED, EXITED)
guarded by its own lock, at most one live child process at a time, a bounded
log ring buffer fed by stdout/stderr pumps, a sliding-window restart rate
limit, an optional exec health probe, and an optional cron-scheduled
restart. Long-lived subtasks run under a restart-on-crash wrapper
(supervise.go) so a failed pump never orphans the child.

RepoFetcher and CondaEnvManager shell out to git and the conda binary;
neither tool is linked as a library. ProcSampler reads procfs for the
heartbeat's dynamic resource view.
*/
package node
