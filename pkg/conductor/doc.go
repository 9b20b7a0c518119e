/*
Package conductor implements the central control-plane half of a Symphony
deployment: the single process every Node dials into over the bidirectional
Connect stream.

# Components

NodeRegistry holds one record per connected node, split into a static half
(set once at hello) and a dynamic half (replaced wholesale on every
heartbeat). CombinedSnapshot merges the two for anything that needs a single
presentation view, matching GPUs by index and mounts by mount point.

AssignmentRegistry is the exec_id <-> node_id binding table. It is populated
from deployment_status_list envelopes and cleared on node disconnect.

ConductorService owns the live streams themselves: one bounded outbound
queue per node, demultiplexing of inbound envelopes into the two registries
above, and log-subscriber fanout with enable/disable requests sent to the
owning node on first-subscribe/last-unsubscribe.

Scheduler runs the periodic staleness sweep and capacity-aware assignment
pass described in the node-selection algorithm: deployments with no
capacity_requests go to any connected node; deployments that request
capacities go only to nodes with sufficient headroom, with ties broken at
random rather than round-robin.

DeploymentStore and CondaEnvSpecStore are the seams onto whatever durable
store a deployed cluster uses; InMemoryDeploymentStore and
InMemoryCondaEnvSpecStore are non-durable adapters good enough to link and
run the conductor binary standalone.
*/
package conductor
