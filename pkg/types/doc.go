/*
Package types defines the core data structures shared by the Conductor and
Node halves of Symphony.

This package contains the domain model described by the node registry, the
assignment registry and the per-node process supervisor: node records (their
static and dynamic resource views), deployment records, assignment records,
and exec runtime state. These types are used by pkg/transport for wire
envelopes, by pkg/conductor for the registries and scheduler, and by
pkg/node for the supervisor.

# Core Types

Node Topology:
  - NodeRecord: a connected node, its static hardware description and its
    latest dynamic (heartbeat) resource usage.
  - NodeStatic / NodeDynamic: the two halves merged into CombinedSnapshot.

Deployments:
  - DeploymentRecord: a declarative workload spec read from the external
    deployment store.
  - DeploymentSpec: the parsed `specification.spec` the supervisor acts on.

Assignments:
  - AssignmentRecord: the (exec_id, node_id) binding plus last-known status.

Supervisor:
  - ExecStatus / DesiredState / RestartPolicyType: the exec state machine
    vocabulary used by pkg/node.
  - LogLine / RestartEvent: the bounded per-exec history kept by the
    supervisor.
*/
package types
