package transport

import "github.com/cuemby/symphony/pkg/types"

// NodeMessage is the tagged union of every envelope a Node sends to the
// Conductor over the Connect stream. Exactly one field is non-nil; the
// codec marshals whichever one is set so the wire format stays
// self-describing without a protoc-generated oneof.
type NodeMessage struct {
	Hello                *NodeHello            `json:"hello,omitempty"`
	Heartbeat            *Heartbeat            `json:"heartbeat,omitempty"`
	DeploymentStatusList *DeploymentStatusList `json:"deployment_status_list,omitempty"`
	DeploymentLogs       *DeploymentLogs       `json:"deployment_logs,omitempty"`
	CondaEnvReport       *CondaEnvReport       `json:"conda_env_report,omitempty"`
}

// ConductorMessage is the tagged union of every envelope the Conductor sends
// to a Node.
type ConductorMessage struct {
	Ack                   *Ack                   `json:"ack,omitempty"`
	DeploymentReq         *DeploymentReq         `json:"deployment_req,omitempty"`
	DeploymentUpdate      *DeploymentUpdate      `json:"deployment_update,omitempty"`
	DeploymentLogsRequest *DeploymentLogsRequest `json:"deployment_logs_request,omitempty"`
	CondaEnvEnsure        *CondaEnvEnsure        `json:"conda_env_ensure,omitempty"`
}

// NodeHello is the first message a Node must send on a fresh connection;
// any other first message is a protocol violation.
type NodeHello struct {
	NodeID          string            `json:"node_id"`
	Hostname        string            `json:"hostname"`
	Groups          []string          `json:"groups"`
	CapacitiesTotal map[string]uint64 `json:"capacities_total"`
	CPU             HelloCPU          `json:"cpu"`
	Memory          HelloMemory       `json:"memory"`
	StorageMounts   []HelloMount      `json:"storage_mounts"`
	GPUs            []HelloGPU        `json:"gpus"`
}

type HelloCPU struct {
	LogicalCores       int   `json:"logical_cores"`
	MaxMillicoresTotal int64 `json:"max_millicores_total"`
}

type HelloMemory struct {
	TotalBytes uint64 `json:"total_bytes"`
}

type HelloMount struct {
	MountPoint string `json:"mount_point"`
	FsType     string `json:"fs_type"`
	TotalBytes uint64 `json:"total_bytes"`
}

type HelloGPU struct {
	Index         int    `json:"index"`
	Name          string `json:"name"`
	MemTotalBytes uint64 `json:"mem_total_bytes"`
}

// Heartbeat carries the dynamic resource view, sent once per heartbeat
// interval (default 3s).
type Heartbeat struct {
	NodeID              string            `json:"node_id"`
	TimestampUnixMs     int64             `json:"timestamp_unix_ms"`
	TotalCapacitiesUsed map[string]uint64 `json:"total_capacities_used"`
	CPU                 HeartbeatCPU      `json:"cpu"`
	Memory              HeartbeatMemory   `json:"memory"`
	StorageMounts       []HeartbeatMount  `json:"storage_mounts"`
	GPUs                []HeartbeatGPU    `json:"gpus"`
}

type HeartbeatCPU struct {
	TotalPercent float64            `json:"total_percent"`
	PerCore      []HeartbeatCPUCore `json:"per_core"`
}

type HeartbeatCPUCore struct {
	CoreID      int     `json:"core_id"`
	UsedPercent float64 `json:"used_percent"`
}

type HeartbeatMemory struct {
	UsedBytes      uint64  `json:"used_bytes"`
	AvailableBytes uint64  `json:"available_bytes"`
	UsedPercent    float64 `json:"used_percent"`
	FreeBytes      uint64  `json:"free_bytes"`
	BuffersBytes   uint64  `json:"buffers_bytes"`
	CachedBytes    uint64  `json:"cached_bytes"`
}

type HeartbeatMount struct {
	MountPoint  string  `json:"mount_point"`
	UsedBytes   uint64  `json:"used_bytes"`
	AvailBytes  uint64  `json:"available_bytes"`
	UsedPercent float64 `json:"used_percent"`
}

type HeartbeatGPU struct {
	Index          int     `json:"index"`
	UtilPercent    float64 `json:"util_percent"`
	MemUtilPercent float64 `json:"mem_util_percent"`
	MemUsedBytes   uint64  `json:"mem_used_bytes"`
	MemFreeBytes   uint64  `json:"mem_free_bytes"`
	TemperatureC   float64 `json:"temperature_c"`
	PowerW         float64 `json:"power_w"`
}

// DeploymentStatusList carries one or more DeploymentStatus updates, sent on
// each heartbeat cycle alongside the Heartbeat envelope.
type DeploymentStatusList struct {
	Statuses []types.DeploymentStatus `json:"statuses"`
}

// DeploymentLogs carries a batch of log lines for one exec.
type DeploymentLogs struct {
	DeploymentID string          `json:"deployment_id"`
	Entries      []types.LogLine `json:"entries"`
}

// CondaEnvReport lists the environment names currently present on the node.
type CondaEnvReport struct {
	EnvNames []string `json:"env_names"`
}

// Ack is the Conductor's reply to a hello, carrying a free-text message such
// as "hello <id>".
type Ack struct {
	Message string `json:"message"`
}

// DeploymentReq pushes a full deployment record (identity + specification +
// desired_state) to a Node, serialised as the JSON body the node decodes via
// RunnerExec.AddExec.
type DeploymentReq struct {
	Specification string `json:"specification"`
}

// DeploymentUpdate asks a node to change one field of an already-assigned
// deployment without resending the whole record — today only desired_state.
type DeploymentUpdate struct {
	DeploymentID string `json:"deployment_id"`
	Status       string `json:"status"`
}

// DeploymentLogsRequest toggles log streaming for one exec_id.
type DeploymentLogsRequest struct {
	DeploymentID string   `json:"deployment_id"`
	Enable       bool     `json:"enable"`
	SinceMs      int64    `json:"since_ms"`
	Tail         int      `json:"tail"`
	Streams      []string `json:"streams"`
}

// CondaEnvEnsure asks a node to create any environments it is missing.
type CondaEnvEnsure struct {
	Envs []CondaEnvEnsureSpec `json:"envs"`
}

type CondaEnvEnsureSpec struct {
	Name          string   `json:"name"`
	PythonVersion string   `json:"python_version"`
	Packages      []string `json:"packages"`
}
