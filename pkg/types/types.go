package types

import "time"

// NodeRole distinguishes the two halves of the control plane for logging
// and CLI purposes. A Symphony deployment has exactly one Conductor and any
// number of Nodes.
type NodeRole string

const (
	NodeRoleConductor NodeRole = "conductor"
	NodeRoleNode      NodeRole = "node"
)

// MountInfo describes one filesystem mount point on a node.
type MountInfo struct {
	MountPoint string
	FsType     string
	TotalBytes uint64
}

// MountUsage is the dynamic (heartbeat) counterpart of MountInfo.
type MountUsage struct {
	MountPoint  string
	UsedBytes   uint64
	AvailBytes  uint64
	UsedPercent float64
}

// GPUInfo describes one GPU present on a node, keyed by its index.
type GPUInfo struct {
	Index         int
	Name          string
	MemTotalBytes uint64
}

// GPUUsage is the dynamic (heartbeat) counterpart of GPUInfo.
type GPUUsage struct {
	Index          int
	UtilPercent    float64
	MemUtilPercent float64
	MemUsedBytes   uint64
	MemFreeBytes   uint64
	TemperatureC   float64
	PowerW         float64
}

// CorePercent is one core's utilisation, reported per heartbeat.
type CorePercent struct {
	CoreID      int
	UsedPercent float64
}

// NodeStatic is immutable for the lifetime of a connection; it is set once
// at hello time.
type NodeStatic struct {
	CPULogicalCores int
	MemoryTotal     uint64
	Mounts          []MountInfo
	GPUs            []GPUInfo
}

// NodeDynamic is replaced wholesale on every heartbeat.
type NodeDynamic struct {
	TimestampUnixMs     int64
	TotalCapacitiesUsed map[string]uint64
	CPUTotalPercent     float64
	PerCoreCPU          []CorePercent
	MemoryUsedBytes     uint64
	MemoryAvailBytes    uint64
	MemoryUsedPercent   float64
	MemoryFreeBytes     uint64
	MemoryBuffersBytes  uint64
	MemoryCachedBytes   uint64
	Mounts              []MountUsage
	GPUs                []GPUUsage
}

// NodeRecord is the Conductor-held record of one connected node. Static and
// dynamic merge lazily via CombinedSnapshot; the two blocks are never
// merged in place so that a late static hello does not clobber a dynamic
// field that already arrived, and vice versa.
type NodeRecord struct {
	NodeID          string
	Hostname        string
	Groups          []string
	CapacitiesTotal map[string]uint64
	Static          NodeStatic
	Dynamic         NodeDynamic
	LastHeartbeat   time.Time
	CondaEnvs       map[string]struct{}
}

// CombinedMount is the merged static+dynamic view of a mount point, keyed by
// MountPoint on merge.
type CombinedMount struct {
	MountPoint  string
	FsType      string
	TotalBytes  uint64
	UsedBytes   uint64
	AvailBytes  uint64
	UsedPercent float64
}

// CombinedGPU is the merged static+dynamic view of a GPU, keyed by Index on
// merge.
type CombinedGPU struct {
	Index          int
	Name           string
	MemTotalBytes  uint64
	UtilPercent    float64
	MemUtilPercent float64
	MemUsedBytes   uint64
	MemFreeBytes   uint64
	TemperatureC   float64
	PowerW         float64
}

// CombinedSnapshot is the result of NodeRegistry.CombinedSnapshot: one
// node's static and dynamic data merged into a single presentation view,
// with dynamic fields overriding static ones on overlap.
type CombinedSnapshot struct {
	NodeID          string
	Groups          []string
	CapacitiesTotal map[string]uint64
	CapacitiesUsed  map[string]uint64
	CPULogicalCores int
	CPUTotalPercent float64
	PerCoreCPU      []CorePercent
	MemoryTotal     uint64
	MemoryUsed      uint64
	MemoryAvail     uint64
	MemoryUsedPct   float64
	Mounts          []CombinedMount
	GPUs            []CombinedGPU
	LastHeartbeat   time.Time
	CondaEnvs       []string
}

// DeploymentKind distinguishes supervised (EXEC) from unsupervised (DOCKER)
// deployments; only EXEC is driven by the core supervisor.
type DeploymentKind string

const (
	DeploymentKindExec   DeploymentKind = "EXEC"
	DeploymentKindDocker DeploymentKind = "DOCKER"
)

// DesiredState is the externally requested target state of a deployment.
type DesiredState string

const (
	DesiredStateRunning DesiredState = "RUNNING"
	DesiredStateStopped DesiredState = "STOPPED"
)

// DeploymentRecord is the external store's representation of a deployment.
// The control plane only reads these; writes happen through the HTTP
// surface that sits outside it.
type DeploymentRecord struct {
	ID            string
	Name          string
	Kind          DeploymentKind
	DesiredState  DesiredState
	Specification map[string]interface{}
	CreatedAtMs   int64
	UpdatedAtMs   int64
}

// ExecStatus is the observed state of an exec runtime.
type ExecStatus string

const (
	ExecStatusStarting ExecStatus = "STARTING"
	ExecStatusRunning  ExecStatus = "RUNNING"
	ExecStatusStopping ExecStatus = "STOPPING"
	ExecStatusStopped  ExecStatus = "STOPPED"
	ExecStatusCrashed  ExecStatus = "CRASHED"
	ExecStatusExited   ExecStatus = "EXITED"
)

// RestartPolicyType selects when a dead child process is respawned.
type RestartPolicyType string

const (
	RestartNever     RestartPolicyType = "never"
	RestartAlways    RestartPolicyType = "always"
	RestartOnFailure RestartPolicyType = "on-failure"
)

// DeploymentStatus is what a Node reports about one exec, and what the
// Conductor's AssignmentRegistry stores as "last_status".
type DeploymentStatus struct {
	ExecID           string
	DesiredState     DesiredState
	Status           ExecStatus
	Pid              int
	StartedAtMs      int64
	RestartPolicy    RestartPolicyType
	MaxRestarts      int
	RestartWindowSec int
}

// AssignmentRecord binds one exec to the node it was scheduled onto, plus
// its last-known status.
type AssignmentRecord struct {
	ExecID string
	NodeID string
	Status DeploymentStatus
}

// HealthCheckSpec is the `health_check` block of a deployment specification.
type HealthCheckSpec struct {
	Command             interface{} // []string or a shell string
	InitialDelaySeconds int
	PeriodSeconds       int
	TimeoutSeconds      int // 0 means "default to PeriodSeconds"
}

// AutoRestartSpec is the `auto_restart` block of a deployment specification.
type AutoRestartSpec struct {
	Enabled  bool
	Cron     string
	Timezone string
}

// ExecConfig is the `config` block of a deployment specification.
type ExecConfig struct {
	Command []string
	EnvName string
	GitRepo string
	GitRef  string
	Token   string
}

// DeploymentSpec is the parsed `specification.spec` block a supervisor
// acts on.
type DeploymentSpec struct {
	Config            ExecConfig
	Env               map[string]string
	HealthCheck       *HealthCheckSpec
	AutoRestart       *AutoRestartSpec
	RestartPolicy     RestartPolicyType
	RestartBackoffSec float64
	MaxRestarts       int
	RestartWindowSec  int
	LogLimitLines     int
	StopSignal        string
	StopTimeoutSec    int
	CapacityRequests  map[string]uint64
}

// LogLine is one entry in an exec's bounded ring buffer.
type LogLine struct {
	TimestampUnixMs int64
	Stream          string // "stdout" or "stderr"
	Line            string
}

// RestartEvent is one entry in an exec's bounded restart history.
type RestartEvent struct {
	TimestampUnixMs int64
	Reason          string
	ExitCode        *int
}

// CondaEnvSpec describes one environment CondaEnvManager.EnsureEnvs should
// create if missing.
type CondaEnvSpec struct {
	Name          string
	PythonVersion string
	Packages      []string
	CustomScript  string
	ForceRecreate bool
}
