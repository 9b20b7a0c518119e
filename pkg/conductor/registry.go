package conductor

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/symphony/pkg/transport"
	"github.com/cuemby/symphony/pkg/types"
)

// ErrNodeAlreadyRegistered is returned by NodeHello when a second hello
// arrives for an id that already has a live record; the second connection
// must be rejected, never merged.
var ErrNodeAlreadyRegistered = errors.New("node already registered")

// NodeRegistry tracks every connected node and merges its static (hello)
// and dynamic (heartbeat) resource views. It is a process-wide singleton
// guarded by one coarse exclusive lock.
type NodeRegistry struct {
	mu    sync.RWMutex
	nodes map[string]*types.NodeRecord
}

// NewNodeRegistry creates an empty registry.
func NewNodeRegistry() *NodeRegistry {
	return &NodeRegistry{nodes: make(map[string]*types.NodeRecord)}
}

// NodeHello inserts a new record for hello.NodeID. Returns
// ErrNodeAlreadyRegistered if the id is already present; the caller (the
// stream handler) must abort the new stream and leave the existing one
// untouched.
func (r *NodeRegistry) NodeHello(hello *transport.NodeHello) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.nodes[hello.NodeID]; exists {
		return ErrNodeAlreadyRegistered
	}

	mounts := make([]types.MountInfo, 0, len(hello.StorageMounts))
	for _, m := range hello.StorageMounts {
		mounts = append(mounts, types.MountInfo{MountPoint: m.MountPoint, FsType: m.FsType, TotalBytes: m.TotalBytes})
	}
	gpus := make([]types.GPUInfo, 0, len(hello.GPUs))
	for _, g := range hello.GPUs {
		gpus = append(gpus, types.GPUInfo{Index: g.Index, Name: g.Name, MemTotalBytes: g.MemTotalBytes})
	}

	r.nodes[hello.NodeID] = &types.NodeRecord{
		NodeID:          hello.NodeID,
		Hostname:        hello.Hostname,
		Groups:          append([]string(nil), hello.Groups...),
		CapacitiesTotal: copyUintMap(hello.CapacitiesTotal),
		Static: types.NodeStatic{
			CPULogicalCores: hello.CPU.LogicalCores,
			MemoryTotal:     hello.Memory.TotalBytes,
			Mounts:          mounts,
			GPUs:            gpus,
		},
		LastHeartbeat: time.Now(),
		CondaEnvs:     make(map[string]struct{}),
	}
	return nil
}

// Heartbeat replaces the dynamic block of hb.NodeID, creating a bare
// record if none exists yet; heartbeats that race ahead of hello must not
// be dropped.
func (r *NodeRegistry) Heartbeat(hb *transport.Heartbeat) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.nodes[hb.NodeID]
	if !ok {
		rec = &types.NodeRecord{NodeID: hb.NodeID, CondaEnvs: make(map[string]struct{})}
		r.nodes[hb.NodeID] = rec
	}

	perCore := make([]types.CorePercent, 0, len(hb.CPU.PerCore))
	for _, c := range hb.CPU.PerCore {
		perCore = append(perCore, types.CorePercent{CoreID: c.CoreID, UsedPercent: c.UsedPercent})
	}
	mounts := make([]types.MountUsage, 0, len(hb.StorageMounts))
	for _, m := range hb.StorageMounts {
		mounts = append(mounts, types.MountUsage{MountPoint: m.MountPoint, UsedBytes: m.UsedBytes, AvailBytes: m.AvailBytes, UsedPercent: m.UsedPercent})
	}
	gpus := make([]types.GPUUsage, 0, len(hb.GPUs))
	for _, g := range hb.GPUs {
		gpus = append(gpus, types.GPUUsage{
			Index: g.Index, UtilPercent: g.UtilPercent, MemUtilPercent: g.MemUtilPercent,
			MemUsedBytes: g.MemUsedBytes, MemFreeBytes: g.MemFreeBytes,
			TemperatureC: g.TemperatureC, PowerW: g.PowerW,
		})
	}

	rec.Dynamic = types.NodeDynamic{
		TimestampUnixMs:     hb.TimestampUnixMs,
		TotalCapacitiesUsed: copyUintMap(hb.TotalCapacitiesUsed),
		CPUTotalPercent:     hb.CPU.TotalPercent,
		PerCoreCPU:          perCore,
		MemoryUsedBytes:     hb.Memory.UsedBytes,
		MemoryAvailBytes:    hb.Memory.AvailableBytes,
		MemoryUsedPercent:   hb.Memory.UsedPercent,
		MemoryFreeBytes:     hb.Memory.FreeBytes,
		MemoryBuffersBytes:  hb.Memory.BuffersBytes,
		MemoryCachedBytes:   hb.Memory.CachedBytes,
		Mounts:              mounts,
		GPUs:                gpus,
	}
	rec.LastHeartbeat = time.Now()
}

// Touch refreshes last_heartbeat without replacing the dynamic block; used
// by the stream handler for any inbound message, not only heartbeats,
// so a chatty log-only connection is never swept as stale.
func (r *NodeRegistry) Touch(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.nodes[nodeID]; ok {
		rec.LastHeartbeat = time.Now()
	}
}

// UpdateCondaEnvs replaces the set of environment names reported present on
// a node.
func (r *NodeRegistry) UpdateCondaEnvs(nodeID string, names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return
	}
	set := make(map[string]struct{}, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	rec.CondaEnvs = set
}

// CondaEnvNames returns the sorted env names known present on a node.
func (r *NodeRegistry) CondaEnvNames(nodeID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(rec.CondaEnvs))
	for n := range rec.CondaEnvs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// DeleteNode removes a record unconditionally.
func (r *NodeRegistry) DeleteNode(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, nodeID)
}

// Get returns a shallow copy of the record, or false if unknown.
func (r *NodeRegistry) Get(nodeID string) (types.NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return types.NodeRecord{}, false
	}
	return *rec, true
}

// NodeIDs returns every connected node id, order unspecified.
func (r *NodeRegistry) NodeIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		ids = append(ids, id)
	}
	return ids
}

// CombinedSnapshot merges static and dynamic views for one node. GPUs
// merge by Index, mounts by MountPoint; dynamic fields win on overlap, and
// entries present on only one side are retained.
func (r *NodeRegistry) CombinedSnapshot(nodeID string) (types.CombinedSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[nodeID]
	if !ok {
		return types.CombinedSnapshot{}, false
	}
	return mergeSnapshot(rec), true
}

// CombinedSnapshots returns every node's merged view, sorted by node id.
func (r *NodeRegistry) CombinedSnapshots() []types.CombinedSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.CombinedSnapshot, 0, len(r.nodes))
	for _, rec := range r.nodes {
		out = append(out, mergeSnapshot(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

func mergeSnapshot(rec *types.NodeRecord) types.CombinedSnapshot {
	mountByPoint := make(map[string]*types.CombinedMount, len(rec.Static.Mounts))
	for _, m := range rec.Static.Mounts {
		mountByPoint[m.MountPoint] = &types.CombinedMount{MountPoint: m.MountPoint, FsType: m.FsType, TotalBytes: m.TotalBytes}
	}
	for _, m := range rec.Dynamic.Mounts {
		cm, ok := mountByPoint[m.MountPoint]
		if !ok {
			cm = &types.CombinedMount{MountPoint: m.MountPoint}
			mountByPoint[m.MountPoint] = cm
		}
		cm.UsedBytes = m.UsedBytes
		cm.AvailBytes = m.AvailBytes
		cm.UsedPercent = m.UsedPercent
	}
	mounts := make([]types.CombinedMount, 0, len(mountByPoint))
	for _, cm := range mountByPoint {
		mounts = append(mounts, *cm)
	}
	sort.Slice(mounts, func(i, j int) bool { return mounts[i].MountPoint < mounts[j].MountPoint })

	gpuByIndex := make(map[int]*types.CombinedGPU, len(rec.Static.GPUs))
	for _, g := range rec.Static.GPUs {
		gpuByIndex[g.Index] = &types.CombinedGPU{Index: g.Index, Name: g.Name, MemTotalBytes: g.MemTotalBytes}
	}
	for _, g := range rec.Dynamic.GPUs {
		cg, ok := gpuByIndex[g.Index]
		if !ok {
			cg = &types.CombinedGPU{Index: g.Index}
			gpuByIndex[g.Index] = cg
		}
		cg.UtilPercent = g.UtilPercent
		cg.MemUtilPercent = g.MemUtilPercent
		cg.MemUsedBytes = g.MemUsedBytes
		cg.MemFreeBytes = g.MemFreeBytes
		cg.TemperatureC = g.TemperatureC
		cg.PowerW = g.PowerW
	}
	gpus := make([]types.CombinedGPU, 0, len(gpuByIndex))
	for _, cg := range gpuByIndex {
		gpus = append(gpus, *cg)
	}
	sort.Slice(gpus, func(i, j int) bool { return gpus[i].Index < gpus[j].Index })

	envs := make([]string, 0, len(rec.CondaEnvs))
	for n := range rec.CondaEnvs {
		envs = append(envs, n)
	}
	sort.Strings(envs)

	return types.CombinedSnapshot{
		NodeID:          rec.NodeID,
		Groups:          rec.Groups,
		CapacitiesTotal: copyUintMap(rec.CapacitiesTotal),
		CapacitiesUsed:  copyUintMap(rec.Dynamic.TotalCapacitiesUsed),
		CPULogicalCores: rec.Static.CPULogicalCores,
		CPUTotalPercent: rec.Dynamic.CPUTotalPercent,
		PerCoreCPU:      rec.Dynamic.PerCoreCPU,
		MemoryTotal:     rec.Static.MemoryTotal,
		MemoryUsed:      rec.Dynamic.MemoryUsedBytes,
		MemoryAvail:     rec.Dynamic.MemoryAvailBytes,
		MemoryUsedPct:   rec.Dynamic.MemoryUsedPercent,
		Mounts:          mounts,
		GPUs:            gpus,
		LastHeartbeat:   rec.LastHeartbeat,
		CondaEnvs:       envs,
	}
}

func copyUintMap(m map[string]uint64) map[string]uint64 {
	out := make(map[string]uint64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
