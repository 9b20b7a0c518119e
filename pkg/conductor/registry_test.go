package conductor

import (
	"testing"

	"github.com/cuemby/symphony/pkg/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helloFor(nodeID string) *transport.NodeHello {
	return &transport.NodeHello{
		NodeID:          nodeID,
		CapacitiesTotal: map[string]uint64{"gpu": 2},
		CPU:             transport.HelloCPU{LogicalCores: 8},
		Memory:          transport.HelloMemory{TotalBytes: 16 << 30},
		StorageMounts:   []transport.HelloMount{{MountPoint: "/", FsType: "ext4", TotalBytes: 100}},
		GPUs:            []transport.HelloGPU{{Index: 0, Name: "A100", MemTotalBytes: 40 << 30}},
	}
}

func TestNodeHelloUniqueness(t *testing.T) {
	r := NewNodeRegistry()
	require.NoError(t, r.NodeHello(helloFor("n1")))

	err := r.NodeHello(helloFor("n1"))
	assert.ErrorIs(t, err, ErrNodeAlreadyRegistered)
}

func TestHeartbeatCreatesIfAbsent(t *testing.T) {
	r := NewNodeRegistry()
	r.Heartbeat(&transport.Heartbeat{
		NodeID:              "n1",
		TotalCapacitiesUsed: map[string]uint64{"gpu": 1},
	})

	rec, ok := r.Get("n1")
	require.True(t, ok)
	assert.Equal(t, uint64(1), rec.Dynamic.TotalCapacitiesUsed["gpu"])
	assert.False(t, rec.LastHeartbeat.IsZero())
}

func TestCombinedSnapshotMergesByIndexAndMountPoint(t *testing.T) {
	r := NewNodeRegistry()
	require.NoError(t, r.NodeHello(helloFor("n1")))

	r.Heartbeat(&transport.Heartbeat{
		NodeID: "n1",
		StorageMounts: []transport.HeartbeatMount{
			{MountPoint: "/", UsedBytes: 40, AvailBytes: 60, UsedPercent: 40},
			{MountPoint: "/data", UsedBytes: 10}, // dynamic-only mount, no static counterpart
		},
		GPUs: []transport.HeartbeatGPU{
			{Index: 0, UtilPercent: 55},
		},
	})

	snap, ok := r.CombinedSnapshot("n1")
	require.True(t, ok)
	require.Len(t, snap.Mounts, 2)
	require.Len(t, snap.GPUs, 1)

	root := snap.Mounts[0]
	assert.Equal(t, "/", root.MountPoint)
	assert.Equal(t, "ext4", root.FsType) // from static
	assert.Equal(t, uint64(100), root.TotalBytes)
	assert.Equal(t, uint64(40), root.UsedBytes) // from dynamic

	dataOnly := snap.Mounts[1]
	assert.Equal(t, "/data", dataOnly.MountPoint)
	assert.Equal(t, uint64(10), dataOnly.UsedBytes)

	assert.Equal(t, "A100", snap.GPUs[0].Name)
	assert.Equal(t, 55.0, snap.GPUs[0].UtilPercent)
}

func TestDeleteNode(t *testing.T) {
	r := NewNodeRegistry()
	require.NoError(t, r.NodeHello(helloFor("n1")))
	r.DeleteNode("n1")

	_, ok := r.Get("n1")
	assert.False(t, ok)
}

func TestUpdateCondaEnvs(t *testing.T) {
	r := NewNodeRegistry()
	require.NoError(t, r.NodeHello(helloFor("n1")))

	r.UpdateCondaEnvs("n1", []string{"b-env", "a-env"})
	assert.Equal(t, []string{"a-env", "b-env"}, r.CondaEnvNames("n1"))
}
