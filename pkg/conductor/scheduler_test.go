package conductor

import (
	"testing"
	"time"

	"github.com/cuemby/symphony/pkg/transport"
	"github.com/cuemby/symphony/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func depWithCapacity(id string, requests map[string]interface{}) types.DeploymentRecord {
	return types.DeploymentRecord{
		ID:           id,
		Kind:         types.DeploymentKindExec,
		DesiredState: types.DesiredStateRunning,
		Specification: map[string]interface{}{
			"spec": map[string]interface{}{
				"capacity_requests": requests,
			},
		},
	}
}

func TestCapacityRequestsExtraction(t *testing.T) {
	dep := depWithCapacity("d1", map[string]interface{}{"gpu": float64(2)})
	reqs := capacityRequests(dep)
	assert.Equal(t, map[string]uint64{"gpu": 2}, reqs)
}

func TestCapacityRequestsAbsent(t *testing.T) {
	dep := types.DeploymentRecord{ID: "d1", Specification: map[string]interface{}{}}
	assert.Nil(t, capacityRequests(dep))
}

func TestHasCapacity(t *testing.T) {
	snap := types.CombinedSnapshot{
		CapacitiesTotal: map[string]uint64{"gpu": 4},
		CapacitiesUsed:  map[string]uint64{"gpu": 3},
	}
	assert.True(t, hasCapacity(snap, map[string]uint64{"gpu": 1}))
	assert.False(t, hasCapacity(snap, map[string]uint64{"gpu": 2}))
}

func TestSelectNodeWithNoCapacityRequestPicksAnyConnected(t *testing.T) {
	registry := NewNodeRegistry()
	s := NewScheduler(registry, NewAssignmentRegistry(), nil, NewInMemoryDeploymentStore())

	dep := types.DeploymentRecord{ID: "d1", Specification: map[string]interface{}{}}
	nodeID, reason := s.selectNode(dep, []string{"n1", "n2"})
	assert.Contains(t, []string{"n1", "n2"}, nodeID)
	assert.Equal(t, "assigned", reason)
}

func TestSelectNodeRestrictsToCapacityEligibleNodes(t *testing.T) {
	registry := NewNodeRegistry()
	require.NoError(t, registry.NodeHello(&transport.NodeHello{
		NodeID:          "n1",
		CapacitiesTotal: map[string]uint64{"gpu": 1},
	}))
	require.NoError(t, registry.NodeHello(&transport.NodeHello{
		NodeID:          "n2",
		CapacitiesTotal: map[string]uint64{"gpu": 4},
	}))
	registry.Heartbeat(&transport.Heartbeat{NodeID: "n1", TotalCapacitiesUsed: map[string]uint64{"gpu": 1}})
	registry.Heartbeat(&transport.Heartbeat{NodeID: "n2", TotalCapacitiesUsed: map[string]uint64{"gpu": 0}})

	s := NewScheduler(registry, NewAssignmentRegistry(), nil, NewInMemoryDeploymentStore())
	dep := depWithCapacity("d1", map[string]interface{}{"gpu": float64(2)})

	for i := 0; i < 20; i++ {
		nodeID, reason := s.selectNode(dep, []string{"n1", "n2"})
		assert.Equal(t, "n2", nodeID)
		assert.Equal(t, "assigned", reason)
	}
}

func TestSelectNodeReturnsNoCapacityWhenNoneEligible(t *testing.T) {
	registry := NewNodeRegistry()
	require.NoError(t, registry.NodeHello(&transport.NodeHello{
		NodeID:          "n1",
		CapacitiesTotal: map[string]uint64{"gpu": 1},
	}))
	registry.Heartbeat(&transport.Heartbeat{NodeID: "n1", TotalCapacitiesUsed: map[string]uint64{"gpu": 1}})

	s := NewScheduler(registry, NewAssignmentRegistry(), nil, NewInMemoryDeploymentStore())
	dep := depWithCapacity("d1", map[string]interface{}{"gpu": float64(1)})

	nodeID, reason := s.selectNode(dep, []string{"n1"})
	assert.Empty(t, nodeID)
	assert.Equal(t, "No Capacity", reason)
}

func TestSweepStaleEvictsWithoutLiveService(t *testing.T) {
	registry := NewNodeRegistry()
	assignments := NewAssignmentRegistry()
	require.NoError(t, registry.NodeHello(&transport.NodeHello{NodeID: "n1"}))
	assignments.Update("n1", types.DeploymentStatus{ExecID: "e1"})

	// A negative TTL always trips the sweep regardless of how recent the
	// last heartbeat was.
	s := NewScheduler(registry, assignments, nil, NewInMemoryDeploymentStore()).WithTTL(-time.Second)

	s.sweepStale()

	_, ok := registry.Get("n1")
	assert.False(t, ok)
	assert.Empty(t, assignments.GetDeployments("n1"))
}

func TestAssignmentReasonNoNode(t *testing.T) {
	registry := NewNodeRegistry()
	dep := types.DeploymentRecord{ID: "d1", Specification: map[string]interface{}{}}
	assert.Equal(t, "No Node", AssignmentReason(dep, 0, registry))
}

func TestAssignmentReasonNoEnv(t *testing.T) {
	registry := NewNodeRegistry()
	require.NoError(t, registry.NodeHello(&transport.NodeHello{NodeID: "n1"}))

	dep := types.DeploymentRecord{
		ID: "d1",
		Specification: map[string]interface{}{
			"spec": map[string]interface{}{
				"config": map[string]interface{}{"env_name": "missing-env"},
			},
		},
	}
	assert.Equal(t, "No Env", AssignmentReason(dep, 1, registry))
}

func TestAssignmentReasonPendingWhenSatisfiable(t *testing.T) {
	registry := NewNodeRegistry()
	require.NoError(t, registry.NodeHello(&transport.NodeHello{NodeID: "n1", CapacitiesTotal: map[string]uint64{"gpu": 2}}))

	dep := depWithCapacity("d1", map[string]interface{}{"gpu": float64(1)})
	assert.Equal(t, "Pending", AssignmentReason(dep, 1, registry))
}
