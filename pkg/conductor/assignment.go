package conductor

import (
	"sort"
	"sync"

	"github.com/cuemby/symphony/pkg/types"
)

// AssignmentRegistry maps deployment (exec_id) to node and back. Like
// NodeRegistry it is a process-wide singleton behind one lock.
type AssignmentRegistry struct {
	mu          sync.RWMutex
	execToNode  map[string]string
	execStatus  map[string]types.DeploymentStatus
	nodeToExecs map[string]map[string]struct{}
}

// NewAssignmentRegistry creates an empty registry.
func NewAssignmentRegistry() *AssignmentRegistry {
	return &AssignmentRegistry{
		execToNode:  make(map[string]string),
		execStatus:  make(map[string]types.DeploymentStatus),
		nodeToExecs: make(map[string]map[string]struct{}),
	}
}

// Update associates status.ExecID with nodeID and replaces the prior
// status. If the exec was previously bound to a different node, it is
// removed from that node's inverse set first.
func (a *AssignmentRegistry) Update(nodeID string, status types.DeploymentStatus) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if prevNode, ok := a.execToNode[status.ExecID]; ok && prevNode != nodeID {
		if set, ok := a.nodeToExecs[prevNode]; ok {
			delete(set, status.ExecID)
		}
	}

	a.execToNode[status.ExecID] = nodeID
	a.execStatus[status.ExecID] = status

	set, ok := a.nodeToExecs[nodeID]
	if !ok {
		set = make(map[string]struct{})
		a.nodeToExecs[nodeID] = set
	}
	set[status.ExecID] = struct{}{}
}

// RemoveDeployment removes exec_id entirely: its node binding and status.
func (a *AssignmentRegistry) RemoveDeployment(execID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removeLocked(execID)
}

func (a *AssignmentRegistry) removeLocked(execID string) {
	nodeID, ok := a.execToNode[execID]
	if !ok {
		return
	}
	delete(a.execToNode, execID)
	delete(a.execStatus, execID)
	if set, ok := a.nodeToExecs[nodeID]; ok {
		delete(set, execID)
	}
}

// RemoveNode drops every exec assigned to nodeID, used when a node
// disconnects.
func (a *AssignmentRegistry) RemoveNode(nodeID string) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.nodeToExecs[nodeID]
	if !ok {
		return nil
	}
	execIDs := make([]string, 0, len(set))
	for execID := range set {
		execIDs = append(execIDs, execID)
	}
	for _, execID := range execIDs {
		delete(a.execToNode, execID)
		delete(a.execStatus, execID)
	}
	delete(a.nodeToExecs, nodeID)
	sort.Strings(execIDs)
	return execIDs
}

// GetNode returns the node an exec is bound to, or "" if unassigned.
func (a *AssignmentRegistry) GetNode(execID string) (string, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	nodeID, ok := a.execToNode[execID]
	return nodeID, ok
}

// GetDeployments returns every exec_id assigned to nodeID, ascending.
func (a *AssignmentRegistry) GetDeployments(nodeID string) []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	set, ok := a.nodeToExecs[nodeID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(set))
	for execID := range set {
		out = append(out, execID)
	}
	sort.Strings(out)
	return out
}

// GetStatus returns the last-known status for an exec.
func (a *AssignmentRegistry) GetStatus(execID string) (types.DeploymentStatus, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	st, ok := a.execStatus[execID]
	return st, ok
}

// CapacitiesUsedByNode counts assignments per node. Capacity usage itself
// comes from each node's heartbeat, never from this registry; the node is
// authoritative. This helper exists only for diagnostics.
func (a *AssignmentRegistry) CapacitiesUsedByNode() map[string]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	counts := make(map[string]int, len(a.nodeToExecs))
	for nodeID, set := range a.nodeToExecs {
		counts[nodeID] = len(set)
	}
	return counts
}
