package conductor

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/types"
)

// Default scheduler tick period and node staleness TTL.
const (
	DefaultTickPeriod = 5 * time.Second
	DefaultTTL        = 60 * time.Second
)

// Scheduler runs the periodic staleness sweep and capacity-aware
// assignment loop. Tie-breaks between eligible nodes are randomised so
// assignments do not pile onto the first node in map order.
type Scheduler struct {
	registry    *NodeRegistry
	assignments *AssignmentRegistry
	service     *ConductorService
	store       DeploymentStore
	logger      zerolog.Logger

	tickPeriod time.Duration
	ttl        time.Duration

	mu     sync.Mutex
	stopCh chan struct{}
	rand   *rand.Rand
	randMu sync.Mutex
}

// NewScheduler wires a Scheduler against the registries, the live stream
// service, and the external deployment store.
func NewScheduler(registry *NodeRegistry, assignments *AssignmentRegistry, service *ConductorService, store DeploymentStore) *Scheduler {
	return &Scheduler{
		registry:    registry,
		assignments: assignments,
		service:     service,
		store:       store,
		logger:      log.WithComponent("scheduler"),
		tickPeriod:  DefaultTickPeriod,
		ttl:         DefaultTTL,
		rand:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// WithTickPeriod overrides the default loop period; for tests.
func (s *Scheduler) WithTickPeriod(d time.Duration) *Scheduler {
	s.tickPeriod = d
	return s
}

// WithTTL overrides the default node staleness TTL; for tests.
func (s *Scheduler) WithTTL(d time.Duration) *Scheduler {
	s.ttl = d
	return s
}

// Start begins the scheduler loop in a new goroutine.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()
	go s.run(stopCh)
}

// Stop terminates the scheduler loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
}

func (s *Scheduler) run(stopCh chan struct{}) {
	ticker := time.NewTicker(s.tickPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.Tick()
		case <-stopCh:
			return
		}
	}
}

// Tick runs one staleness sweep followed by one assignment pass, in that
// order, as a single scheduling cycle.
func (s *Scheduler) Tick() {
	metrics.SchedulerTicks.Inc()
	s.sweepStale()
	s.assignUnassigned()
}

func (s *Scheduler) sweepStale() {
	now := time.Now()
	for _, nodeID := range s.registry.NodeIDs() {
		rec, ok := s.registry.Get(nodeID)
		if !ok {
			continue
		}
		if now.Sub(rec.LastHeartbeat) <= s.ttl {
			continue
		}

		s.logger.Warn().Str("node_id", nodeID).Dur("since_heartbeat", now.Sub(rec.LastHeartbeat)).Msg("node exceeded staleness TTL")
		if s.service != nil && s.service.DisconnectNode(nodeID) {
			// Connect's deferred cleanup does registry.DeleteNode and
			// assignments.RemoveNode once the stream actually tears down.
		} else {
			s.registry.DeleteNode(nodeID)
			s.assignments.RemoveNode(nodeID)
		}
		metrics.NodesEvicted.Inc()
	}
}

func (s *Scheduler) assignUnassigned() {
	deployments, err := s.store.List()
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list deployments")
		return
	}

	connected := s.registry.NodeIDs()
	if len(connected) == 0 {
		if len(deployments) > 0 {
			s.logger.Debug().Msg("no nodes connected, skipping assignment pass")
		}
		return
	}

	for _, dep := range deployments {
		if dep.Kind != types.DeploymentKindExec {
			continue
		}
		if _, assigned := s.assignments.GetNode(dep.ID); assigned {
			continue
		}

		timer := prometheus.NewTimer(metrics.SchedulingLatency)
		nodeID, reason := s.selectNode(dep, connected)
		if nodeID == "" {
			s.logger.Warn().Str("deployment_id", dep.ID).Str("reason", reason).Msg("no eligible node for deployment this tick")
			continue
		}

		body, err := json.Marshal(dep)
		if err != nil {
			s.logger.Error().Err(err).Str("deployment_id", dep.ID).Msg("failed to marshal deployment record")
			continue
		}

		s.service.SendDeploymentReq(nodeID, string(body))
		timer.ObserveDuration()
		metrics.SchedulerAssignments.WithLabelValues(reason).Inc()

		s.logger.Info().Str("deployment_id", dep.ID).Str("node_id", nodeID).Msg("assigned deployment to node")
	}
}

// selectNode picks the target node: if the deployment requests no
// capacities, uniformly at random among connected nodes; otherwise
// restricted to nodes with sufficient headroom on every requested capacity
// and uniformly at random among those.
func (s *Scheduler) selectNode(dep types.DeploymentRecord, connected []string) (nodeID, reason string) {
	requests := capacityRequests(dep)

	if len(requests) == 0 {
		return s.pickRandom(connected), "assigned"
	}

	eligible := make([]string, 0, len(connected))
	for _, id := range connected {
		snap, ok := s.registry.CombinedSnapshot(id)
		if !ok {
			continue
		}
		if hasCapacity(snap, requests) {
			eligible = append(eligible, id)
		}
	}

	if len(eligible) == 0 {
		return "", "No Capacity"
	}
	return s.pickRandom(eligible), "assigned"
}

func hasCapacity(snap types.CombinedSnapshot, requests map[string]uint64) bool {
	for cap_, want := range requests {
		total := snap.CapacitiesTotal[cap_]
		used := snap.CapacitiesUsed[cap_]
		var available uint64
		if total > used {
			available = total - used
		}
		if available < want {
			return false
		}
	}
	return true
}

func (s *Scheduler) pickRandom(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	s.randMu.Lock()
	defer s.randMu.Unlock()
	return ids[s.rand.Intn(len(ids))]
}

func capacityRequests(dep types.DeploymentRecord) map[string]uint64 {
	spec, ok := dep.Specification["spec"].(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := spec["capacity_requests"].(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]uint64, len(raw))
	for k, v := range raw {
		switch n := v.(type) {
		case float64:
			out[k] = uint64(n)
		case int:
			out[k] = uint64(n)
		case int64:
			out[k] = uint64(n)
		}
	}
	return out
}

// AssignmentReason explains why a deployment is still unassigned, for any
// HTTP listing surface built on top of this control plane.
func AssignmentReason(dep types.DeploymentRecord, connectedCount int, registry *NodeRegistry) string {
	if connectedCount == 0 {
		return "No Node"
	}

	spec, _ := dep.Specification["spec"].(map[string]interface{})
	if spec != nil {
		if config, ok := spec["config"].(map[string]interface{}); ok {
			if envName, ok := config["env_name"].(string); ok && envName != "" {
				foundOnAny := false
				for _, nodeID := range registry.NodeIDs() {
					for _, name := range registry.CondaEnvNames(nodeID) {
						if name == envName {
							foundOnAny = true
							break
						}
					}
				}
				if !foundOnAny {
					return "No Env"
				}
			}
		}
	}

	requests := capacityRequests(dep)
	if len(requests) > 0 {
		satisfiable := false
		for _, nodeID := range registry.NodeIDs() {
			snap, ok := registry.CombinedSnapshot(nodeID)
			if ok && hasCapacity(snap, requests) {
				satisfiable = true
				break
			}
		}
		if !satisfiable {
			return "No Capacity"
		}
	}

	return "Pending"
}
