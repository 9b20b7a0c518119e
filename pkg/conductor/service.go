package conductor

import (
	"context"
	"sync"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/transport"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	outboundQueueCapacity = 256
	logSubscriberQueueCap = 200
)

// ConductorService owns every per-node stream, demultiplexes inbound
// envelopes into the registries, and multiplexes outbound commands through
// a per-node bounded queue.
type ConductorService struct {
	registry    *NodeRegistry
	assignments *AssignmentRegistry
	condaSpecs  CondaEnvSpecStore
	logger      zerolog.Logger

	mu      sync.Mutex
	streams map[string]*nodeConn

	logSubsMu sync.Mutex
	logSubs   map[string]map[string]*logSubscriber
}

// NewConductorService wires a ConductorService against the shared registry
// singletons and the external conda-env spec store.
func NewConductorService(registry *NodeRegistry, assignments *AssignmentRegistry, condaSpecs CondaEnvSpecStore) *ConductorService {
	return &ConductorService{
		registry:    registry,
		assignments: assignments,
		condaSpecs:  condaSpecs,
		logger:      log.WithComponent("conductor-service"),
		streams:     make(map[string]*nodeConn),
		logSubs:     make(map[string]map[string]*logSubscriber),
	}
}

// nodeConn is the per-node outbound side: a bounded FIFO drained by a
// dedicated consumer goroutine, decoupling SendMessage callers from stream
// back-pressure.
type nodeConn struct {
	nodeID string
	cancel context.CancelFunc

	mu     sync.Mutex
	queue  []*transport.ConductorMessage
	notify chan struct{}
}

func newNodeConn(nodeID string, cancel context.CancelFunc) *nodeConn {
	return &nodeConn{nodeID: nodeID, cancel: cancel, notify: make(chan struct{}, 1)}
}

// enqueue appends msg, evicting the oldest non-deployment_req entry first
// if the queue is full. deployment_req envelopes are never dropped: when
// every queued entry is a deployment_req, nothing is evicted and the queue
// grows past its capacity.
func (c *nodeConn) enqueue(msg *transport.ConductorMessage) {
	c.mu.Lock()
	if len(c.queue) >= outboundQueueCapacity {
		for i, m := range c.queue {
			if m.DeploymentReq == nil {
				c.queue = append(c.queue[:i], c.queue[i+1:]...)
				break
			}
		}
	}
	c.queue = append(c.queue, msg)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

func (c *nodeConn) dequeueAll() []*transport.ConductorMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return nil
	}
	out := c.queue
	c.queue = nil
	return out
}

type logSubscriber struct {
	id string
	ch chan transport.DeploymentLogs
}

// Connect implements transport.ControlServer. It runs until either side
// closes the stream.
func (s *ConductorService) Connect(stream transport.ControlConnectServer) error {
	first, err := stream.Recv()
	if err != nil {
		return err
	}
	if first.Hello == nil {
		return status.Error(codes.InvalidArgument, "first message on a new connection must be hello")
	}

	nodeID := first.Hello.NodeID
	if err := s.registry.NodeHello(first.Hello); err != nil {
		return status.Error(codes.AlreadyExists, err.Error())
	}

	ctx, cancel := context.WithCancel(stream.Context())
	conn := newNodeConn(nodeID, cancel)

	s.mu.Lock()
	s.streams[nodeID] = conn
	s.mu.Unlock()
	metrics.NodesConnected.Inc()

	s.logger.Info().Str("node_id", nodeID).Msg("node connected")

	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.streams, nodeID)
		s.mu.Unlock()
		s.registry.DeleteNode(nodeID)
		released := s.assignments.RemoveNode(nodeID)
		metrics.NodesConnected.Dec()
		s.logger.Info().Str("node_id", nodeID).Int("released_execs", len(released)).Msg("node disconnected")
	}()

	go s.runOutbound(ctx, stream, conn)

	if err := stream.Send(&transport.ConductorMessage{Ack: &transport.Ack{Message: "hello " + nodeID}}); err != nil {
		return err
	}

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			s.registry.Touch(nodeID)
			s.dispatch(nodeID, msg)
		}
	}()

	select {
	case err := <-recvErr:
		return err
	case <-ctx.Done():
		return status.Error(codes.Aborted, "node disconnected by conductor")
	}
}

func (s *ConductorService) runOutbound(ctx context.Context, stream transport.ControlConnectServer, conn *nodeConn) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-conn.notify:
			for _, msg := range conn.dequeueAll() {
				if err := stream.Send(msg); err != nil {
					s.logger.Warn().Str("node_id", conn.nodeID).Err(err).Msg("failed to write outbound envelope")
					return
				}
			}
		}
	}
}

func (s *ConductorService) dispatch(nodeID string, msg *transport.NodeMessage) {
	switch {
	case msg.Heartbeat != nil:
		s.registry.Heartbeat(msg.Heartbeat)
	case msg.DeploymentStatusList != nil:
		for _, st := range msg.DeploymentStatusList.Statuses {
			s.assignments.Update(nodeID, st)
		}
	case msg.DeploymentLogs != nil:
		s.publishLogs(msg.DeploymentLogs)
	case msg.CondaEnvReport != nil:
		s.handleCondaEnvReport(nodeID, msg.CondaEnvReport)
	default:
		s.logger.Warn().Str("node_id", nodeID).Msg("envelope had no recognised variant, ignoring")
	}
}

// SendMessage is a non-blocking enqueue onto nodeID's outbound queue. It
// logs a warning and drops the message if the node has no live stream.
func (s *ConductorService) SendMessage(nodeID string, msg *transport.ConductorMessage) {
	s.mu.Lock()
	conn, ok := s.streams[nodeID]
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Str("node_id", nodeID).Msg("send_message: no outbound queue for node")
		return
	}
	conn.enqueue(msg)
}

// SendDeploymentChange emits a deployment_update for one field; today only
// "desired_state" is ever sent.
func (s *ConductorService) SendDeploymentChange(nodeID, execID, _field, value string) {
	s.SendMessage(nodeID, &transport.ConductorMessage{
		DeploymentUpdate: &transport.DeploymentUpdate{DeploymentID: execID, Status: value},
	})
}

// SendDeploymentReq pushes a full deployment record to nodeID.
func (s *ConductorService) SendDeploymentReq(nodeID string, specificationJSON string) {
	s.SendMessage(nodeID, &transport.ConductorMessage{
		DeploymentReq: &transport.DeploymentReq{Specification: specificationJSON},
	})
}

// DisconnectNode aborts nodeID's stream, used by the staleness sweeper.
// Returns false if no stream was live.
func (s *ConductorService) DisconnectNode(nodeID string) bool {
	s.mu.Lock()
	conn, ok := s.streams[nodeID]
	s.mu.Unlock()
	if !ok {
		return false
	}
	conn.cancel()
	return true
}

// IsConnected reports whether nodeID currently has a live stream.
func (s *ConductorService) IsConnected(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.streams[nodeID]
	return ok
}

// ConnectedNodeIDs returns every node id with a live stream, order
// unspecified.
func (s *ConductorService) ConnectedNodeIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	return ids
}

// Subscribe registers interest in exec_id's logs. Only when the exec's
// subscriber set transitions empty to non-empty is a
// deployment_logs_request with enable=true sent to nodeID.
func (s *ConductorService) Subscribe(nodeID, execID string, sinceMs int64, tail int, streams []string) (string, <-chan transport.DeploymentLogs) {
	s.logSubsMu.Lock()
	set, ok := s.logSubs[execID]
	wasEmpty := !ok || len(set) == 0
	if !ok {
		set = make(map[string]*logSubscriber)
		s.logSubs[execID] = set
	}
	subID := uuid.New().String()
	sub := &logSubscriber{id: subID, ch: make(chan transport.DeploymentLogs, logSubscriberQueueCap)}
	set[subID] = sub
	s.logSubsMu.Unlock()

	metrics.LogSubscribers.Inc()

	if wasEmpty {
		s.SendMessage(nodeID, &transport.ConductorMessage{
			DeploymentLogsRequest: &transport.DeploymentLogsRequest{
				DeploymentID: execID, Enable: true, SinceMs: sinceMs, Tail: tail, Streams: streams,
			},
		})
	}
	return subID, sub.ch
}

// Unsubscribe reverses Subscribe. If the exec's subscriber set becomes
// empty, a deployment_logs_request with enable=false is sent.
func (s *ConductorService) Unsubscribe(nodeID, execID, subID string) {
	s.logSubsMu.Lock()
	set, ok := s.logSubs[execID]
	becameEmpty := false
	if ok {
		if _, existed := set[subID]; existed {
			delete(set, subID)
			metrics.LogSubscribers.Dec()
		}
		if len(set) == 0 {
			delete(s.logSubs, execID)
			becameEmpty = true
		}
	}
	s.logSubsMu.Unlock()

	if becameEmpty {
		s.SendMessage(nodeID, &transport.ConductorMessage{
			DeploymentLogsRequest: &transport.DeploymentLogsRequest{DeploymentID: execID, Enable: false},
		})
	}
}

func (s *ConductorService) publishLogs(batch *transport.DeploymentLogs) {
	s.logSubsMu.Lock()
	set, ok := s.logSubs[batch.DeploymentID]
	if !ok {
		s.logSubsMu.Unlock()
		return
	}
	subs := make([]*logSubscriber, 0, len(set))
	for _, sub := range set {
		subs = append(subs, sub)
	}
	s.logSubsMu.Unlock()

	for _, sub := range subs {
		if deliverLog(sub, *batch) {
			continue
		}
		s.logSubsMu.Lock()
		if set, ok := s.logSubs[batch.DeploymentID]; ok {
			delete(set, sub.id)
			if len(set) == 0 {
				delete(s.logSubs, batch.DeploymentID)
			}
		}
		s.logSubsMu.Unlock()
		metrics.LogSubscribers.Dec()
		s.logger.Warn().Str("exec_id", batch.DeploymentID).Str("subscriber_id", sub.id).Msg("log subscriber queue full twice, evicting")
	}
}

// deliverLog tries to enqueue batch onto sub's channel; on a full queue it
// drops the oldest entry and retries once. A second failure means the
// caller should evict the subscriber.
func deliverLog(sub *logSubscriber, batch transport.DeploymentLogs) bool {
	select {
	case sub.ch <- batch:
		return true
	default:
	}
	select {
	case <-sub.ch:
	default:
	}
	select {
	case sub.ch <- batch:
		return true
	default:
		return false
	}
}

func (s *ConductorService) handleCondaEnvReport(nodeID string, report *transport.CondaEnvReport) {
	s.registry.UpdateCondaEnvs(nodeID, report.EnvNames)

	missing := s.missingEnvs(nodeID)
	if len(missing) == 0 {
		return
	}
	s.SendMessage(nodeID, &transport.ConductorMessage{
		CondaEnvEnsure: &transport.CondaEnvEnsure{Envs: missing},
	})
}

func (s *ConductorService) missingEnvs(nodeID string) []transport.CondaEnvEnsureSpec {
	have := make(map[string]struct{})
	for _, n := range s.registry.CondaEnvNames(nodeID) {
		have[n] = struct{}{}
	}

	specs, err := s.condaSpecs.List()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to list known conda env specs")
		return nil
	}

	var missing []transport.CondaEnvEnsureSpec
	for _, spec := range specs {
		if _, ok := have[spec.Name]; ok {
			continue
		}
		missing = append(missing, transport.CondaEnvEnsureSpec{
			Name: spec.Name, PythonVersion: spec.PythonVersion, Packages: spec.Packages,
		})
	}
	return missing
}
