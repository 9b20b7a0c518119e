package node

import (
	"context"
	"crypto/tls"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/transport"
	"github.com/cuemby/symphony/pkg/types"
)

const (
	defaultHeartbeatInterval = 3 * time.Second
	helloWarmupTimeout       = 10 * time.Second

	reconnectBase   = 1 * time.Second
	reconnectFactor = 2.0
	reconnectMax    = 30 * time.Second
)

// AgentConfig is the node identity and cadence the agent announces.
type AgentConfig struct {
	NodeID            string
	Groups            []string
	CapacitiesTotal   map[string]uint64
	HeartbeatInterval time.Duration
}

// DialFunc opens one Connect stream; the returned closer tears down the
// underlying connection. Injected so tests can run the agent against an
// in-process fake.
type DialFunc func(ctx context.Context) (transport.ControlConnectClient, func(), error)

// GRPCDial returns the production DialFunc: a fresh mTLS client connection
// and Connect stream per attempt.
func GRPCDial(addr string, tlsConfig *tls.Config) DialFunc {
	return func(ctx context.Context) (transport.ControlConnectClient, func(), error) {
		conn, err := transport.Dial(addr, tlsConfig)
		if err != nil {
			return nil, nil, err
		}
		stream, err := transport.NewControlClient(conn).Connect(ctx)
		if err != nil {
			_ = conn.Close()
			return nil, nil, err
		}
		return stream, func() { _ = conn.Close() }, nil
	}
}

// logSubscription is one exec's live log-forwarding state, toggled by
// deployment_logs_request envelopes.
type logSubscription struct {
	sinceMs int64
	tail    int
	streams []string
	sentAny bool
	lastMs  int64
}

// NodeAgent maintains the client half of Connect: it reconnects forever
// with jittered exponential backoff, authors hello/heartbeat/status/log
// envelopes, and drives the supervisor from inbound commands.
type NodeAgent struct {
	cfg     AgentConfig
	dial    DialFunc
	runner  *RunnerExec
	conda   *CondaEnvManager
	sampler ResourceSampler
	logger  zerolog.Logger

	mu      sync.Mutex
	logSubs map[string]*logSubscription

	extraOut chan *transport.NodeMessage
}

// NewNodeAgent wires an agent against its supervisor, environment manager
// and sampler.
func NewNodeAgent(cfg AgentConfig, dial DialFunc, runner *RunnerExec, conda *CondaEnvManager, sampler ResourceSampler) *NodeAgent {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	return &NodeAgent{
		cfg:      cfg,
		dial:     dial,
		runner:   runner,
		conda:    conda,
		sampler:  sampler,
		logger:   log.WithNodeID(cfg.NodeID),
		logSubs:  make(map[string]*logSubscription),
		extraOut: make(chan *transport.NodeMessage, 16),
	}
}

// Run connects and reconnects until ctx is cancelled. The agent never gives
// up on its own.
func (a *NodeAgent) Run(ctx context.Context) {
	attempt := 0
	for ctx.Err() == nil {
		stream, closeConn, err := a.dial(ctx)
		if err != nil {
			a.sleepBackoff(ctx, attempt)
			attempt++
			continue
		}

		attempt = 0
		err = a.runConnection(ctx, stream)
		closeConn()
		if ctx.Err() != nil {
			return
		}
		a.logger.Warn().Err(err).Msg("connection to conductor lost, reconnecting")
		a.sleepBackoff(ctx, attempt)
		attempt++
	}
}

// backoffDelay computes min(base*factor^n, max), uniformly jittered by
// ±20%.
func backoffDelay(attempt int) time.Duration {
	delay := float64(reconnectBase)
	for i := 0; i < attempt; i++ {
		delay *= reconnectFactor
		if delay >= float64(reconnectMax) {
			delay = float64(reconnectMax)
			break
		}
	}
	return time.Duration(delay * (0.8 + 0.4*rand.Float64()))
}

func (a *NodeAgent) sleepBackoff(ctx context.Context, attempt int) {
	select {
	case <-ctx.Done():
	case <-time.After(backoffDelay(attempt)):
	}
}

func (a *NodeAgent) runConnection(ctx context.Context, stream transport.ControlConnectClient) error {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := stream.Send(&transport.NodeMessage{Hello: a.buildHello(connCtx)}); err != nil {
		return err
	}
	a.sendCondaReport(connCtx, stream)

	recvErr := make(chan error, 1)
	go func() {
		for {
			msg, err := stream.Recv()
			if err != nil {
				recvErr <- err
				return
			}
			a.handleInbound(connCtx, msg)
		}
	}()

	ticker := time.NewTicker(a.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-connCtx.Done():
			return connCtx.Err()
		case err := <-recvErr:
			return err
		case msg := <-a.extraOut:
			if err := stream.Send(msg); err != nil {
				return err
			}
		case <-ticker.C:
			if err := a.sendCycle(stream); err != nil {
				return err
			}
		}
	}
}

// sendCycle emits one heartbeat, one status list, and one log batch per
// subscribed exec, in that order.
func (a *NodeAgent) sendCycle(stream transport.ControlConnectClient) error {
	if err := stream.Send(&transport.NodeMessage{Heartbeat: a.buildHeartbeat()}); err != nil {
		return err
	}

	statuses := a.runner.Statuses()
	if err := stream.Send(&transport.NodeMessage{
		DeploymentStatusList: &transport.DeploymentStatusList{Statuses: statuses},
	}); err != nil {
		return err
	}

	for execID, entries := range a.collectSubscribedLogs() {
		if err := stream.Send(&transport.NodeMessage{
			DeploymentLogs: &transport.DeploymentLogs{DeploymentID: execID, Entries: entries},
		}); err != nil {
			return err
		}
	}
	return nil
}

// buildHello polls the sampler for its first snapshot, up to
// helloWarmupTimeout, then fills in the static resource view.
func (a *NodeAgent) buildHello(ctx context.Context) *transport.NodeHello {
	deadline := time.Now().Add(helloWarmupTimeout)
	var sample StaticSample
	for {
		var ok bool
		sample, ok = a.sampler.Static()
		if ok || time.Now().After(deadline) || ctx.Err() != nil {
			if !ok {
				a.logger.Warn().Msg("sampler not warmed up, sending hello with empty resources")
			}
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(500 * time.Millisecond):
		}
	}

	return &transport.NodeHello{
		NodeID:          a.cfg.NodeID,
		Hostname:        sample.Hostname,
		Groups:          a.cfg.Groups,
		CapacitiesTotal: a.cfg.CapacitiesTotal,
		CPU:             sample.CPU,
		Memory:          sample.Memory,
		StorageMounts:   sample.Mounts,
		GPUs:            sample.GPUs,
	}
}

func (a *NodeAgent) buildHeartbeat() *transport.Heartbeat {
	sample, _ := a.sampler.Dynamic()
	return &transport.Heartbeat{
		NodeID:              a.cfg.NodeID,
		TimestampUnixMs:     time.Now().UnixMilli(),
		TotalCapacitiesUsed: a.runner.CapacitiesUsed(),
		CPU:                 sample.CPU,
		Memory:              sample.Memory,
		StorageMounts:       sample.Mounts,
		GPUs:                sample.GPUs,
	}
}

// sendCondaReport queries the environment manager and pushes a
// conda_env_report; on a query failure the report is skipped, not faked.
func (a *NodeAgent) sendCondaReport(ctx context.Context, stream transport.ControlConnectClient) {
	names, err := a.conda.ListEnvNames(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to list environments, skipping report")
		return
	}
	if err := stream.Send(&transport.NodeMessage{
		CondaEnvReport: &transport.CondaEnvReport{EnvNames: names},
	}); err != nil {
		a.logger.Warn().Err(err).Msg("failed to send environment report")
	}
}

func (a *NodeAgent) handleInbound(ctx context.Context, msg *transport.ConductorMessage) {
	switch {
	case msg.Ack != nil:
		a.logger.Debug().Str("message", msg.Ack.Message).Msg("conductor ack")

	case msg.DeploymentUpdate != nil:
		a.handleDeploymentUpdate(msg.DeploymentUpdate)

	case msg.DeploymentReq != nil:
		a.handleDeploymentReq(msg.DeploymentReq)

	case msg.DeploymentLogsRequest != nil:
		a.handleLogsRequest(msg.DeploymentLogsRequest)

	case msg.CondaEnvEnsure != nil:
		go a.handleCondaEnsure(ctx, msg.CondaEnvEnsure)

	default:
		a.logger.Warn().Msg("envelope had no recognised variant, ignoring")
	}
}

// handleDeploymentUpdate diffs the requested desired_state against the
// runtime and starts or stops accordingly.
func (a *NodeAgent) handleDeploymentUpdate(upd *transport.DeploymentUpdate) {
	current, err := a.runner.Status(upd.DeploymentID)
	if err != nil {
		a.logger.Warn().Str("exec_id", upd.DeploymentID).Err(err).Msg("update for unknown exec")
		return
	}

	want := types.DesiredState(upd.Status)
	if want == current.DesiredState {
		return
	}
	switch want {
	case types.DesiredStateRunning:
		err = a.runner.Start(upd.DeploymentID)
	case types.DesiredStateStopped:
		err = a.runner.Stop(upd.DeploymentID)
	default:
		a.logger.Warn().Str("desired_state", upd.Status).Msg("unrecognised desired state, ignoring")
		return
	}
	if err != nil {
		a.logger.Warn().Str("exec_id", upd.DeploymentID).Err(err).Msg("desired-state change failed")
	}
}

func (a *NodeAgent) handleDeploymentReq(req *transport.DeploymentReq) {
	rec, err := ParseDeploymentRecord(req.Specification)
	if err != nil {
		a.logger.Warn().Err(err).Msg("rejected malformed deployment_req")
		return
	}
	logger := a.logger.With().Str("exec_id", rec.ID).Logger()

	if err := a.runner.AddExec(rec.ID, rec.Specification); err != nil {
		logger.Warn().Err(err).Msg("failed to ingest deployment spec")
		return
	}

	switch rec.DesiredState {
	case types.DesiredStateRunning:
		err = a.runner.Start(rec.ID)
	default:
		err = a.runner.Stop(rec.ID)
	}
	if err != nil {
		logger.Warn().Err(err).Msg("failed to apply desired state")
	}
}

func (a *NodeAgent) handleLogsRequest(req *transport.DeploymentLogsRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !req.Enable {
		delete(a.logSubs, req.DeploymentID)
		return
	}
	a.logSubs[req.DeploymentID] = &logSubscription{
		sinceMs: req.SinceMs,
		tail:    req.Tail,
		streams: req.Streams,
	}
}

func (a *NodeAgent) handleCondaEnsure(ctx context.Context, ensure *transport.CondaEnvEnsure) {
	specs := make([]types.CondaEnvSpec, 0, len(ensure.Envs))
	for _, e := range ensure.Envs {
		specs = append(specs, types.CondaEnvSpec{
			Name:          e.Name,
			PythonVersion: e.PythonVersion,
			Packages:      e.Packages,
		})
	}
	if err := a.conda.EnsureEnvs(ctx, specs); err != nil {
		a.logger.Warn().Err(err).Msg("environment provisioning failed")
	}

	names, err := a.conda.ListEnvNames(ctx)
	if err != nil {
		a.logger.Warn().Err(err).Msg("failed to list environments after ensure")
		return
	}
	select {
	case a.extraOut <- &transport.NodeMessage{CondaEnvReport: &transport.CondaEnvReport{EnvNames: names}}:
	default:
		a.logger.Warn().Msg("outbound queue full, dropping environment report")
	}
}

// collectSubscribedLogs gathers new lines per subscribed exec. The first
// batch honours the request's since_ms and tail; later batches send only
// lines newer than the last delivered timestamp.
func (a *NodeAgent) collectSubscribedLogs() map[string][]types.LogLine {
	a.mu.Lock()
	subs := make(map[string]*logSubscription, len(a.logSubs))
	for id, sub := range a.logSubs {
		subs[id] = sub
	}
	a.mu.Unlock()

	out := make(map[string][]types.LogLine)
	for execID, sub := range subs {
		since, tail := sub.sinceMs, sub.tail
		if sub.sentAny {
			since, tail = sub.lastMs+1, 0
		}
		entries, err := a.runner.Logs(execID, since, tail, sub.streams)
		if err != nil || len(entries) == 0 {
			continue
		}

		a.mu.Lock()
		if live, ok := a.logSubs[execID]; ok {
			live.sentAny = true
			live.lastMs = entries[len(entries)-1].TimestampUnixMs
		}
		a.mu.Unlock()
		out[execID] = entries
	}
	return out
}
