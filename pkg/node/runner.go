package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/types"
)

// ErrExecNotFound is returned by any RunnerExec operation naming an exec_id
// with no runtime.
var ErrExecNotFound = errors.New("exec not found")

// RunnerExec supervises every exec runtime on this node: one child process
// per deployment, with restart policy, health checking, cron auto-restart
// and bounded in-memory logs. All runtimes are owned here; NodeAgent only
// calls the public surface.
type RunnerExec struct {
	repos *RepoFetcher
	conda *CondaEnvManager

	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu    sync.Mutex
	execs map[string]*ExecRuntime
}

// ExecRuntime is the per-deployment state machine. Every state transition
// happens under mu; blocking work (git, process wait, sleeps) happens
// outside it.
type ExecRuntime struct {
	id     string
	logger zerolog.Logger

	mu      sync.Mutex
	spec    types.DeploymentSpec
	desired types.DesiredState
	status  types.ExecStatus

	cmd        *exec.Cmd
	pid        int
	generation int
	doneCh     chan struct{}
	restarting bool

	lastExitCode *int
	startedAtMs  int64
	stoppedAtMs  int64

	logs    *logRingBuffer
	limiter *restartLimiter

	procCancel   context.CancelFunc
	healthCancel context.CancelFunc
	cronCancel   context.CancelFunc
}

// NewRunnerExec creates a supervisor backed by the given repo fetcher and
// environment manager.
func NewRunnerExec(repos *RepoFetcher, conda *CondaEnvManager) *RunnerExec {
	ctx, cancel := context.WithCancel(context.Background())
	return &RunnerExec{
		repos:  repos,
		conda:  conda,
		ctx:    ctx,
		cancel: cancel,
		logger: log.WithComponent("runner-exec"),
		execs:  make(map[string]*ExecRuntime),
	}
}

// Close stops supervision of every runtime and terminates their children.
func (r *RunnerExec) Close() {
	for _, id := range r.ListIDs() {
		_ = r.Stop(id)
	}
	r.cancel()
}

// AddExec registers a new runtime for id, or reconciles the existing one
// against the updated specification.
func (r *RunnerExec) AddExec(id string, specification map[string]interface{}) error {
	spec, err := ParseSpec(specification)
	if err != nil {
		return err
	}

	r.mu.Lock()
	rt, exists := r.execs[id]
	if !exists {
		rt = &ExecRuntime{
			id:      id,
			logger:  log.WithExecID(id),
			desired: types.DesiredStateStopped,
			status:  types.ExecStatusStopped,
			spec:    spec,
			logs:    newLogRingBuffer(spec.LogLimitLines),
			limiter: newRestartLimiter(spec.MaxRestarts, spec.RestartWindowSec),
		}
		r.execs[id] = rt
		r.mu.Unlock()
		metrics.ExecsByStatus.WithLabelValues(string(types.ExecStatusStopped)).Inc()
		rt.logger.Info().Msg("exec registered")
		return nil
	}
	r.mu.Unlock()

	return r.reconcile(rt, spec)
}

// reconcile applies an updated spec to a live runtime. Command, repo or env
// changes restart a running child; health-check and auto-restart blocks are
// re-armed; policy, limits and the log bound apply in place.
func (r *RunnerExec) reconcile(rt *ExecRuntime, next types.DeploymentSpec) error {
	rt.mu.Lock()
	prev := rt.spec
	rt.spec = next
	rt.limiter.configure(next.MaxRestarts, next.RestartWindowSec)
	rt.logs.setLimit(next.LogLimitLines)

	running := rt.cmd != nil && rt.status == types.ExecStatusRunning
	commandChanged := !reflect.DeepEqual(prev.Config.Command, next.Config.Command) ||
		prev.Config.GitRepo != next.Config.GitRepo ||
		prev.Config.GitRef != next.Config.GitRef ||
		!reflect.DeepEqual(prev.Env, next.Env)
	healthChanged := !reflect.DeepEqual(prev.HealthCheck, next.HealthCheck)
	cronChanged := !reflect.DeepEqual(prev.AutoRestart, next.AutoRestart)
	rt.mu.Unlock()

	if commandChanged && running {
		rt.limiter.record("spec updated", nil)
		return r.Restart(rt.id, "spec updated")
	}

	if healthChanged {
		rt.mu.Lock()
		if rt.healthCancel != nil {
			rt.healthCancel()
			rt.healthCancel = nil
		}
		rearm := running && next.HealthCheck != nil
		rt.mu.Unlock()
		if rearm {
			r.startHealthLoop(rt)
		}
	}

	if cronChanged {
		rt.mu.Lock()
		if rt.cronCancel != nil {
			rt.cronCancel()
			rt.cronCancel = nil
		}
		rearm := running && next.AutoRestart != nil && next.AutoRestart.Enabled
		rt.mu.Unlock()
		if rearm {
			r.startCronLoop(rt)
		}
	}

	return nil
}

// Start sets desired_state to RUNNING and spawns the child unless one is
// already live.
func (r *RunnerExec) Start(id string) error {
	rt, err := r.get(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	rt.desired = types.DesiredStateRunning
	if rt.status == types.ExecStatusStarting || rt.status == types.ExecStatusRunning {
		rt.mu.Unlock()
		return nil
	}
	r.setStatusLocked(rt, types.ExecStatusStarting)
	rt.mu.Unlock()

	go r.runChild(rt)
	return nil
}

// Stop sets desired_state to STOPPED and terminates the child: stop_signal
// first, SIGKILL after stop_timeout_sec.
func (r *RunnerExec) Stop(id string) error {
	rt, err := r.get(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	rt.desired = types.DesiredStateStopped
	r.cancelAuxLocked(rt)

	if rt.cmd == nil {
		if rt.status != types.ExecStatusCrashed && rt.status != types.ExecStatusExited {
			r.setStatusLocked(rt, types.ExecStatusStopped)
		}
		rt.mu.Unlock()
		return nil
	}

	r.setStatusLocked(rt, types.ExecStatusStopping)
	cmd, done := rt.cmd, rt.doneCh
	sig := SignalByName(rt.spec.StopSignal)
	timeout := time.Duration(rt.spec.StopTimeoutSec) * time.Second
	rt.mu.Unlock()

	_ = cmd.Process.Signal(sig)
	select {
	case <-done:
	case <-time.After(timeout):
		rt.logger.Warn().Dur("timeout", timeout).Msg("child ignored stop signal, killing")
		_ = cmd.Process.Kill()
		<-done
	}
	return nil
}

// Restart replaces the current child with a fresh one, leaving
// desired_state untouched. No-op unless desired_state is RUNNING.
func (r *RunnerExec) Restart(id, reason string) error {
	rt, err := r.get(id)
	if err != nil {
		return err
	}

	rt.mu.Lock()
	if rt.desired != types.DesiredStateRunning {
		rt.mu.Unlock()
		return nil
	}
	rt.logger.Info().Str("reason", reason).Msg("restarting exec")
	metrics.RestartsTotal.WithLabelValues(rt.id, reason).Inc()

	if rt.cmd != nil {
		rt.restarting = true
		r.setStatusLocked(rt, types.ExecStatusStopping)
		cmd, done := rt.cmd, rt.doneCh
		sig := SignalByName(rt.spec.StopSignal)
		timeout := time.Duration(rt.spec.StopTimeoutSec) * time.Second
		rt.mu.Unlock()

		_ = cmd.Process.Signal(sig)
		select {
		case <-done:
		case <-time.After(timeout):
			_ = cmd.Process.Kill()
			<-done
		}

		rt.mu.Lock()
		rt.restarting = false
	}

	if rt.desired != types.DesiredStateRunning {
		rt.mu.Unlock()
		return nil
	}
	r.setStatusLocked(rt, types.ExecStatusStarting)
	rt.mu.Unlock()

	go r.runChild(rt)
	return nil
}

// Remove drops the runtime, optionally stopping its child first.
func (r *RunnerExec) Remove(id string, stop bool) error {
	if stop {
		if err := r.Stop(id); err != nil {
			return err
		}
	}

	r.mu.Lock()
	rt, ok := r.execs[id]
	if ok {
		delete(r.execs, id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrExecNotFound
	}

	rt.mu.Lock()
	r.cancelAuxLocked(rt)
	if rt.procCancel != nil {
		rt.procCancel()
	}
	metrics.ExecsByStatus.WithLabelValues(string(rt.status)).Dec()
	rt.mu.Unlock()
	rt.logger.Info().Msg("exec removed")
	return nil
}

// Status reports the runtime's current observable state.
func (r *RunnerExec) Status(id string) (types.DeploymentStatus, error) {
	rt, err := r.get(id)
	if err != nil {
		return types.DeploymentStatus{}, err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return types.DeploymentStatus{
		ExecID:           rt.id,
		DesiredState:     rt.desired,
		Status:           rt.status,
		Pid:              rt.pid,
		StartedAtMs:      rt.startedAtMs,
		RestartPolicy:    rt.spec.RestartPolicy,
		MaxRestarts:      rt.spec.MaxRestarts,
		RestartWindowSec: rt.spec.RestartWindowSec,
	}, nil
}

// Statuses reports every runtime, ascending by exec_id.
func (r *RunnerExec) Statuses() []types.DeploymentStatus {
	out := make([]types.DeploymentStatus, 0)
	for _, id := range r.ListIDs() {
		st, err := r.Status(id)
		if err == nil {
			out = append(out, st)
		}
	}
	return out
}

// Logs returns buffered log lines filtered by since_ms, tail and streams.
func (r *RunnerExec) Logs(id string, sinceMs int64, tail int, streams []string) ([]types.LogLine, error) {
	rt, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return rt.logs.snapshot(sinceMs, tail, streams), nil
}

// GetRestartHistory returns the most recent restart events, oldest first.
func (r *RunnerExec) GetRestartHistory(id string, tail int) ([]types.RestartEvent, error) {
	rt, err := r.get(id)
	if err != nil {
		return nil, err
	}
	return rt.limiter.recentHistory(tail), nil
}

// ListIDs returns every registered exec_id, ascending.
func (r *RunnerExec) ListIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.execs))
	for id := range r.execs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CapacitiesUsed aggregates capacity_requests across every runtime whose
// child is live or coming up, for the next heartbeat's
// total_capacities_used field.
func (r *RunnerExec) CapacitiesUsed() map[string]uint64 {
	r.mu.Lock()
	rts := make([]*ExecRuntime, 0, len(r.execs))
	for _, rt := range r.execs {
		rts = append(rts, rt)
	}
	r.mu.Unlock()

	used := make(map[string]uint64)
	for _, rt := range rts {
		rt.mu.Lock()
		active := rt.status == types.ExecStatusStarting ||
			rt.status == types.ExecStatusRunning ||
			rt.status == types.ExecStatusStopping
		if active {
			for k, v := range rt.spec.CapacityRequests {
				used[k] += v
			}
		}
		rt.mu.Unlock()
	}
	return used
}

func (r *RunnerExec) get(id string) (*ExecRuntime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rt, ok := r.execs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecNotFound, id)
	}
	return rt, nil
}

// setStatusLocked transitions rt.status, keeping the by-status gauge in
// step. rt.mu must be held.
func (r *RunnerExec) setStatusLocked(rt *ExecRuntime, next types.ExecStatus) {
	if rt.status == next {
		return
	}
	metrics.ExecsByStatus.WithLabelValues(string(rt.status)).Dec()
	metrics.ExecsByStatus.WithLabelValues(string(next)).Inc()
	rt.status = next
}

// cancelAuxLocked stops the health-check and cron tasks. rt.mu must be held.
func (r *RunnerExec) cancelAuxLocked(rt *ExecRuntime) {
	if rt.healthCancel != nil {
		rt.healthCancel()
		rt.healthCancel = nil
	}
	if rt.cronCancel != nil {
		rt.cronCancel()
		rt.cronCancel = nil
	}
}

// runChild performs one spawn cycle: prepare the working tree and command,
// fork the child, then hand off to the pumps and the exit waiter.
func (r *RunnerExec) runChild(rt *ExecRuntime) {
	rt.mu.Lock()
	spec := rt.spec
	rt.mu.Unlock()

	timer := prometheus.NewTimer(metrics.SpawnDuration)
	proc, err := r.buildProcess(rt, spec)
	if err != nil {
		rt.logger.Error().Err(err).Msg("failed to prepare exec command")
		rt.mu.Lock()
		r.setStatusLocked(rt, types.ExecStatusCrashed)
		rt.mu.Unlock()
		return
	}

	cmd := exec.Command(proc.Args[0], proc.Args[1:]...)
	cmd.Env = proc.Env
	cmd.Dir = proc.Cwd
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		r.failSpawn(rt, err)
		return
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		r.failSpawn(rt, err)
		return
	}

	rt.mu.Lock()
	if rt.desired != types.DesiredStateRunning {
		r.setStatusLocked(rt, types.ExecStatusStopped)
		rt.mu.Unlock()
		return
	}
	if err := cmd.Start(); err != nil {
		r.setStatusLocked(rt, types.ExecStatusCrashed)
		rt.mu.Unlock()
		rt.logger.Error().Err(err).Msg("failed to spawn child process")
		return
	}

	procCtx, procCancel := context.WithCancel(r.ctx)
	rt.cmd = cmd
	rt.pid = cmd.Process.Pid
	rt.generation++
	gen := rt.generation
	rt.doneCh = make(chan struct{})
	done := rt.doneCh
	rt.procCancel = procCancel
	rt.startedAtMs = time.Now().UnixMilli()
	r.setStatusLocked(rt, types.ExecStatusRunning)
	rt.mu.Unlock()

	timer.ObserveDuration()
	rt.logger.Info().Int("pid", cmd.Process.Pid).Msg("child process started")

	go supervise(procCtx, rt.logger, "stdout-pump", func(ctx context.Context) error {
		return pumpLines(ctx, stdout, "stdout", rt.logs)
	})
	go supervise(procCtx, rt.logger, "stderr-pump", func(ctx context.Context) error {
		return pumpLines(ctx, stderr, "stderr", rt.logs)
	})
	go r.waitChild(rt, cmd, gen, done, procCancel)

	if spec.HealthCheck != nil {
		r.startHealthLoop(rt)
	}
	if spec.AutoRestart != nil && spec.AutoRestart.Enabled {
		r.startCronLoop(rt)
	}
}

func (r *RunnerExec) failSpawn(rt *ExecRuntime, err error) {
	rt.logger.Error().Err(err).Msg("failed to set up child process pipes")
	rt.mu.Lock()
	r.setStatusLocked(rt, types.ExecStatusCrashed)
	rt.mu.Unlock()
}

// buildProcess resolves the working tree and environment wrapping into a
// normalized process description.
func (r *RunnerExec) buildProcess(rt *ExecRuntime, spec types.DeploymentSpec) (*specs.Process, error) {
	cwd := ""
	if spec.Config.GitRepo != "" {
		dir, err := r.repos.Prepare(r.ctx, rt.id, spec.Config.GitRepo, spec.Config.GitRef, spec.Config.Token)
		if err != nil {
			return nil, err
		}
		cwd = dir
	}

	args := spec.Config.Command
	if spec.Config.EnvName != "" {
		args = ActivationCommand(r.conda.binary, spec.Config.EnvName, args)
	}

	env := os.Environ()
	for k, v := range spec.Env {
		env = append(env, k+"="+v)
	}

	return &specs.Process{Args: args, Env: env, Cwd: cwd}, nil
}

// pumpLines copies one stream of child output into the ring buffer, a line
// at a time. Invalid UTF-8 is replaced rather than dropped. EOF is a normal
// exit.
func pumpLines(ctx context.Context, src io.Reader, stream string, buf *logRingBuffer) error {
	reader := bufio.NewReader(src)
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := reader.ReadString('\n')
		if line != "" {
			buf.append(stream, strings.ToValidUTF8(strings.TrimRight(line, "\n"), "�"))
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

// waitChild reaps the child, records its exit, transitions the state
// machine, and applies the restart policy.
func (r *RunnerExec) waitChild(rt *ExecRuntime, cmd *exec.Cmd, gen int, done chan struct{}, procCancel context.CancelFunc) {
	err := cmd.Wait()
	code := 0
	if cmd.ProcessState != nil {
		code = cmd.ProcessState.ExitCode()
	}
	if code < 0 {
		// Killed by signal; treat as failure for policy purposes.
		code = 128
	}

	rt.mu.Lock()
	if rt.generation != gen {
		rt.mu.Unlock()
		close(done)
		return
	}

	rt.cmd = nil
	rt.pid = 0
	rt.lastExitCode = &code
	rt.stoppedAtMs = time.Now().UnixMilli()
	rt.procCancel = nil

	stopped := rt.status == types.ExecStatusStopping
	switch {
	case stopped:
		r.setStatusLocked(rt, types.ExecStatusStopped)
	case code == 0:
		r.setStatusLocked(rt, types.ExecStatusExited)
	default:
		r.setStatusLocked(rt, types.ExecStatusCrashed)
	}

	if rt.healthCancel != nil {
		rt.healthCancel()
		rt.healthCancel = nil
	}

	desired := rt.desired
	restarting := rt.restarting
	spec := rt.spec
	rt.mu.Unlock()

	procCancel()
	close(done)

	if err != nil {
		rt.logger.Warn().Int("exit_code", code).Msg("child process exited")
	} else {
		rt.logger.Info().Int("exit_code", code).Msg("child process exited")
	}

	if stopped || restarting || desired != types.DesiredStateRunning {
		return
	}
	if !shouldRestart(spec.RestartPolicy, code) {
		return
	}

	if !rt.limiter.allow(time.Now()) {
		rt.limiter.record("rate-limit-exceeded", &code)
		metrics.RestartsSuppressedTotal.WithLabelValues(rt.id).Inc()
		rt.logger.Warn().
			Int("max_restarts", spec.MaxRestarts).
			Int("window_sec", spec.RestartWindowSec).
			Msg("restart suppressed by rate limit, marking crashed")
		rt.mu.Lock()
		if rt.generation == gen && rt.cmd == nil {
			r.setStatusLocked(rt, types.ExecStatusCrashed)
		}
		rt.mu.Unlock()
		return
	}
	rt.limiter.record("process exited", &code)
	metrics.RestartsTotal.WithLabelValues(rt.id, "process-exited").Inc()

	backoff := time.Duration(spec.RestartBackoffSec * float64(time.Second))
	select {
	case <-r.ctx.Done():
		return
	case <-time.After(backoff):
	}

	rt.mu.Lock()
	// An external Start (or Restart) may have taken over during the
	// backoff; only respawn if the runtime is still parked where this
	// waiter left it.
	if rt.desired != types.DesiredStateRunning || rt.generation != gen || rt.cmd != nil ||
		(rt.status != types.ExecStatusExited && rt.status != types.ExecStatusCrashed) {
		rt.mu.Unlock()
		return
	}
	r.setStatusLocked(rt, types.ExecStatusStarting)
	rt.mu.Unlock()

	r.runChild(rt)
}
