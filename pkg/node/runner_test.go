package node

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/symphony/pkg/log"
	"github.com/cuemby/symphony/pkg/types"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel})
	os.Exit(m.Run())
}

func newTestRunner(t *testing.T) *RunnerExec {
	t.Helper()
	r := NewRunnerExec(NewRepoFetcher(t.TempDir()), NewCondaEnvManager("conda"))
	t.Cleanup(r.Close)
	return r
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func execSpec(command []string, extra map[string]interface{}) map[string]interface{} {
	spec := map[string]interface{}{
		"config": map[string]interface{}{"command": toIface(command)},
	}
	for k, v := range extra {
		spec[k] = v
	}
	return map[string]interface{}{"spec": spec}
}

func toIface(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

func statusOf(t *testing.T, r *RunnerExec, id string) types.DeploymentStatus {
	t.Helper()
	st, err := r.Status(id)
	require.NoError(t, err)
	return st
}

func TestStartRunsChildAndCapturesLogs(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sh", "-c", "echo hello; sleep 30"}, nil)))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "child running", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusRunning
	})
	assert.Greater(t, statusOf(t, r, "e1").Pid, 0)
	assert.NotZero(t, statusOf(t, r, "e1").StartedAtMs)

	waitFor(t, 5*time.Second, "stdout captured", func() bool {
		lines, err := r.Logs("e1", 0, 0, nil)
		return err == nil && len(lines) == 1 && lines[0].Line == "hello" && lines[0].Stream == "stdout"
	})

	require.NoError(t, r.Stop("e1"))
	st := statusOf(t, r, "e1")
	assert.Equal(t, types.ExecStatusStopped, st.Status)
	assert.Equal(t, types.DesiredStateStopped, st.DesiredState)
	assert.Zero(t, st.Pid)
}

func TestCleanExitBecomesExited(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sh", "-c", "exit 0"},
		map[string]interface{}{"restart_policy": "never"})))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "exited", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusExited
	})
}

func TestNonZeroExitBecomesCrashed(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sh", "-c", "exit 3"},
		map[string]interface{}{"restart_policy": "never"})))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "crashed", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusCrashed
	})

	rt, err := r.get("e1")
	require.NoError(t, err)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	require.NotNil(t, rt.lastExitCode)
	assert.Equal(t, 3, *rt.lastExitCode)
}

func TestSpawnFailureBecomesCrashed(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"/no/such/binary"}, nil)))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "crashed on spawn failure", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusCrashed
	})
	assert.Zero(t, statusOf(t, r, "e1").Pid)
}

func TestRestartPolicySuppressedByRateLimit(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sh", "-c", "exit 1"},
		map[string]interface{}{
			"restart_policy":     map[string]interface{}{"type": "always", "backoff_seconds": 0.01},
			"max_restarts":       float64(3),
			"restart_window_sec": float64(60),
		})))
	require.NoError(t, r.Start("e1"))

	// Three respawns are allowed; the fourth failure inside the window is
	// suppressed and the runtime parks in CRASHED.
	waitFor(t, 10*time.Second, "rate limit to trip", func() bool {
		events, err := r.GetRestartHistory("e1", 0)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Reason == "rate-limit-exceeded" {
				return true
			}
		}
		return false
	})
	waitFor(t, 5*time.Second, "crashed after suppression", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusCrashed
	})

	events, err := r.GetRestartHistory("e1", 0)
	require.NoError(t, err)
	restarts := 0
	for _, e := range events {
		if e.Reason == "process exited" {
			restarts++
		}
	}
	assert.Equal(t, 3, restarts)
}

func TestAtMostOneChildPerExec(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"}, nil)))
	require.NoError(t, r.Start("e1"))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "running", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusRunning
	})
	pid := statusOf(t, r, "e1").Pid

	require.NoError(t, r.Start("e1"))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, pid, statusOf(t, r, "e1").Pid, "start on a running exec must not respawn")
}

func TestRestartReplacesChild(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"},
		map[string]interface{}{"stop_timeout_sec": float64(2)})))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "running", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusRunning
	})
	firstPid := statusOf(t, r, "e1").Pid

	require.NoError(t, r.Restart("e1", "test"))
	waitFor(t, 5*time.Second, "replacement child", func() bool {
		st := statusOf(t, r, "e1")
		return st.Status == types.ExecStatusRunning && st.Pid != firstPid
	})
	assert.Equal(t, types.DesiredStateRunning, statusOf(t, r, "e1").DesiredState)
}

func TestHealthCheckFailureTriggersRestart(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"},
		map[string]interface{}{
			"stop_timeout_sec": float64(2),
			"health_check": map[string]interface{}{
				"command":               "false",
				"initial_delay_seconds": float64(1),
				"period_seconds":        float64(1),
			},
		})))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "running", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusRunning
	})
	firstPid := statusOf(t, r, "e1").Pid

	waitFor(t, 10*time.Second, "health-check restart", func() bool {
		events, err := r.GetRestartHistory("e1", 0)
		if err != nil {
			return false
		}
		for _, e := range events {
			if e.Reason == "health-check-failed" {
				return true
			}
		}
		return false
	})
	waitFor(t, 10*time.Second, "child replaced", func() bool {
		st := statusOf(t, r, "e1")
		return st.Status == types.ExecStatusRunning && st.Pid != firstPid
	})
}

func TestReconcileAppliesLimitsInPlace(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"}, nil)))

	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"},
		map[string]interface{}{
			"max_restarts":       float64(7),
			"restart_window_sec": float64(42),
			"log_limit_lines":    float64(99),
		})))

	rt, err := r.get("e1")
	require.NoError(t, err)
	assert.Equal(t, 7, rt.limiter.maxRestart)
	assert.Equal(t, 42, rt.limiter.windowSec)
	assert.Equal(t, 99, rt.logs.limit)
	assert.Equal(t, types.ExecStatusStopped, statusOf(t, r, "e1").Status,
		"limit-only changes must not start or restart anything")
}

func TestReconcileCommandChangeRestartsRunningExec(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"},
		map[string]interface{}{"stop_timeout_sec": float64(2)})))
	require.NoError(t, r.Start("e1"))

	waitFor(t, 5*time.Second, "running", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusRunning
	})
	firstPid := statusOf(t, r, "e1").Pid

	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "31"},
		map[string]interface{}{"stop_timeout_sec": float64(2)})))

	waitFor(t, 10*time.Second, "respawn with new command", func() bool {
		st := statusOf(t, r, "e1")
		return st.Status == types.ExecStatusRunning && st.Pid != firstPid
	})

	events, err := r.GetRestartHistory("e1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "spec updated", events[0].Reason)
}

func TestRemoveStopsAndForgets(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"}, nil)))
	require.NoError(t, r.Start("e1"))
	waitFor(t, 5*time.Second, "running", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusRunning
	})

	require.NoError(t, r.Remove("e1", true))
	_, err := r.Status("e1")
	assert.ErrorIs(t, err, ErrExecNotFound)
	assert.Empty(t, r.ListIDs())
}

func TestCapacitiesUsedAggregatesActiveExecs(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.AddExec("e1", execSpec([]string{"sleep", "30"},
		map[string]interface{}{"capacity_requests": map[string]interface{}{"gpu": float64(2)}})))
	require.NoError(t, r.AddExec("e2", execSpec([]string{"sleep", "30"},
		map[string]interface{}{"capacity_requests": map[string]interface{}{"gpu": float64(1), "fpga": float64(1)}})))

	assert.Empty(t, r.CapacitiesUsed(), "stopped execs hold no capacity")

	require.NoError(t, r.Start("e1"))
	require.NoError(t, r.Start("e2"))
	waitFor(t, 5*time.Second, "both running", func() bool {
		return statusOf(t, r, "e1").Status == types.ExecStatusRunning &&
			statusOf(t, r, "e2").Status == types.ExecStatusRunning
	})

	used := r.CapacitiesUsed()
	assert.Equal(t, uint64(3), used["gpu"])
	assert.Equal(t, uint64(1), used["fpga"])
}
