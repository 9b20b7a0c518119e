package node

import (
	"encoding/json"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/symphony/pkg/types"
)

func specificationFromJSON(t *testing.T, body string) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(body), &out))
	return out
}

func TestParseSpecAppliesDefaults(t *testing.T) {
	spec, err := ParseSpec(specificationFromJSON(t, `{
		"spec": {"config": {"command": ["sleep", "60"]}}
	}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"sleep", "60"}, spec.Config.Command)
	assert.Equal(t, types.RestartOnFailure, spec.RestartPolicy)
	assert.Equal(t, defaultMaxRestarts, spec.MaxRestarts)
	assert.Equal(t, defaultRestartWindowSec, spec.RestartWindowSec)
	assert.Equal(t, defaultLogLimitLines, spec.LogLimitLines)
	assert.Equal(t, defaultStopSignal, spec.StopSignal)
	assert.Equal(t, defaultStopTimeoutSec, spec.StopTimeoutSec)
	assert.InDelta(t, 0.5, spec.RestartBackoffSec, 0.001)
}

func TestParseSpecRejectsMissingCommand(t *testing.T) {
	cases := []string{
		`{}`,
		`{"spec": {}}`,
		`{"spec": {"config": {}}}`,
		`{"spec": {"config": {"command": []}}}`,
		`{"spec": {"config": {"command": "not-a-list"}}}`,
		`{"spec": {"config": {"command": [1, 2]}}}`,
	}
	for _, body := range cases {
		_, err := ParseSpec(specificationFromJSON(t, body))
		assert.ErrorIs(t, err, ErrSpecInvalid, "body %s", body)
	}
}

func TestParseSpecFullForm(t *testing.T) {
	spec, err := ParseSpec(specificationFromJSON(t, `{
		"spec": {
			"config": {
				"command": ["python", "serve.py"],
				"env_name": "ml-env",
				"git_repo": "https://example.com/repo.git",
				"git_ref": "main",
				"token": "tok"
			},
			"env": {"PORT": "8080"},
			"health_check": {"command": "curl -f localhost:8080", "initial_delay_seconds": 5, "period_seconds": 10},
			"auto_restart": {"enabled": true, "cron": "0 3 * * *", "timezone": "America/Los_Angeles"},
			"restart_policy": "always",
			"max_restarts": 3,
			"restart_window_sec": 60,
			"log_limit_lines": 100,
			"stop_signal": "SIGINT",
			"stop_timeout_sec": 2,
			"capacity_requests": {"gpu": 2}
		}
	}`))
	require.NoError(t, err)

	assert.Equal(t, "ml-env", spec.Config.EnvName)
	assert.Equal(t, "https://example.com/repo.git", spec.Config.GitRepo)
	assert.Equal(t, map[string]string{"PORT": "8080"}, spec.Env)
	require.NotNil(t, spec.HealthCheck)
	assert.Equal(t, 5, spec.HealthCheck.InitialDelaySeconds)
	assert.Equal(t, 10, spec.HealthCheck.PeriodSeconds)
	assert.Equal(t, 10, spec.HealthCheck.TimeoutSeconds, "timeout defaults to the period")
	require.NotNil(t, spec.AutoRestart)
	assert.True(t, spec.AutoRestart.Enabled)
	assert.Equal(t, types.RestartAlways, spec.RestartPolicy)
	assert.Equal(t, 3, spec.MaxRestarts)
	assert.Equal(t, map[string]uint64{"gpu": 2}, spec.CapacityRequests)
}

func TestParseSpecStructuredRestartPolicy(t *testing.T) {
	spec, err := ParseSpec(specificationFromJSON(t, `{
		"spec": {
			"config": {"command": ["true"]},
			"restart_policy": {"type": "always", "backoff_seconds": 2.5}
		}
	}`))
	require.NoError(t, err)
	assert.Equal(t, types.RestartAlways, spec.RestartPolicy)
	assert.InDelta(t, 2.5, spec.RestartBackoffSec, 0.001)
}

func TestParseDeploymentRecord(t *testing.T) {
	rec, err := ParseDeploymentRecord(`{
		"ID": "d1", "Name": "svc", "Kind": "EXEC", "DesiredState": "RUNNING",
		"Specification": {"spec": {"config": {"command": ["true"]}}}
	}`)
	require.NoError(t, err)
	assert.Equal(t, "d1", rec.ID)
	assert.Equal(t, types.DesiredStateRunning, rec.DesiredState)

	_, err = ParseDeploymentRecord(`{"Name": "no-id"}`)
	assert.ErrorIs(t, err, ErrSpecInvalid)

	_, err = ParseDeploymentRecord(`not json`)
	assert.ErrorIs(t, err, ErrSpecInvalid)
}

func TestHealthCommandArgs(t *testing.T) {
	args, err := HealthCommandArgs([]interface{}{"curl", "-f", "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "-f", "x"}, args)

	args, err = HealthCommandArgs("curl -f x")
	require.NoError(t, err)
	assert.Equal(t, []string{"curl", "-f", "x"}, args)

	args, err = HealthCommandArgs("probe.py")
	require.NoError(t, err)
	assert.Equal(t, []string{"python3", "probe.py"}, args)

	_, err = HealthCommandArgs("")
	assert.Error(t, err)
	_, err = HealthCommandArgs(42)
	assert.Error(t, err)
}

func TestSignalByName(t *testing.T) {
	assert.Equal(t, syscall.SIGTERM, SignalByName("SIGTERM"))
	assert.Equal(t, syscall.SIGTERM, SignalByName(""))
	assert.Equal(t, syscall.SIGTERM, SignalByName("something-weird"))
	assert.Equal(t, syscall.SIGINT, SignalByName("SIGINT"))
	assert.Equal(t, syscall.SIGINT, SignalByName("int"))
	assert.Equal(t, syscall.SIGKILL, SignalByName("SIGKILL"))
	assert.Equal(t, syscall.SIGHUP, SignalByName("HUP"))
}
