package node

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"syscall"

	"github.com/cuemby/symphony/pkg/types"
)

// ErrSpecInvalid is returned by AddExec when a deployment specification is
// missing required fields or carries malformed ones. The caller keeps the
// deployment unassigned; no runtime is created.
var ErrSpecInvalid = errors.New("invalid deployment specification")

const (
	defaultLogLimitLines  = 5000
	defaultStopTimeoutSec = 10
	defaultStopSignal     = "SIGTERM"
)

// ParseDeploymentRecord decodes the JSON body of a deployment_req envelope.
func ParseDeploymentRecord(body string) (types.DeploymentRecord, error) {
	var rec struct {
		ID            string                 `json:"ID"`
		Name          string                 `json:"Name"`
		Kind          string                 `json:"Kind"`
		DesiredState  string                 `json:"DesiredState"`
		Specification map[string]interface{} `json:"Specification"`
		CreatedAtMs   int64                  `json:"CreatedAtMs"`
		UpdatedAtMs   int64                  `json:"UpdatedAtMs"`
	}
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return types.DeploymentRecord{}, fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}
	if rec.ID == "" {
		return types.DeploymentRecord{}, fmt.Errorf("%w: missing deployment id", ErrSpecInvalid)
	}
	return types.DeploymentRecord{
		ID:            rec.ID,
		Name:          rec.Name,
		Kind:          types.DeploymentKind(rec.Kind),
		DesiredState:  types.DesiredState(rec.DesiredState),
		Specification: rec.Specification,
		CreatedAtMs:   rec.CreatedAtMs,
		UpdatedAtMs:   rec.UpdatedAtMs,
	}, nil
}

// ParseSpec extracts and validates the "spec" block of a deployment
// specification map, applying defaults for every omitted optional field.
func ParseSpec(specification map[string]interface{}) (types.DeploymentSpec, error) {
	var out types.DeploymentSpec

	spec, ok := specification["spec"].(map[string]interface{})
	if !ok {
		return out, fmt.Errorf("%w: missing spec block", ErrSpecInvalid)
	}

	config, ok := spec["config"].(map[string]interface{})
	if !ok {
		return out, fmt.Errorf("%w: missing config block", ErrSpecInvalid)
	}

	command, err := stringSlice(config["command"])
	if err != nil || len(command) == 0 {
		return out, fmt.Errorf("%w: config.command must be a non-empty list of strings", ErrSpecInvalid)
	}
	out.Config = types.ExecConfig{
		Command: command,
		EnvName: stringOr(config["env_name"], ""),
		GitRepo: stringOr(config["git_repo"], ""),
		GitRef:  stringOr(config["git_ref"], ""),
		Token:   stringOr(config["token"], ""),
	}

	if env, ok := spec["env"].(map[string]interface{}); ok {
		out.Env = make(map[string]string, len(env))
		for k, v := range env {
			out.Env[k] = fmt.Sprintf("%v", v)
		}
	}

	if hc, ok := spec["health_check"].(map[string]interface{}); ok {
		parsed, err := parseHealthCheck(hc)
		if err != nil {
			return out, err
		}
		out.HealthCheck = parsed
	}

	if ar, ok := spec["auto_restart"].(map[string]interface{}); ok {
		out.AutoRestart = &types.AutoRestartSpec{
			Enabled:  boolOr(ar["enabled"], false),
			Cron:     stringOr(ar["cron"], ""),
			Timezone: stringOr(ar["timezone"], ""),
		}
	}

	out.RestartPolicy, out.RestartBackoffSec = parseRestartPolicy(spec["restart_policy"])
	out.MaxRestarts = intOr(spec["max_restarts"], defaultMaxRestarts)
	out.RestartWindowSec = intOr(spec["restart_window_sec"], defaultRestartWindowSec)
	out.LogLimitLines = intOr(spec["log_limit_lines"], defaultLogLimitLines)
	out.StopSignal = stringOr(spec["stop_signal"], defaultStopSignal)
	out.StopTimeoutSec = intOr(spec["stop_timeout_sec"], defaultStopTimeoutSec)

	if reqs, ok := spec["capacity_requests"].(map[string]interface{}); ok {
		out.CapacityRequests = make(map[string]uint64, len(reqs))
		for k, v := range reqs {
			if n, ok := numberAsUint(v); ok {
				out.CapacityRequests[k] = n
			}
		}
	}

	return out, nil
}

func parseHealthCheck(hc map[string]interface{}) (*types.HealthCheckSpec, error) {
	cmd := hc["command"]
	if cmd == nil {
		return nil, fmt.Errorf("%w: health_check.command is required", ErrSpecInvalid)
	}
	if _, err := HealthCommandArgs(cmd); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSpecInvalid, err)
	}
	period := intOr(hc["period_seconds"], 30)
	timeout := intOr(hc["timeout_seconds"], 0)
	if timeout <= 0 {
		timeout = period
	}
	return &types.HealthCheckSpec{
		Command:             cmd,
		InitialDelaySeconds: intOr(hc["initial_delay_seconds"], 0),
		PeriodSeconds:       period,
		TimeoutSeconds:      timeout,
	}, nil
}

// parseRestartPolicy accepts either the short string form or the structured
// {"type": ..., "backoff_seconds": ...} form.
func parseRestartPolicy(v interface{}) (types.RestartPolicyType, float64) {
	backoff := defaultRestartBackoff.Seconds()
	switch p := v.(type) {
	case string:
		return normalizePolicy(p), backoff
	case map[string]interface{}:
		if b, ok := p["backoff_seconds"].(float64); ok && b >= 0 {
			backoff = b
		}
		return normalizePolicy(stringOr(p["type"], "")), backoff
	default:
		return types.RestartOnFailure, backoff
	}
}

func normalizePolicy(s string) types.RestartPolicyType {
	switch types.RestartPolicyType(s) {
	case types.RestartNever, types.RestartAlways, types.RestartOnFailure:
		return types.RestartPolicyType(s)
	default:
		return types.RestartOnFailure
	}
}

// HealthCommandArgs normalizes a health_check.command value into argv form:
// a list of strings passes through, a plain string is whitespace-split, and
// a bare .py path is invoked through the python interpreter.
func HealthCommandArgs(v interface{}) ([]string, error) {
	var args []string
	switch c := v.(type) {
	case string:
		args = strings.Fields(c)
	default:
		var err error
		args, err = stringSlice(v)
		if err != nil {
			return nil, fmt.Errorf("health command must be a string or list of strings")
		}
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("health command is empty")
	}
	if len(args) == 1 && strings.HasSuffix(args[0], ".py") {
		args = []string{"python3", args[0]}
	}
	return args, nil
}

// SignalByName maps a spec's stop_signal string onto the matching signal,
// defaulting to SIGTERM for anything unrecognised.
func SignalByName(name string) syscall.Signal {
	switch strings.TrimPrefix(strings.ToUpper(name), "SIG") {
	case "INT":
		return syscall.SIGINT
	case "QUIT":
		return syscall.SIGQUIT
	case "KILL":
		return syscall.SIGKILL
	case "USR1":
		return syscall.SIGUSR1
	case "USR2":
		return syscall.SIGUSR2
	case "HUP":
		return syscall.SIGHUP
	default:
		return syscall.SIGTERM
	}
}

func stringSlice(v interface{}) ([]string, error) {
	switch s := v.(type) {
	case []string:
		return s, nil
	case []interface{}:
		out := make([]string, 0, len(s))
		for _, e := range s {
			str, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected list of strings, got %T", v)
	}
}

func stringOr(v interface{}, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

func boolOr(v interface{}, def bool) bool {
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

func intOr(v interface{}, def int) int {
	switch n := v.(type) {
	case float64:
		if n > 0 {
			return int(n)
		}
	case int:
		if n > 0 {
			return n
		}
	}
	return def
}

func numberAsUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case float64:
		if n >= 0 {
			return uint64(n), true
		}
	case int:
		if n >= 0 {
			return uint64(n), true
		}
	}
	return 0, false
}
