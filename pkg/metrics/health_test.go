package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetHealth gives each test a clean tracker; the package singleton is
// otherwise shared across the binary.
func resetHealth(t *testing.T) {
	t.Helper()
	healthChecker = &HealthChecker{
		components: make(map[string]ComponentHealth),
		startTime:  time.Now(),
	}
}

func serveJSON(t *testing.T, handler http.HandlerFunc, path string) (int, HealthStatus) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	handler(w, req)

	var body HealthStatus
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	return w.Code, body
}

func TestGetHealthAggregatesComponents(t *testing.T) {
	resetHealth(t)
	SetVersion("1.2.3")

	RegisterComponent("registry", true, "")
	RegisterComponent("scheduler", true, "")

	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)
	assert.Len(t, health.Components, 2)

	UpdateComponent("stream", false, "not listening")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "unhealthy: not listening", health.Components["stream"])
}

func TestReadinessGatesOnCriticalSet(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents("registry", "scheduler")

	// Only one of two critical components has registered.
	RegisterComponent("registry", true, "")
	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "waiting for scheduler initialization", readiness.Message)
	assert.Equal(t, "not registered", readiness.Components["scheduler"])

	// Registered but unhealthy is still not ready.
	RegisterComponent("scheduler", false, "loop not started")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Equal(t, "not ready: loop not started", readiness.Components["scheduler"])

	// Non-critical components never gate readiness.
	RegisterComponent("scheduler", true, "")
	RegisterComponent("extra", false, "broken")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
}

func TestReadinessDefaultsToAllRegistered(t *testing.T) {
	resetHealth(t)
	RegisterComponent("supervisor", true, "")
	RegisterComponent("sampler", false, "procfs unavailable")

	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
}

func TestHealthHandlerStatusCodes(t *testing.T) {
	resetHealth(t)
	RegisterComponent("supervisor", true, "")

	code, body := serveJSON(t, HealthHandler(), "/health")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "healthy", body.Status)

	UpdateComponent("supervisor", false, "broken")
	code, body = serveJSON(t, HealthHandler(), "/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "unhealthy", body.Status)
}

func TestReadyHandlerStatusCodes(t *testing.T) {
	resetHealth(t)
	SetCriticalComponents("registry")

	code, body := serveJSON(t, ReadyHandler(), "/ready")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "not_ready", body.Status)

	RegisterComponent("registry", true, "")
	code, body = serveJSON(t, ReadyHandler(), "/ready")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ready", body.Status)
}

func TestLivenessHandlerAlwaysOK(t *testing.T) {
	resetHealth(t)

	req := httptest.NewRequest(http.MethodGet, "/live", nil)
	w := httptest.NewRecorder()
	LivenessHandler()(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "alive", body["status"])
	assert.NotEmpty(t, body["uptime"])
}
