package node

import (
	"sync"
	"time"

	"github.com/cuemby/symphony/pkg/types"
)

const (
	defaultMaxRestarts      = 10
	defaultRestartWindowSec = 300
	defaultRestartBackoff   = 500 * time.Millisecond
	restartHistoryLimit     = 2000
)

// restartLimiter implements the sliding-window rate limit described in the
// restart-policy section: keep monotonic restart timestamps, drop any older
// than the window, and suppress once the remaining count reaches the cap.
type restartLimiter struct {
	mu         sync.Mutex
	windowSec  int
	maxRestart int
	times      []time.Time
	history    []types.RestartEvent
}

func newRestartLimiter(maxRestarts, windowSec int) *restartLimiter {
	if maxRestarts <= 0 {
		maxRestarts = defaultMaxRestarts
	}
	if windowSec <= 0 {
		windowSec = defaultRestartWindowSec
	}
	return &restartLimiter{maxRestart: maxRestarts, windowSec: windowSec}
}

func (r *restartLimiter) configure(maxRestarts, windowSec int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if maxRestarts > 0 {
		r.maxRestart = maxRestarts
	}
	if windowSec > 0 {
		r.windowSec = windowSec
	}
}

// allow prunes expired timestamps and reports whether one more restart may
// proceed. On success it records the restart immediately so concurrent
// callers cannot both slip through the same slot.
func (r *restartLimiter) allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := now.Add(-time.Duration(r.windowSec) * time.Second)
	kept := r.times[:0]
	for _, t := range r.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	r.times = kept

	if len(r.times) >= r.maxRestart {
		return false
	}
	r.times = append(r.times, now)
	return true
}

func (r *restartLimiter) record(reason string, exitCode *int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, types.RestartEvent{
		TimestampUnixMs: time.Now().UnixMilli(),
		Reason:          reason,
		ExitCode:        exitCode,
	})
	if over := len(r.history) - restartHistoryLimit; over > 0 {
		r.history = r.history[over:]
	}
}

func (r *restartLimiter) recentHistory(tail int) []types.RestartEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.history
	if tail > 0 && len(out) > tail {
		out = out[len(out)-tail:]
	}
	cp := make([]types.RestartEvent, len(out))
	copy(cp, out)
	return cp
}

// shouldRestart applies the never/always/on-failure policy.
func shouldRestart(policy types.RestartPolicyType, exitCode int) bool {
	switch policy {
	case types.RestartNever:
		return false
	case types.RestartOnFailure:
		return exitCode != 0
	case types.RestartAlways:
		return true
	default:
		return exitCode != 0
	}
}
