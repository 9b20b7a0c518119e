package node

import (
	"context"
	"time"

	"github.com/cuemby/symphony/pkg/health"
	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/types"
)

// startHealthLoop arms the periodic health probe for rt's current spec. Any
// previously armed probe is cancelled first.
func (r *RunnerExec) startHealthLoop(rt *ExecRuntime) {
	rt.mu.Lock()
	hc := rt.spec.HealthCheck
	if rt.healthCancel != nil {
		rt.healthCancel()
		rt.healthCancel = nil
	}
	if hc == nil {
		rt.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(r.ctx)
	rt.healthCancel = cancel
	rt.mu.Unlock()

	spec := *hc
	go supervise(ctx, rt.logger, "health-check", func(ctx context.Context) error {
		return r.healthLoop(ctx, rt, spec)
	})
}

// healthLoop probes the child after initial_delay_seconds, then once per
// period. A non-zero exit or timeout counts as one failure and triggers an
// immediate restart; a single bad probe is enough, matching the supervisor
// contract rather than a consecutive-failure threshold.
func (r *RunnerExec) healthLoop(ctx context.Context, rt *ExecRuntime, hc types.HealthCheckSpec) error {
	args, err := HealthCommandArgs(hc.Command)
	if err != nil {
		rt.logger.Warn().Err(err).Msg("health check disabled: bad command")
		return nil
	}

	select {
	case <-ctx.Done():
		return nil
	case <-time.After(time.Duration(hc.InitialDelaySeconds) * time.Second):
	}

	checker := health.NewExecChecker(args).
		WithTimeout(time.Duration(hc.TimeoutSeconds) * time.Second)

	ticker := time.NewTicker(time.Duration(hc.PeriodSeconds) * time.Second)
	defer ticker.Stop()

	for {
		rt.mu.Lock()
		running := rt.status == types.ExecStatusRunning && rt.cmd != nil
		rt.mu.Unlock()

		if running {
			result := checker.Check(ctx)
			if ctx.Err() != nil {
				return nil
			}
			if !result.Healthy {
				metrics.HealthCheckFailuresTotal.WithLabelValues(rt.id).Inc()
				rt.logger.Warn().Str("detail", result.Detail).Msg("health check failed")
				rt.limiter.record("health-check-failed", nil)
				if err := r.Restart(rt.id, "health check failed"); err != nil {
					rt.logger.Warn().Err(err).Msg("health-driven restart failed")
				}
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
