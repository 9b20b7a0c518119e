package node

import (
	"context"
	"time"

	"github.com/cuemby/symphony/pkg/metrics"
	"github.com/cuemby/symphony/pkg/types"
)

// startCronLoop arms the scheduled-restart task for rt's current
// auto_restart block. A malformed cron string or timezone disables the task
// with a log line instead of crash-looping the runtime.
func (r *RunnerExec) startCronLoop(rt *ExecRuntime) {
	rt.mu.Lock()
	ar := rt.spec.AutoRestart
	if rt.cronCancel != nil {
		rt.cronCancel()
		rt.cronCancel = nil
	}
	if ar == nil || !ar.Enabled {
		rt.mu.Unlock()
		return
	}
	spec := *ar
	rt.mu.Unlock()

	sched, err := parseCron(spec.Cron)
	if err != nil {
		rt.logger.Warn().Err(err).Str("cron", spec.Cron).Msg("auto-restart disabled: bad cron expression")
		return
	}
	loc := time.Local
	if spec.Timezone != "" {
		loc, err = time.LoadLocation(spec.Timezone)
		if err != nil {
			rt.logger.Warn().Err(err).Str("timezone", spec.Timezone).Msg("auto-restart disabled: bad timezone")
			return
		}
	}

	ctx, cancel := context.WithCancel(r.ctx)
	rt.mu.Lock()
	rt.cronCancel = cancel
	rt.mu.Unlock()

	go supervise(ctx, rt.logger, "cron-restart", func(ctx context.Context) error {
		return r.cronLoop(ctx, rt, sched, loc)
	})
}

// cronLoop sleeps until each next matching wall-clock instant in loc, then
// restarts the exec if it is still meant to be running.
func (r *RunnerExec) cronLoop(ctx context.Context, rt *ExecRuntime, sched *cronSchedule, loc *time.Location) error {
	for {
		next, err := sched.nextAfter(time.Now(), loc)
		if err != nil {
			rt.logger.Warn().Err(err).Msg("auto-restart disabled: no matching time within horizon")
			return nil
		}

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		rt.mu.Lock()
		shouldFire := rt.desired == types.DesiredStateRunning
		rt.mu.Unlock()
		if !shouldFire {
			continue
		}

		rt.logger.Info().Time("at", next).Msg("scheduled auto-restart firing")
		metrics.RestartsTotal.WithLabelValues(rt.id, "scheduled").Inc()
		rt.limiter.record("scheduled auto-restart", nil)
		if err := r.Restart(rt.id, "scheduled auto-restart"); err != nil {
			rt.logger.Warn().Err(err).Msg("scheduled restart failed")
		}
	}
}
