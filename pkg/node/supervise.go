package node

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	superviseBackoffMin = 200 * time.Millisecond
	superviseBackoffMax = 5 * time.Second
)

// supervise runs fn until it returns nil (normal exit) or ctx is cancelled.
// An error return is logged and fn is respawned after a bounded backoff that
// doubles per consecutive failure and resets on success. The stdout/stderr
// pumps, the health check and the cron restart of an exec runtime run under
// this wrapper so a panic-free crash in one of them never kills supervision
// of the child process; the exit waiter is a plain goroutine.
func supervise(ctx context.Context, logger zerolog.Logger, name string, fn func(context.Context) error) {
	backoff := superviseBackoffMin
	for {
		err := fn(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		logger.Warn().Str("task", name).Err(err).Dur("backoff", backoff).Msg("supervised task failed, respawning")

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > superviseBackoffMax {
			backoff = superviseBackoffMax
		}
	}
}
