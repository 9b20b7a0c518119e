/*
Package log provides structured logging for Symphony using zerolog.

All components log through a single global zerolog.Logger, initialized once
via log.Init() at process startup. Component loggers are created with
WithComponent, WithNodeID, WithExecID to attach consistent fields without
threading a logger through every call.

# Example

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("scheduler")
	logger.Info().Str("exec_id", id).Msg("assigned deployment")

# Levels

Debug is for development and reconciliation tracing, Info is the default
production level, Warn flags conditions worth a human's attention (a
suppressed restart, a missed heartbeat), Error is an operation that failed
and needs investigation.
*/
package log
