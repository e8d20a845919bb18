/*
Package log provides the global structured logger for Haku.

All components log through zerolog with a shared configuration set once at
process startup via Init. Child loggers carry a "component" field so host and
runner logs can be filtered per subsystem:

	logger := log.WithComponent("dispatcher")
	logger.Info().Int64("task_id", id).Msg("run order accepted")

Console output is the default; JSON output is intended for log shippers.
*/
package log
