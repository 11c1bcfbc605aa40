/*
Package log provides structured logging for the migration daemon using
zerolog.

Init configures the global Logger once at startup, choosing between
console-formatted output (for a human at a terminal) and JSON (for a log
aggregator) and setting the minimum level:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

# Contextual loggers

WithComponent, WithMigration, and WithPhase derive child loggers carrying a
fixed field, so every line a phase handler emits is already tagged for
filtering:

	logger := log.WithComponent("orchestrator").
		With().Str("migration_token", m.Token).Logger()

	// equivalently, for phase handlers specifically:
	logger := log.WithMigration(m.Token)
	logger = logger.With().Str("phase", string(job.Step)).Logger()

# Package-level helpers

Info, Debug, Warn, Error, Errorf, and Fatal write to the global Logger
directly, for call sites (CLI commands, package init) that don't have a
contextual logger in scope.
*/
package log
