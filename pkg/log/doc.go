/*
Package log provides structured logging for upctl built on zerolog.

A single global logger is initialized once from CLI flags (level, JSON vs.
console output) and packages derive child loggers carrying contextual fields:

	logger := log.WithComponent("vmagent")
	logger.Info().Str("from", "1.6.0").Str("to", "1.7.0").Msg("upgrading")

Console output is human-readable and goes to stderr so that command output
(tables, plans) on stdout stays machine-parseable.
*/
package log
