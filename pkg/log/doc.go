/*
Package log provides structured logging for efc-backup using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Context helpers attach the fields the rest of the system keys on:

	backupLog := log.WithComponent("runner")
	backupLog.Info().Str("client", "srv1").Msg("backup started")

	clientLog := log.WithClient("srv1")
	jobLog := log.WithBackupID("b-1a2b3c")

Credentials must never reach a log line at info level or above; callers render
log.RedactedSecret in place of any secret.
*/
package log
