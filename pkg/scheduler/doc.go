/*
Package scheduler fires backups on cron expressions and fans them out to the
runner in bounded batches.

Three built-in schedules are materialized from configuration at startup:
daily-incremental, weekly-full, and monthly-full, each built from an HH:MM
wall-clock time via TimeToCron. Operator-defined schedules are loaded from
the catalog and can be added, removed, and renamed at runtime; renaming is
delete-plus-add and restarts the run counter. All entries fire in the
configured timezone.

When a schedule fires, the target clients (a restricted list or all active
clients) are processed in groups of MaxParallelBackups; each group completes
before the next starts. A fully successful full-kind run triggers the
retention sweeper, and the notifier is consulted after every run.

Manual runs reuse the same batch machinery: StartManualBackup blocks until
the batch finishes, StartManualBackupForClient returns the backup id
immediately and runs in the background with live progress visible through
the running-job registry.
*/
package scheduler
