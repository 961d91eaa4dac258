/*
Package retention enforces the retention horizon.

The sweeper walks the archive root and deletes every backup artifact whose
modification time predates now minus retention_days: Windows-style
backup_<client>_<ts> trees and Linux efc-backup-<client>-<ts>.tar.gz
archives. Partial download trees that carry no metadata document and have
been idle past a one-day grace window are reaped as orphans regardless of
the horizon. After the filesystem pass the matching catalog rows (backups,
network statistics, activity entries) are pruned and the database file is
compacted.

Sweeps run after every successful full-kind scheduled run and on demand via
the CLI. They are idempotent: sweeping twice over the same state deletes
nothing the second time.
*/
package retention
