/*
Package types defines the core data model shared across efc-backup packages.

These types describe domain entities (Client, Schedule, BackupRecord,
NetworkStats, ActivityEntry), in-memory tracking (RunningJob), and driver
results (BackupResult, FolderResult, SystemInfo). They carry no behavior
beyond small helpers such as the legacy folder-configuration parser.

The folders field of a Client historically carries either a JSON array of
{path, enabled} objects or a comma-separated string; ParseFolders accepts
both and EncodeFolders emits the structured form for new writes.

Client secrets are excluded from JSON marshaling; Redacted returns a copy
with a fixed sentinel for operator-visible rendering.
*/
package types
