/*
Package catalog defines the repository contract for durable records and its
BoltDB implementation.

The Store interface covers client records, backup rows and their status
transitions, custom schedules with run counters, the append-only activity
log, per-backup network statistics, and key-value settings. BoltStore keeps
one bucket per entity with JSON-marshaled rows; activity entries are keyed by
nanosecond timestamp plus sequence so range deletes by age are cheap.

Compact rewrites the database into a fresh file to reclaim pages freed by
retention deletes.
*/
package catalog
