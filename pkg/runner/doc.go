/*
Package runner executes individual backup jobs.

Runner.Run drives one client through one backup: it refuses inactive clients,
registers an in-memory RunningJob, inserts the catalog row in pending and
moves it to running, resolves the incremental reference point (promoting to
full with a warning when no prior full exists), invokes the OS-matched driver
inside the backup-level retry budget, and lands the row in completed or
failed. Network statistics are persisted exactly once per backup, only when
bytes actually moved.

The Registry holds RunningJob entries behind a mutex for dashboard snapshots.
Driver progress callbacks are adapted into registry updates; progress is
clamped non-decreasing within a job, with Reset as the single sanctioned
decrease when a backup-level retry restarts the driver from its first phase.
Finished entries linger 10 seconds on success and 5 minutes on failure, then
expire via timers that Close cancels without delaying shutdown.
*/
package runner
