/*
Package driver implements the per-OS backup strategies.

A Driver walks one client through the multi-phase backup state machine over a
remote session: connect, collect system info, prepare the folder set, copy
(rsync on Linux, robocopy on Windows), capture system state (curated config
files and package dump on Linux; registry hives, optional VSS snapshot, and
optional system image on Windows), ship the result to the local archive root,
and clean up remote temp artifacts.

Linux backups land as a single .tar.gz downloaded over SFTP; Windows backups
land as a directory tree (backup_<client>_<millis>/) with registry/ contents,
system_info.json, and backup_metadata.json. An incremental pass that finds no
changed files succeeds with size zero and ships nothing.

Per-folder copy failures are recorded on the FolderResult and do not fail the
backup. Registry export, VSS, and system-image steps are best-effort. Progress
is reported through the Options callback at phase boundaries, ending at 100
exactly once per pass.
*/
package driver
