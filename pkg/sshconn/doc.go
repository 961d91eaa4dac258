/*
Package sshconn implements the remote session: an authenticated SSH channel
with command execution, SFTP file download, and inactivity keepalive.

Run executes one command with a per-command deadline (30s default) and treats
a non-zero exit as failure unless the caller passes WithExitRange — the
Windows copy tool reports success with exit codes 0-7. DownloadFile streams a
remote file to local disk over SFTP, honoring context cancellation between
chunks.

Connection timeouts, DNS failures, refusals, authentication failures, and
host-key mismatches surface as distinct errdefs kinds so the retry policy can
classify them. An application-level keepalive is sent every 30 seconds for
the lifetime of the connection.
*/
package sshconn
