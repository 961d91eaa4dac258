/*
Package errdefs defines the error taxonomy the backup engine distinguishes.

Each failure kind is a sentinel error; callers wrap with fmt.Errorf("...: %w")
and classify with errors.Is. RemoteCommandError carries the exit code and
stderr of a remote command that exited outside its acceptable range.

The retry policy consumes IsTransient and IsFatal: transport errors retry,
authentication and host-key failures, cancellation, and invalid configuration
never do.
*/
package errdefs
