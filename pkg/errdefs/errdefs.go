package errdefs

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors for the failure kinds the engine distinguishes. Callers
// wrap these with %w so errors.Is classification survives annotation.
var (
	// ErrTransportUnreachable covers connection timeouts, refusals, DNS
	// failures, and dropped streams.
	ErrTransportUnreachable = errors.New("transport unreachable")

	// ErrAuthenticationFailed means the remote host rejected the credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrHostKeyMismatch means the remote host key did not match the pinned key.
	ErrHostKeyMismatch = errors.New("host key mismatch")

	// ErrRemoteToolMissing means a required remote tool is not installed and
	// could not be installed.
	ErrRemoteToolMissing = errors.New("remote tool missing")

	// ErrRemoteOutOfSpace means the remote host has no room for the working set.
	ErrRemoteOutOfSpace = errors.New("remote out of space")

	// ErrLocalIO covers failures writing archives or manifests on the server.
	ErrLocalIO = errors.New("local i/o failure")

	// ErrCatalog covers repository failures.
	ErrCatalog = errors.New("catalog failure")

	// ErrConfigInvalid covers rejected configuration.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrCancelled means the operator cancelled the job.
	ErrCancelled = errors.New("cancelled")

	// ErrFatalInternal covers bugs and invariant violations.
	ErrFatalInternal = errors.New("fatal internal error")
)

// RemoteCommandError reports a remote command that exited outside its
// acceptable exit range.
type RemoteCommandError struct {
	Cmd      string
	ExitCode int
	Stderr   string
}

func (e *RemoteCommandError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("remote command failed (exit %d): %s", e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("remote command failed (exit %d)", e.ExitCode)
}

// IsTransient reports whether the error is worth retrying. Transport
// unreachability and dropped streams are transient; everything fatal,
// cancellation included, is not.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsFatal(err) {
		return false
	}
	return errors.Is(err, ErrTransportUnreachable)
}

// IsFatal reports whether the error must bypass retry entirely.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthenticationFailed) ||
		errors.Is(err, ErrHostKeyMismatch) ||
		errors.Is(err, ErrCancelled) ||
		errors.Is(err, ErrConfigInvalid) ||
		errors.Is(err, ErrFatalInternal) ||
		errors.Is(err, context.Canceled)
}

// IsCancelled reports operator or context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}
