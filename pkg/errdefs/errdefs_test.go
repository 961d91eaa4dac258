package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		fatal     bool
		cancelled bool
	}{
		{"nil", nil, false, false, false},
		{"transport", ErrTransportUnreachable, true, false, false},
		{"wrapped transport", fmt.Errorf("dial: %w", ErrTransportUnreachable), true, false, false},
		{"auth", ErrAuthenticationFailed, false, true, false},
		{"host key", ErrHostKeyMismatch, false, true, false},
		{"cancelled", ErrCancelled, false, true, true},
		{"context cancelled", context.Canceled, false, true, true},
		{"config", ErrConfigInvalid, false, true, false},
		{"internal", ErrFatalInternal, false, true, false},
		{"tool missing not transient", ErrRemoteToolMissing, false, false, false},
		{"out of space not transient", ErrRemoteOutOfSpace, false, false, false},
		{"local io not transient", ErrLocalIO, false, false, false},
		{"catalog not transient", ErrCatalog, false, false, false},
		{"unclassified", errors.New("mystery"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err), "IsTransient")
			assert.Equal(t, tt.fatal, IsFatal(tt.err), "IsFatal")
			assert.Equal(t, tt.cancelled, IsCancelled(tt.err), "IsCancelled")
		})
	}
}

func TestDeepWrappingSurvives(t *testing.T) {
	err := fmt.Errorf("phase copy: %w", fmt.Errorf("folder /home: %w", ErrTransportUnreachable))
	assert.True(t, IsTransient(err))
	assert.False(t, IsFatal(err))
}

func TestFatalWinsOverTransient(t *testing.T) {
	// An error chain carrying both classifications must not be retried.
	err := fmt.Errorf("%w: during reconnect: %w", ErrCancelled, ErrTransportUnreachable)
	assert.False(t, IsTransient(err))
	assert.True(t, IsFatal(err))
}

func TestRemoteCommandError(t *testing.T) {
	err := &RemoteCommandError{Cmd: "tar -czf ...", ExitCode: 2, Stderr: "tar: /x: No such file"}
	assert.Contains(t, err.Error(), "exit 2")
	assert.Contains(t, err.Error(), "No such file")

	bare := &RemoteCommandError{Cmd: "reg export", ExitCode: 1}
	assert.Equal(t, "remote command failed (exit 1)", bare.Error())
}
