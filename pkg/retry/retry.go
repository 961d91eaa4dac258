package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/log"
)

const (
	// InitialInterval is the first backoff delay.
	InitialInterval = 2 * time.Second

	// MaxInterval caps the backoff delay.
	MaxInterval = 60 * time.Second

	// Jitter is the randomization factor applied to each delay (±20%).
	Jitter = 0.2

	// SessionAttempts is the budget for SSH session operations.
	SessionAttempts = 5

	// BackupAttempts is the budget for whole-backup operations. A backup
	// retry re-runs the driver from its first phase.
	BackupAttempts = 2
)

// Policy retries transient failures with jittered exponential backoff under
// two distinct budgets. Fatal errors bypass retry entirely.
type Policy struct {
	sessionAttempts int
	backupAttempts  int
}

// New creates a policy with the default budgets.
func New() *Policy {
	return &Policy{
		sessionAttempts: SessionAttempts,
		backupAttempts:  BackupAttempts,
	}
}

// RunSession executes op under the SSH-session budget (5 attempts).
func (p *Policy) RunSession(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return p.run(ctx, name, p.sessionAttempts, op)
}

// RunBackup executes op under the whole-backup budget (2 attempts).
func (p *Policy) RunBackup(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return p.run(ctx, name, p.backupAttempts, op)
}

func (p *Policy) run(ctx context.Context, name string, attempts int, op func(ctx context.Context) error) error {
	logger := log.WithComponent("retry")

	b := NewBackOff()
	wrapped := func() error {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if !errdefs.IsTransient(err) {
			// Fatal or unclassified errors stop the loop immediately.
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		logger.Warn().
			Err(err).
			Str("operation", name).
			Dur("backoff", next).
			Msg("transient failure, retrying")
	}

	// WithMaxRetries counts retries, not attempts.
	bo := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)
	return backoff.RetryNotify(wrapped, bo, notify)
}

// NewBackOff returns the engine's backoff schedule: 2s initial, doubling,
// capped at 60s, jittered ±20%.
func NewBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = InitialInterval
	b.Multiplier = 2
	b.MaxInterval = MaxInterval
	b.RandomizationFactor = Jitter
	b.MaxElapsedTime = 0 // budgets bound attempts, not wall time
	b.Reset()
	return b
}
