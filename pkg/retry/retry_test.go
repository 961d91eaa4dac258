package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/efc-ti/efc-backup/pkg/errdefs"
	"github.com/efc-ti/efc-backup/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true})
}

func TestBackOffScheduleBounds(t *testing.T) {
	b := NewBackOff()

	// With ±20% jitter each delay lies within [0.8, 1.2] of its nominal
	// value, and nothing ever exceeds the cap plus jitter.
	expected := []time.Duration{2, 4, 8, 16, 32, 60, 60, 60}
	for i, nominal := range expected {
		d := b.NextBackOff()
		lo := time.Duration(float64(nominal*time.Second) * 0.8)
		hi := time.Duration(float64(nominal*time.Second) * 1.2)
		assert.GreaterOrEqual(t, d, lo, "delay %d", i)
		assert.LessOrEqual(t, d, hi, "delay %d", i)
	}
}

func TestBackOffResetRestartsSchedule(t *testing.T) {
	b := NewBackOff()
	for i := 0; i < 5; i++ {
		b.NextBackOff()
	}
	b.Reset()
	d := b.NextBackOff()
	assert.LessOrEqual(t, d, time.Duration(float64(InitialInterval)*1.2))
}

func TestFatalErrorBypassesRetry(t *testing.T) {
	p := New()
	calls := 0

	start := time.Now()
	err := p.RunSession(context.Background(), "connect", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("handshake: %w", errdefs.ErrAuthenticationFailed)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrAuthenticationFailed)
	assert.Equal(t, 1, calls)
	assert.Less(t, time.Since(start), time.Second, "fatal errors must not back off")
}

func TestUnclassifiedErrorBypassesRetry(t *testing.T) {
	p := New()
	calls := 0

	err := p.RunBackup(context.Background(), "backup", func(ctx context.Context) error {
		calls++
		return errors.New("mystery")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestTransientErrorRetriedWithinBudget(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises real backoff delays")
	}
	p := New()
	calls := 0

	// Fails once transiently, then succeeds on the second (and last) attempt.
	err := p.RunBackup(context.Background(), "backup", func(ctx context.Context) error {
		calls++
		if calls == 1 {
			return fmt.Errorf("dial: %w", errdefs.ErrTransportUnreachable)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestBackupBudgetExhausted(t *testing.T) {
	if testing.Short() {
		t.Skip("exercises real backoff delays")
	}
	p := New()
	calls := 0

	err := p.RunBackup(context.Background(), "backup", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("dial: %w", errdefs.ErrTransportUnreachable)
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, errdefs.ErrTransportUnreachable)
	assert.Equal(t, BackupAttempts, calls)
}

func TestContextCancellationStopsRetry(t *testing.T) {
	p := New()
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	errCh := make(chan error, 1)
	go func() {
		errCh <- p.RunSession(ctx, "connect", func(ctx context.Context) error {
			calls++
			return fmt.Errorf("dial: %w", errdefs.ErrTransportUnreachable)
		})
	}()

	// Cancel during the first backoff wait.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	case <-time.After(5 * time.Second):
		t.Fatal("retry loop did not honor cancellation")
	}
}
