package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff_DefaultSchedule(t *testing.T) {
	b := DefaultBackoff()

	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, want := range expected {
		assert.Equal(t, want, b.Delay(attempt), "attempt %d", attempt)
	}
}

func TestBackoff_LargeAttemptDoesNotOverflow(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 30 * time.Second}
	assert.Equal(t, 30*time.Second, b.Delay(200))

	unbounded := Backoff{Base: time.Second}
	assert.Greater(t, unbounded.Delay(200), time.Duration(0))
}

func TestBackoff_NegativeAttemptUsesBase(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, time.Second, b.Delay(-3))
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{Base: time.Second, Max: time.Minute, MaxRetries: 3}
	assert.False(t, b.Exhausted(0))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
	assert.True(t, b.Exhausted(4))

	unlimited := Backoff{Base: time.Second, MaxRetries: 0}
	assert.False(t, unlimited.Exhausted(1_000_000))
}

func TestRetry_Success(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetry_AllAttemptsFail(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}

	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return errors.New("persistent error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Equal(t, 3, attempts)
}

func TestRetry_NonRetryableStopsImmediately(t *testing.T) {
	cfg := Config{
		MaxAttempts: 5,
		Backoff:     Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}

	sentinel := errors.New("bad credentials")
	attempts := 0
	err := Do(context.Background(), cfg, func() error {
		attempts++
		return NonRetryable(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, attempts)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{
		MaxAttempts: 5,
		Backoff:     Backoff{Base: 100 * time.Millisecond, Max: time.Second},
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func() error {
		attempts++
		return errors.New("error")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, attempts, 5)
}

func TestRetry_InvalidConfig(t *testing.T) {
	err := Do(context.Background(), Config{Backoff: Backoff{Base: time.Second, Max: time.Millisecond}}, func() error {
		return nil
	})
	assert.Error(t, err)
}

func TestRetry_ZeroAttemptsRunsOnce(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Config{}, func() error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetry_WithResult(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Backoff:     Backoff{Base: time.Millisecond, Max: 10 * time.Millisecond},
	}

	attempts := 0
	result, err := DoWithResult(context.Background(), cfg, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", errors.New("not ready")
		}
		return "bucket", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "bucket", result)
	assert.Equal(t, 3, attempts)
}
