package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff is the reconnect schedule for a single device socket.
// Delay(n) is min(Base*2^n, Max) where n is the number of failed attempts so far.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int // 0 = unlimited
}

// DefaultBackoff returns the device reconnect defaults: 1s base, 30s cap, 10 attempts
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Max:        30 * time.Second,
		MaxRetries: 10,
	}
}

// Delay returns the wait before the reconnect that follows `attempt` failures
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if b.Base <= 0 {
		return 0
	}
	delay := b.Base
	for i := 0; i < attempt; i++ {
		if b.Max > 0 && delay >= b.Max {
			return b.Max
		}
		// stop doubling before overflow
		if delay > time.Duration(1<<62) {
			break
		}
		delay *= 2
	}
	if b.Max > 0 && delay > b.Max {
		return b.Max
	}
	return delay
}

// Exhausted reports whether `attempts` has used up the retry budget
func (b Backoff) Exhausted(attempts int) bool {
	return b.MaxRetries > 0 && attempts >= b.MaxRetries
}

// NonRetryableError wraps errors that should not be retried
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config drives Do. Used for one-shot setup steps such as creating the relay
// presence bucket, where a blocking loop is fine.
type Config struct {
	MaxAttempts int // <= 0 runs once
	Backoff     Backoff
	AddJitter   bool
}

// Quick returns a config for setup calls against a freshly started server
func Quick() Config {
	return Config{
		MaxAttempts: 5,
		Backoff:     Backoff{Base: 50 * time.Millisecond, Max: time.Second},
		AddJitter:   true,
	}
}

// Do runs fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.Backoff.Base < 0 || cfg.Backoff.Max < 0 {
		return errors.New("retry: delays cannot be negative")
	}
	if cfg.Backoff.Max > 0 && cfg.Backoff.Max < cfg.Backoff.Base {
		return errors.New("retry: Max must be >= Base")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return fmt.Errorf("retry cancelled before attempt %d: %w", attempt, ctx.Err())
		}
		if attempt == cfg.MaxAttempts {
			break
		}

		sleep := cfg.Backoff.Delay(attempt - 1)
		if cfg.AddJitter && sleep >= 4 {
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(sleep / 4)))
			randMu.Unlock()
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during backoff for attempt %d: %w", attempt+1, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("retry failed after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry and returns both result and error
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var innerErr error
		result, innerErr = fn()
		return innerErr
	})
	return result, err
}
