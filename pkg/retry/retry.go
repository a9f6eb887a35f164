package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Config holds retry configuration
type Config struct {
	MaxAttempts  int           // retries after the first attempt; 0 means no retry
	InitialDelay time.Duration // delay before the first retry
	MaxDelay     time.Duration // cap for any single delay
	Multiplier   float64       // exponential backoff multiplier
	Jitter       bool          // spread delays by ±25%
}

// DefaultConfig returns a default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying. Do returns it unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the attempts are
// exhausted or ctx is done. attempt starts at 0.
func Do(ctx context.Context, cfg Config, fn func(attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}

		err := fn(attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(Delay(cfg, attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled during wait: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("max attempts (%d) exceeded: %w", cfg.MaxAttempts, lastErr)
}

// Delay returns the wait before retry number attempt+1.
func Delay(cfg Config, attempt int) time.Duration {
	mult := cfg.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(cfg.InitialDelay) * math.Pow(mult, float64(attempt))
	if cfg.MaxDelay > 0 && delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}

	d := time.Duration(delay)
	if cfg.Jitter && d > 0 {
		quarter := int64(d / 4)
		if quarter > 0 {
			d = d - time.Duration(quarter) + time.Duration(rand.Int63n(2*quarter+1))
		}
	}
	return d
}
