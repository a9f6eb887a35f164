package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTestError = errors.New("test error")

func fastConfig(maxAttempts int) Config {
	return Config{
		MaxAttempts:  maxAttempts,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(int) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(3), func(attempt int) error {
		if attempt != attempts {
			t.Errorf("Expected attempt index %d, got %d", attempts, attempt)
		}
		attempts++
		if attempts < 3 {
			return errTestError
		}
		return nil
	})

	if err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}
	if attempts != 3 {
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_MaxAttemptsExceeded(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(2), func(int) error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, errTestError) {
		t.Errorf("Expected wrapped test error, got: %v", err)
	}
	if attempts != 3 { // MaxAttempts + 1 (initial attempt)
		t.Errorf("Expected 3 attempts, got: %d", attempts)
	}
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastConfig(5), func(int) error {
		attempts++
		return Permanent(errTestError)
	})

	if err != errTestError {
		t.Errorf("Expected unwrapped permanent error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt, got: %d", attempts)
	}
}

func TestDo_ContextCancellation(t *testing.T) {
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	attempts := 0
	err := Do(ctx, cfg, func(int) error {
		attempts++
		return errTestError
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected cancellation error, got: %v", err)
	}
	if attempts != 1 {
		t.Errorf("Expected 1 attempt before cancellation, got: %d", attempts)
	}
}

func TestDelay_ExponentialBackoffWithCap(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2.0}

	if d := Delay(cfg, 0); d != 100*time.Millisecond {
		t.Errorf("Expected 100ms, got: %v", d)
	}
	if d := Delay(cfg, 1); d != 200*time.Millisecond {
		t.Errorf("Expected 200ms, got: %v", d)
	}
	if d := Delay(cfg, 4); d != 300*time.Millisecond {
		t.Errorf("Expected cap at 300ms, got: %v", d)
	}
}

func TestDelay_WithJitter(t *testing.T) {
	cfg := Config{InitialDelay: 100 * time.Millisecond, MaxDelay: 5 * time.Second, Multiplier: 2.0, Jitter: true}
	base := 200 * time.Millisecond

	for i := 0; i < 50; i++ {
		d := Delay(cfg, 1)
		if d < base-base/4 || d > base+base/4 {
			t.Fatalf("Delay %d out of range: %v", i, d)
		}
	}
}
