package utils

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func fastRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		BackoffFactor: 2.0,
	}
}

func TestRetryEventualSuccess(t *testing.T) {
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry = %v, want success on the third attempt", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	wantErr := errors.New("still broken")
	attempts := 0
	err := Retry(context.Background(), fastRetryConfig(), func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("Retry = %v, want the last error", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want MaxAttempts", attempts)
	}
}

func TestRetryWithResult(t *testing.T) {
	attempts := 0
	got, err := RetryWithResult(context.Background(), fastRetryConfig(), func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, errors.New("transient")
		}
		return 42, nil
	})
	if err != nil || got != 42 {
		t.Errorf("RetryWithResult = %d, %v; want 42, nil", got, err)
	}
}

func TestRetryNonRetryableShortCircuits(t *testing.T) {
	transient := errors.New("transient")
	fatal := errors.New("fatal")
	cfg := fastRetryConfig()
	cfg.RetryableErrors = []error{transient}

	attempts := 0
	err := Retry(context.Background(), cfg, func() error {
		attempts++
		return fatal
	})
	if !errors.Is(err, fatal) {
		t.Errorf("Retry = %v, want the fatal error", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, a non-retryable error must not be retried", attempts)
	}

	attempts = 0
	_, err = RetryWithResult(context.Background(), cfg, func() (int, error) {
		attempts++
		return 0, fmt.Errorf("wrapped: %w", transient)
	})
	if !errors.Is(err, transient) {
		t.Errorf("RetryWithResult = %v, want the transient error", err)
	}
	if attempts != cfg.MaxAttempts {
		t.Errorf("attempts = %d, a wrapped retryable error must exhaust the budget", attempts)
	}
}

func TestCalculateBackoff(t *testing.T) {
	base := 100 * time.Millisecond
	max := time.Second

	if got := CalculateBackoff(0, base, max, 2.0); got != base {
		t.Errorf("attempt 0 = %s, want %s", got, base)
	}
	if got := CalculateBackoff(2, base, max, 2.0); got != 400*time.Millisecond {
		t.Errorf("attempt 2 = %s, want 400ms", got)
	}
	if got := CalculateBackoff(10, base, max, 2.0); got != max {
		t.Errorf("attempt 10 = %s, must cap at %s", got, max)
	}
}
