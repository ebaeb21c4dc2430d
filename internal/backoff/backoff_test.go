package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDelayWithRand(t *testing.T) {
	policy := BackoffPolicy{Initial: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.5}

	tests := []struct {
		name     string
		attempt  int
		random   float64
		expected time.Duration
	}{
		{"first attempt no jitter", 1, 0, 100 * time.Millisecond},
		{"second attempt doubles", 2, 0, 200 * time.Millisecond},
		{"jitter adds on top", 2, 1, 300 * time.Millisecond},
		{"clamped to max", 10, 0, time.Second},
		{"zero attempt treated as first", 0, 0, 100 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := policy.DelayWithRand(tt.attempt, tt.random); got != tt.expected {
				t.Errorf("DelayWithRand(%d, %v) = %v, want %v", tt.attempt, tt.random, got, tt.expected)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}
	bad := []BackoffPolicy{
		{Initial: -1, Factor: 2},
		{Initial: 2 * time.Second, Max: time.Second, Factor: 2},
		{Initial: time.Millisecond, Factor: 0.5},
		{Initial: time.Millisecond, Factor: 2, Jitter: 2},
	}
	for i, p := range bad {
		if err := p.Validate(); err == nil {
			t.Errorf("policy %d: expected error", i)
		}
	}
}

func fastPolicy() BackoffPolicy {
	return BackoffPolicy{Initial: time.Millisecond, Max: 2 * time.Millisecond, Factor: 1}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), 3, func(attempt int) error {
		calls++
		if attempt < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryReturnsLastError(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), fastPolicy(), 2, func(attempt int) error {
		calls++
		return errors.New("failure " + string(rune('0'+attempt)))
	}, nil)
	if err == nil || err.Error() != "failure 2" {
		t.Fatalf("err = %v, want failure 2", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	fatal := errors.New("fatal")
	calls := 0
	err := Retry(context.Background(), fastPolicy(), 5, func(int) error {
		calls++
		return fatal
	}, func(err error) bool { return !errors.Is(err, fatal) })
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want fatal", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := BackoffPolicy{Initial: time.Hour, Factor: 1}
	calls := 0
	err := Retry(ctx, policy, 5, func(int) error {
		calls++
		cancel()
		return errors.New("transient")
	}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryValue(t *testing.T) {
	v, err := RetryValue(context.Background(), fastPolicy(), 2, func(attempt int) (int, error) {
		if attempt == 1 {
			return 0, errors.New("transient")
		}
		return 42, nil
	}, nil)
	if err != nil || v != 42 {
		t.Fatalf("got (%d, %v), want (42, nil)", v, err)
	}
}

func TestSleep(t *testing.T) {
	if err := Sleep(context.Background(), time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, time.Hour); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
