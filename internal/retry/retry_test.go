package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type retryableErr struct{ retryable bool }

func (e *retryableErr) Error() string  { return "boom" }
func (e *retryableErr) Retryable() bool { return e.retryable }

func TestDoSucceedsEventually(t *testing.T) {
	p := Policy{MaxAttempts: 3, Base: time.Millisecond, Max: 10 * time.Millisecond}
	attempts := 0
	val, err := Do(context.Background(), p, func() (int, error) {
		attempts++
		if attempts < 2 {
			return 0, &retryableErr{retryable: true}
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if val != 42 {
		t.Fatalf("expected 42, got %d", val)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Max: 10 * time.Millisecond}
	attempts := 0
	_, err := Do(context.Background(), p, func() (int, error) {
		attempts++
		return 0, &retryableErr{retryable: false}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected to stop after 1 attempt, got %d", attempts)
	}
}

func TestDoStopsOnPlainErrorByDefault(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: time.Millisecond, Max: 10 * time.Millisecond}
	attempts := 0
	_, err := Do(context.Background(), p, func() (int, error) {
		attempts++
		return 0, errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("expected an error not implementing Retryable to stop after 1 attempt, got %d", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Base: time.Millisecond, Max: 10 * time.Millisecond}
	attempts := 0
	_, err := Do(context.Background(), p, func() (int, error) {
		attempts++
		return 0, &retryableErr{retryable: true}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	p := Policy{MaxAttempts: 5, Base: 50 * time.Millisecond, Max: time.Second}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Do(ctx, p, func() (int, error) {
		return 0, &retryableErr{retryable: true}
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestDelayCapsAtMax(t *testing.T) {
	p := Policy{MaxAttempts: 20, Base: time.Second, Max: 5 * time.Second}
	d := p.Delay(10)
	if d > p.Max {
		t.Fatalf("delay %v exceeds cap %v", d, p.Max)
	}
}
