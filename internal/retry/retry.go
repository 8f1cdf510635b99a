// Package retry implements the single reusable jittered-backoff retry
// policy used uniformly by both transport reconnects and trade-command
// retries (spec §9: "apply it uniformly ... so behavior is consistent and
// tunable from one place"), generalized from the teacher's
// pkg/utils.Retry[T any].
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"
)

// Policy is a jittered exponential backoff schedule: delay(attempt) =
// base * 2^(attempt-1) + U(0, base), capped at Max.
type Policy struct {
	MaxAttempts int
	Base        time.Duration
	Max         time.Duration
}

// CommandRetryPolicy is the Command Dispatcher's trade-mutating retry
// policy (spec §4.2): up to 3 attempts, base 1s, capped at 30s.
func CommandRetryPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: time.Second, Max: 30 * time.Second}
}

// TransportReconnectPolicy is the Broker Transport / Supervisor link
// reconnect policy (spec §4.3, §4.7): base 1s, factor 2, cap 60s, 10
// attempts before escalation.
func TransportReconnectPolicy() Policy {
	return Policy{MaxAttempts: 10, Base: time.Second, Max: 60 * time.Second}
}

// Delay returns the backoff duration before the given attempt (1-based),
// including jitter.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base << (attempt - 1) // base * 2^(attempt-1)
	if d > p.Max || d <= 0 {
		d = p.Max
	}
	jitter := time.Duration(rand.Int63n(int64(p.Base) + 1))
	total := d + jitter
	if total > p.Max {
		total = p.Max
	}
	return total
}

// Retryable is implemented by errors that know whether they should be
// retried. Errors not implementing it are treated as non-retryable.
type Retryable interface {
	Retryable() bool
}

// Do runs fn up to MaxAttempts times, sleeping Delay(attempt) between
// attempts, stopping early if ctx is cancelled or fn's error is
// classified non-retryable. The last error is wrapped and returned on
// exhaustion.
func Do[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var result T
	var err error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}

		var r Retryable
		if !errors.As(err, &r) || !r.Retryable() {
			return result, err
		}

		if attempt == p.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(p.Delay(attempt)):
		}
	}

	return result, fmt.Errorf("after %d attempts: %w", p.MaxAttempts, err)
}
