// Package retry provides an explicit retry policy applied at the call
// site of operations touching external infrastructure. A zero Max
// bound means the exponential delay grows uncapped.
package retry

import (
	"context"
	"math"
	"time"
)

// Policy bounds retries of a single operation. The delay before retry
// attempt n is BaseDelay * 2^(n-1), capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy is used for short infrastructure calls (store, cache, bus).
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 5 * time.Second}
}

// Delay returns the wait before retry attempt n (1-indexed).
func (p Policy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.BaseDelay) * math.Pow(2, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Do runs fn up to MaxAttempts times, sleeping the policy delay between
// attempts. It stops early when fn succeeds or ctx is cancelled, and
// returns the last error otherwise.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts {
			break
		}
		select {
		case <-time.After(p.Delay(i)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}
