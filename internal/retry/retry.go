// Package retry wraps durable writes in a bounded exponential backoff.
package retry

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Classifier reports whether an error is worth another attempt.
type Classifier func(error) bool

type Policy struct {
	// MaxAttempts counts every call of the operation, including the first.
	MaxAttempts  int
	InitialDelay time.Duration
	Factor       float64
	Classify     Classifier
	// OnRetry observes each scheduled retry.
	OnRetry func(err error, delay time.Duration)

	timer backoff.Timer
}

func DefaultPolicy(classify Classifier) Policy {
	return Policy{MaxAttempts: 3, InitialDelay: time.Second, Factor: 2, Classify: classify}
}

func (p Policy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Delay returns the wait before the given retry (1-based): InitialDelay * Factor^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay)
	for i := 1; i < attempt; i++ {
		delay *= p.Factor
	}
	return time.Duration(delay)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = p.Factor
	b.RandomizationFactor = 0
	b.MaxInterval = p.Delay(p.attempts())
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.attempts()-1)), ctx)
}

// Do calls op until it succeeds, returns an error the classifier rejects, the
// attempts run out or ctx is done. The last error is returned unchanged.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Classify == nil || !p.Classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, delay time.Duration) {
		slog.Warn("store_write_retry", "attempt", attempt, "delay_ms", delay.Milliseconds(), "error", err)
		if p.OnRetry != nil {
			p.OnRetry(err, delay)
		}
	}
	return backoff.RetryNotifyWithTimer(operation, p.backOff(ctx), notify, p.timer)
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := p.Do(ctx, func(ctx context.Context) error {
		value, err := op(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}
