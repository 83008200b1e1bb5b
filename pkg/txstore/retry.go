package txstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RetryPolicy bounds the compare-exchange loops of GetUniqueID and Update.
type RetryPolicy struct {
	// MaxAttempts is the number of compare-exchanges tried before giving up
	// with ErrContentionExceeded. Zero retries forever.
	MaxAttempts int
	// BaseDelay is the wait after the first conflict. It doubles after every
	// further conflict, up to MaxDelay, with jitter.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 128,
		BaseDelay:   time.Millisecond,
		MaxDelay:    100 * time.Millisecond,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// attemptFunc performs one read-then-compare-exchange round. It reports
// whether the compare-exchange was accepted.
type attemptFunc func(ctx context.Context) (bool, error)

// retry runs attempt until it wins, fails, or the policy gives up. Every
// round re-reads through attempt, so a stale comparand is never reused.
func (s *Store) retry(ctx context.Context, op string, attempt attemptFunc) error {
	attrs := metric.WithAttributes(attribute.String("op", op))
	b := s.policy.backOff()

	for n := 1; ; n++ {
		s.metrics.casAttempts.Add(ctx, 1, attrs)
		ok, err := attempt(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		s.metrics.casConflicts.Add(ctx, 1, attrs)

		if s.policy.MaxAttempts > 0 && n >= s.policy.MaxAttempts {
			s.metrics.contentionExceeded.Add(ctx, 1, attrs)
			s.logger.Warn("txstore: giving up after conflicts", "op", op, "attempts", n)
			return fmt.Errorf("%w: %s lost %d compare-exchanges", ErrContentionExceeded, op, n)
		}
		s.logger.Debug("txstore: compare-exchange conflict", "op", op, "attempt", n)

		if err := sleep(ctx, b.NextBackOff()); err != nil {
			return err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
