package common

import (
	"context"
	"time"

	"github.com/jpillora/backoff"

	"tradegate/pkg/logger"
)

// CallPolicy runs remote calls through an explicit pipeline:
// rate-limit gate -> attempt -> classify -> backoff retry -> record outcome.
// Only transient failures are retried; the final error is returned unchanged
// so callers keep the original type for errors.As matching.
type CallPolicy struct {
	Limiter    *RateLimiter
	Attempts   int
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// NewCallPolicy returns the default policy: 3 attempts, exponential backoff
// from 1s capped at 10s.
func NewCallPolicy(limiter *RateLimiter) *CallPolicy {
	return &CallPolicy{
		Limiter:    limiter,
		Attempts:   3,
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
	}
}

// Do executes fn under the policy. Every attempt passes the rate-limit gate
// first; each failure is recorded against the exchange's error streak and
// each success resets it.
func (p *CallPolicy) Do(ctx context.Context, exchange, endpoint string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	bo := &backoff.Backoff{
		Min:    p.MinBackoff,
		Max:    p.MaxBackoff,
		Factor: 2,
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if p.Limiter != nil {
			if werr := p.Limiter.WaitIfNeeded(ctx, exchange, endpoint); werr != nil {
				return werr
			}
		}

		err = fn()
		if err == nil {
			if p.Limiter != nil {
				p.Limiter.RecordSuccess(exchange)
			}
			return nil
		}
		if p.Limiter != nil {
			p.Limiter.RecordError(exchange)
		}
		if !IsTransient(err) || attempt == attempts {
			return err
		}

		wait := bo.Duration()
		logger.WithComponent("retry").WithFields(logger.Fields{
			"exchange": exchange,
			"endpoint": endpoint,
			"attempt":  attempt,
			"backoff":  wait.String(),
		}).Warn("transient failure, retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
