package orchestrator

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"pixbridge/internal/gateway"
)

// retryPolicy bounds retries of transient gateway failures with exponential
// backoff. Only errors classified transient are retried: permanent and
// ambiguous failures surface immediately so the caller can transition state.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

func (p retryPolicy) do(ctx context.Context, log *logrus.Entry, op string, fn func() error) error {
	delay := p.baseDelay
	var err error
	for attempt := 1; ; attempt++ {
		err = fn()
		if err == nil || !gateway.IsTransient(err) {
			return err
		}
		if attempt >= p.maxAttempts {
			return err
		}

		log.WithFields(logrus.Fields{
			"op":      op,
			"attempt": attempt,
			"delay":   delay.String(),
		}).WithError(err).Warn("transient gateway error, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
}
