package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"pixbridge/internal/gateway"
)

func testLogEntry() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestRetryTransientUntilSuccess(t *testing.T) {
	p := retryPolicy{maxAttempts: 4, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

	calls := 0
	err := p.do(context.Background(), testLogEntry(), "op", func() error {
		calls++
		if calls < 3 {
			return &gateway.TransientError{Err: errors.New("connection reset")}
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestRetryExhaustsAttempts(t *testing.T) {
	p := retryPolicy{maxAttempts: 3, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

	calls := 0
	err := p.do(context.Background(), testLogEntry(), "op", func() error {
		calls++
		return &gateway.TransientError{Err: errors.New("still down")}
	})
	require.Error(t, err)
	require.True(t, gateway.IsTransient(err))
	require.Equal(t, 3, calls)
}

func TestRetryNeverRetriesAmbiguous(t *testing.T) {
	p := retryPolicy{maxAttempts: 4, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

	calls := 0
	err := p.do(context.Background(), testLogEntry(), "op", func() error {
		calls++
		return &gateway.AmbiguousError{Err: errors.New("timeout")}
	})
	require.True(t, gateway.IsAmbiguous(err))
	require.Equal(t, 1, calls)
}

func TestRetryNeverRetriesPermanent(t *testing.T) {
	p := retryPolicy{maxAttempts: 4, baseDelay: time.Millisecond, maxDelay: 2 * time.Millisecond}

	calls := 0
	err := p.do(context.Background(), testLogEntry(), "op", func() error {
		calls++
		return &gateway.RejectionError{Reason: "bad address"}
	})
	var rejection *gateway.RejectionError
	require.ErrorAs(t, err, &rejection)
	require.Equal(t, 1, calls)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	p := retryPolicy{maxAttempts: 10, baseDelay: 50 * time.Millisecond, maxDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := p.do(ctx, testLogEntry(), "op", func() error {
		calls++
		return &gateway.TransientError{Err: errors.New("down")}
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}
