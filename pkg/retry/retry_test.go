package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Multiplier:      2.0,
	}
}

func TestRetry(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name      string
		failures  int
		fatal     bool
		attempts  int
		wantCalls int
		wantErr   bool
	}{
		{name: "succeeds first time", failures: 0, attempts: 3, wantCalls: 1},
		{name: "succeeds after retries", failures: 2, attempts: 3, wantCalls: 3},
		{name: "gives up after max attempts", failures: 5, attempts: 3, wantCalls: 3, wantErr: true},
		{name: "fatal error is not retried", failures: 5, fatal: true, attempts: 3, wantCalls: 1, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := RetryWithCallback(context.Background(), fastPolicy(tt.attempts), func() error {
				calls++
				if calls <= tt.failures {
					if tt.fatal {
						return NewFatalError(errBoom)
					}
					return errBoom
				}
				return nil
			}, nil)

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, errBoom)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetryWithCallbackReportsEachRetry(t *testing.T) {
	var attempts []int
	calls := 0
	err := RetryWithCallback(context.Background(), fastPolicy(4), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(attempt int, err error, next time.Duration) {
		attempts = append(attempts, attempt)
		assert.Positive(t, next)
	})

	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, attempts)
}

func TestRetryStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := RetryWithCallback(ctx, Policy{MaxAttempts: 5, InitialInterval: time.Second, MaxInterval: time.Second, Multiplier: 1}, func() error {
		calls++
		return errors.New("transient")
	}, nil)

	assert.Error(t, err)
	assert.LessOrEqual(t, calls, 1)
}

func TestCalculateBackoffDuration(t *testing.T) {
	assert.Equal(t, 200*time.Millisecond, CalculateBackoffDuration(1, 100*time.Millisecond, 2, time.Second))
	assert.Equal(t, time.Second, CalculateBackoffDuration(10, 100*time.Millisecond, 2, time.Second))
}
