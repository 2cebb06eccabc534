package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errNotRegistered = errors.New("producer not registered")

func TestDo(t *testing.T) {
	fatal := errors.New("connection refused")

	tests := []struct {
		name       string
		maxRetries int
		failures   int
		failWith   error
		retryable  ShouldRetryFunc
		wantCalls  int
		wantErr    error
	}{
		{
			name:       "first attempt succeeds",
			maxRetries: 3,
			wantCalls:  1,
		},
		{
			name:       "producer registers after two attempts",
			maxRetries: 5,
			failures:   2,
			failWith:   errNotRegistered,
			retryable:  func(err error) bool { return errors.Is(err, errNotRegistered) },
			wantCalls:  3,
		},
		{
			name:       "retries exhausted",
			maxRetries: 3,
			failures:   10,
			failWith:   errNotRegistered,
			wantCalls:  3,
			wantErr:    errNotRegistered,
		},
		{
			name:       "non retryable error stops immediately",
			maxRetries: 5,
			failures:   10,
			failWith:   fatal,
			retryable:  func(err error) bool { return errors.Is(err, errNotRegistered) },
			wantCalls:  1,
			wantErr:    fatal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{MaxRetries: tt.maxRetries, InitialBackoff: time.Millisecond}

			calls := 0
			err := Do(context.Background(), cfg, func() error {
				calls++
				if calls <= tt.failures {
					return tt.failWith
				}
				return nil
			}, tt.retryable)

			assert.Equal(t, tt.wantCalls, calls)
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDo_ExhaustedMessage(t *testing.T) {
	err := Do(context.Background(), Config{MaxRetries: 2, InitialBackoff: time.Millisecond}, func() error {
		return errNotRegistered
	}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed after 2 retries")
}

func TestDo_ContextCanceledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	err := Do(ctx, Config{MaxRetries: 10, InitialBackoff: time.Hour}, func() error {
		calls++
		cancel()
		return errNotRegistered
	}, nil)

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	// Reconnect schedule of a producer losing its backend.
	reconnect := Config{
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}

	tests := []struct {
		name    string
		cfg     Config
		attempt int
		want    time.Duration
	}{
		{"first reconnect", reconnect, 1, 100 * time.Millisecond},
		{"doubles", reconnect, 3, 400 * time.Millisecond},
		{"reaches cap", reconnect, 10, 30 * time.Second},
		{"stays capped for long outages", reconnect, 500, 30 * time.Second},
		{"attempt zero treated as first", reconnect, 0, 100 * time.Millisecond},
		{"no cap", Config{InitialBackoff: 10 * time.Millisecond}, 5, 160 * time.Millisecond},
		{
			// 200ms base plus 200ms * 0.5 * 2/5.
			"jitter grows with attempt",
			Config{InitialBackoff: 100 * time.Millisecond, MaxRetries: 5, Jitter: 0.5},
			2,
			240 * time.Millisecond,
		},
		{
			"jitter never exceeds cap",
			Config{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, MaxRetries: 5, Jitter: 0.5},
			4,
			time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Backoff(tt.cfg, tt.attempt))
		})
	}
}
