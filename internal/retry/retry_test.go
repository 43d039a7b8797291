package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransient = errors.New("transient")

func TestBackoff_Delay(t *testing.T) {
	tests := []struct {
		name    string
		backoff Backoff
		attempt int
		want    time.Duration
	}{
		{"first attempt waits initial", Backoff{InitialDelay: time.Second, Multiplier: 2}, 0, time.Second},
		{"exponential growth", Backoff{InitialDelay: time.Second, Multiplier: 2}, 3, 8 * time.Second},
		{"capped", Backoff{InitialDelay: 500 * time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Second}, 6, 5 * time.Second},
		{"multiplier below one is flat", Backoff{InitialDelay: time.Second, Multiplier: 0.5}, 4, time.Second},
		{"fractional base", Backoff{InitialDelay: time.Second, Multiplier: 1.5}, 2, 2250 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Delay(tt.attempt))
		})
	}
}

func TestDo_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Backoff{MaxAttempts: 5, InitialDelay: time.Millisecond, Multiplier: 2},
		func(_ context.Context, attempt int) error {
			calls++
			if attempt < 2 {
				return errTransient
			}
			return nil
		})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var delays []time.Duration
	calls := 0
	b := Backoff{
		MaxAttempts:  4,
		InitialDelay: time.Millisecond,
		Multiplier:   2,
		OnRetry: func(_ int, delay time.Duration, err error) {
			assert.ErrorIs(t, err, errTransient)
			delays = append(delays, delay)
		},
	}

	err := Do(context.Background(), b, func(context.Context, int) error {
		calls++
		return errTransient
	})

	assert.ErrorIs(t, err, ErrExhausted)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 4, calls)
	// No sleep after the final attempt.
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond}, delays)
}

func TestDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Backoff{}, func(context.Context, int) error {
		calls++
		return errTransient
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := Do(ctx, Backoff{MaxAttempts: 3, InitialDelay: time.Hour, Multiplier: 2},
		func(context.Context, int) error { return errTransient })

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
