package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errBoom = errors.New("boom")

func fail(context.Context) error    { return errBoom }
func succeed(context.Context) error { return nil }

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New("broker", WithFailureThreshold(3), WithClock(newFakeClock().Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
		assert.Equal(t, StateClosed, b.State())
	}

	assert.ErrorIs(t, b.Execute(ctx, fail), errBoom)
	assert.Equal(t, StateOpen, b.State())
	assert.Equal(t, 3, b.Snapshot().Failures)
}

func TestBreaker_OpenShortCircuits(t *testing.T) {
	b := New("broker", WithFailureThreshold(1), WithClock(newFakeClock().Now))
	ctx := context.Background()
	require.Error(t, b.Execute(ctx, fail))

	calls := 0
	err := b.Execute(ctx, func(context.Context) error {
		calls++
		return nil
	})

	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 0, calls)
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b := New("broker", WithFailureThreshold(3))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 2, b.Snapshot().Failures)
}

func TestBreaker_HalfOpenTransitions(t *testing.T) {
	tests := []struct {
		name      string
		trial     func(context.Context) error
		wantState State
	}{
		{"trial success closes", succeed, StateClosed},
		{"trial failure reopens", fail, StateOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			b := New("broker",
				WithFailureThreshold(2),
				WithCooldown(10*time.Second),
				WithClock(clock.Now))
			ctx := context.Background()

			_ = b.Execute(ctx, fail)
			_ = b.Execute(ctx, fail)
			require.Equal(t, StateOpen, b.State())

			clock.Advance(5 * time.Second)
			assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)

			clock.Advance(5 * time.Second)
			assert.Equal(t, StateHalfOpen, b.State())

			_ = b.Execute(ctx, tt.trial)
			assert.Equal(t, tt.wantState, b.State())
		})
	}
}

func TestBreaker_HalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := newFakeClock()
	b := New("broker", WithFailureThreshold(1), WithCooldown(time.Second), WithClock(clock.Now))
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	clock.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(entered)
			<-release
			return nil
		})
	}()

	<-entered
	assert.ErrorIs(t, b.Execute(ctx, succeed), ErrOpen)
	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_CallerCancellationNotCounted(t *testing.T) {
	b := New("broker", WithFailureThreshold(1))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Execute(ctx, func(ctx context.Context) error { return ctx.Err() })

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Snapshot().Failures)
}

func TestRun(t *testing.T) {
	b := New("broker")
	v, err := Run(context.Background(), b, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestBreaker_StateChangeCallbackAndReset(t *testing.T) {
	var transitions []string
	b := New("broker",
		WithFailureThreshold(1),
		OnStateChange(func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		}))

	_ = b.Execute(context.Background(), fail)
	b.Reset()

	assert.Equal(t, []string{"broker:closed->open", "broker:open->closed"}, transitions)
	assert.Equal(t, StateClosed, b.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
