package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func TestNewPolicy_Defaults(t *testing.T) {
	policy := NewPolicy(Config{})

	assert.Equal(t, 3, policy.config.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, policy.config.InitialDelay)
	assert.Equal(t, 10*time.Second, policy.config.MaxDelay)
	assert.Equal(t, 2.0, policy.config.BackoffMultiplier)
}

func TestPolicy_NextRetryDelay(t *testing.T) {
	policy := NewPolicy(Config{
		MaxAttempts:       5,
		InitialDelay:      time.Second,
		MaxDelay:          5 * time.Second,
		BackoffMultiplier: 2.0,
	})

	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, policy.NextRetryDelay(tt.attempts), "attempts=%d", tt.attempts)
	}
}

func TestPolicy_ShouldRetry(t *testing.T) {
	policy := NewPolicy(Config{MaxAttempts: 3})
	boom := errors.New("boom")

	assert.False(t, policy.ShouldRetry(1, nil))
	assert.True(t, policy.ShouldRetry(1, boom))
	assert.True(t, policy.ShouldRetry(2, boom))
	assert.False(t, policy.ShouldRetry(3, boom))
	assert.False(t, policy.ShouldRetry(1, Permanent(boom)))
	assert.False(t, policy.ShouldRetry(1, context.Canceled))
}

func TestPolicy_Do(t *testing.T) {
	t.Run("succeeds after transient failures", func(t *testing.T) {
		policy := NewPolicy(Config{MaxAttempts: 3}).WithSleep(noSleep)
		calls := 0
		err := policy.Do(context.Background(), func(ctx context.Context) error {
			calls++
			if calls < 3 {
				return errors.New("transient")
			}
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("gives up after max attempts", func(t *testing.T) {
		policy := NewPolicy(Config{MaxAttempts: 3}).WithSleep(noSleep)
		calls := 0
		boom := errors.New("server error")
		err := policy.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 3, calls)
	})

	t.Run("permanent error stops immediately", func(t *testing.T) {
		policy := NewPolicy(Config{MaxAttempts: 3}).WithSleep(noSleep)
		calls := 0
		unauthorized := errors.New("unauthorized")
		err := policy.Do(context.Background(), func(ctx context.Context) error {
			calls++
			return Permanent(unauthorized)
		})
		assert.Equal(t, unauthorized, err)
		assert.False(t, IsPermanent(err))
		assert.Equal(t, 1, calls)
	})

	t.Run("canceled context interrupts backoff", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		policy := NewPolicy(Config{MaxAttempts: 3, InitialDelay: time.Hour})
		boom := errors.New("boom")
		err := policy.Do(ctx, func(ctx context.Context) error { return boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
