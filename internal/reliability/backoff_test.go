package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffNextWithoutJitter(t *testing.T) {
	b := Backoff{Base: 5 * time.Second, Max: 300 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{5, 160 * time.Second},
		{6, 300 * time.Second},
		{60, 300 * time.Second},
		{-1, 5 * time.Second},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("attempt %d", tt.attempt), func(t *testing.T) {
			assert.Equal(t, tt.want, b.Next(tt.attempt))
		})
	}
}

func TestBackoffThreeFailuresAreNonDecreasingAndCapped(t *testing.T) {
	for _, r := range []float64{0, 0.5, 0.999} {
		b := NewBackoff(5*time.Second, 12*time.Second)
		b.rand = func() float64 { return r }

		var prev time.Duration
		for attempt := 0; attempt < 3; attempt++ {
			d := b.Next(attempt)
			assert.GreaterOrEqual(t, d, prev, "rand=%v attempt=%d", r, attempt)
			assert.LessOrEqual(t, d, 12*time.Second)
			prev = d
		}
	}
}

func TestBackoffJitterStaysWithinQuarter(t *testing.T) {
	b := NewBackoff(5*time.Second, 300*time.Second)
	b.rand = func() float64 { return 0.999 }

	assert.InDelta(t, float64(6250*time.Millisecond), float64(b.Next(0)), float64(10*time.Millisecond))
	assert.InDelta(t, float64(12500*time.Millisecond), float64(b.Next(1)), float64(20*time.Millisecond))
	assert.InDelta(t, float64(25*time.Second), float64(b.Next(2)), float64(40*time.Millisecond))
}

func TestRetry(t *testing.T) {
	fast := RetryConfig{MaxAttempts: 3, Backoff: Backoff{Base: time.Millisecond, Max: time.Millisecond}}

	t.Run("succeeds after transient failures", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			if calls < 3 {
				return io.ErrUnexpectedEOF
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("stops on auth errors", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			return errors.New("NO [AUTHENTICATIONFAILED] Invalid credentials")
		})
		require.Error(t, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("returns last error when attempts run out", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), fast, func(context.Context) error {
			calls++
			return fmt.Errorf("attempt %d: connection reset by peer", calls)
		})
		assert.EqualError(t, err, "attempt 3: connection reset by peer")
	})

	t.Run("honours cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		slow := RetryConfig{MaxAttempts: 3, Backoff: Backoff{Base: time.Hour, Max: time.Hour}}
		err := Retry(ctx, slow, func(context.Context) error { return io.EOF })
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestCategorizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, CategoryUnknown},
		{"deadline", fmt.Errorf("dial: %w", context.DeadlineExceeded), CategoryTimeout},
		{"eof", fmt.Errorf("read: %w", io.EOF), CategoryNetwork},
		{"auth", errors.New("Login failed: invalid credentials"), CategoryAuth},
		{"smtp auth", errors.New("535 5.7.8 authentication failed"), CategoryAuth},
		{"permanent", &Permanent{Err: errors.New("bad request")}, CategoryPermanent},
		{"reset", errors.New("write: connection reset by peer"), CategoryNetwork},
		{"other", errors.New("mailbox does not exist"), CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategorizeError(tt.err))
		})
	}
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}
