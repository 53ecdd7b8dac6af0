package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	s := New(Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond}).NoWait()

	calls := 0
	err := s.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	s := New(Policy{MaxAttempts: 2}).NoWait()
	boom := errors.New("boom")

	calls := 0
	err := s.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 2, calls)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
}

func TestDo_PermanentErrorsAreNotRetried(t *testing.T) {
	s := New(Policy{MaxAttempts: 5}).NoWait()
	boom := errors.New("bad credentials")

	calls := 0
	err := s.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return Permanent(boom)
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestDo_StopsOnCancelledContext(t *testing.T) {
	s := New(Policy{MaxAttempts: 5, InitialBackoff: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := s.Do(ctx, "fetch", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestBackoff(t *testing.T) {
	exp := New(Policy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond})
	assert.Equal(t, 100*time.Millisecond, exp.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, exp.Backoff(2))
	assert.Equal(t, 300*time.Millisecond, exp.Backoff(3))
	assert.Equal(t, 300*time.Millisecond, exp.Backoff(4))

	fixed := New(Policy{MaxAttempts: 5, InitialBackoff: 50 * time.Millisecond, Strategy: Fixed})
	assert.Equal(t, 50*time.Millisecond, fixed.Backoff(4))
}

func TestDoValue(t *testing.T) {
	s := New(DefaultPolicy).NoWait()
	v, err := DoValue(context.Background(), s, "get", func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
