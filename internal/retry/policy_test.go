package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential_StrictlyIncreasing(t *testing.T) {
	p := Exponential(30*time.Second, 10)

	var delays []time.Duration
	for attempt := 1; ; attempt++ {
		d, ok := p.Next(attempt)
		if !ok {
			break
		}
		delays = append(delays, d)
	}

	require.Len(t, delays, 9)
	assert.Equal(t, 30*time.Second, delays[0])
	assert.Equal(t, 60*time.Second, delays[1])
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}
}

func TestLinear(t *testing.T) {
	p := Linear(time.Second, 3)
	d1, ok := p.Next(1)
	require.True(t, ok)
	d2, ok := p.Next(2)
	require.True(t, ok)
	_, ok = p.Next(3)

	assert.Equal(t, time.Second, d1)
	assert.Equal(t, 2*time.Second, d2)
	assert.False(t, ok)
}

func TestDo_StopsAfterBudget(t *testing.T) {
	var slept []time.Duration
	sleep := func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	calls := 0
	boom := errors.New("boom")

	err := Do(context.Background(), Linear(time.Second, 3), sleep, func(context.Context, int) error {
		calls++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, slept)
}

func TestDo_PermanentStopsImmediately(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Linear(time.Second, 3), func(context.Context, time.Duration) error { return nil }, func(context.Context, int) error {
		calls++
		return Permanent(errors.New("bad request"))
	})

	assert.True(t, IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDo_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Linear(time.Millisecond, 3), nil, func(_ context.Context, attempt int) error {
		calls++
		if attempt < 2 {
			return errors.New("transient")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Linear(time.Hour, 3), nil, func(context.Context, int) error {
		return errors.New("transient")
	})

	assert.ErrorIs(t, err, context.Canceled)
}
