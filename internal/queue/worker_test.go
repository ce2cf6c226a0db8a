package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"campaign-platform/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestWorker(b Backend, clock *fakeClock) *Worker {
	w := NewWorker(b, retry.Exponential(30*time.Second, 10), time.Millisecond)
	w.now = clock.Now
	return w
}

func enqueue(t *testing.T, b Backend, id string, at time.Time) {
	t.Helper()
	job, err := NewJob("campaign.admit", id, map[string]string{"campaign_id": id}, 10)
	require.NoError(t, err)
	require.NoError(t, b.Enqueue(context.Background(), job, at))
}

func TestWorker_ContentionFollowsExponentialScheduleToExhaustion(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	clock := &fakeClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := newTestWorker(b, clock)

	var calls int
	w.Handle("campaign.admit", func(ctx context.Context, job Job) error {
		calls++
		assert.Equal(t, calls, job.Attempts)
		return fmt.Errorf("org busy: %w", ErrContention)
	})
	enqueue(t, b, "c1", clock.t)

	var delays []time.Duration
	last := clock.t
	for i := 0; i < 20; i++ {
		due, ok := b.NextDue()
		if !ok {
			break
		}
		if i > 0 {
			delays = append(delays, due.Sub(last))
		}
		clock.t = due
		last = due
		n, err := w.RunOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	assert.Equal(t, 10, calls, "job must use the whole budget")
	require.Len(t, delays, 9)
	assert.Equal(t, 30*time.Second, delays[0])
	for i := 1; i < len(delays); i++ {
		assert.Greater(t, delays[i], delays[i-1])
	}

	job, err := b.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, job.Status)
	assert.Contains(t, job.LastError, "exhausted")
}

func TestWorker_PermanentErrorIsNotRetried(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	clock := &fakeClock{t: time.Now().UTC()}
	w := newTestWorker(b, clock)

	var calls int
	w.Handle("campaign.admit", func(ctx context.Context, job Job) error {
		calls++
		return Permanent(errors.New("dispatch failed"))
	})
	enqueue(t, b, "c1", clock.t)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	clock.t = clock.t.Add(24 * time.Hour)
	n, err := w.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 0, n)
	assert.Equal(t, 1, calls)
	job, _ := b.Get(ctx, "c1")
	assert.Equal(t, StatusFailed, job.Status)
	assert.Equal(t, "dispatch failed", job.LastError)
}

func TestWorker_SuccessCompletes(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	clock := &fakeClock{t: time.Now().UTC()}
	w := newTestWorker(b, clock)
	w.Handle("campaign.admit", func(ctx context.Context, job Job) error {
		var p map[string]string
		require.NoError(t, job.Decode(&p))
		assert.Equal(t, "c1", p["campaign_id"])
		return nil
	})
	enqueue(t, b, "c1", clock.t)

	n, err := w.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	job, _ := b.Get(ctx, "c1")
	assert.Equal(t, StatusCompleted, job.Status)
	assert.NotNil(t, job.FinishedAt)
}

func TestWorker_UnknownKindFails(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	clock := &fakeClock{t: time.Now().UTC()}
	w := newTestWorker(b, clock)
	enqueue(t, b, "c1", clock.t)

	_, err := w.RunOnce(ctx)
	require.NoError(t, err)
	job, _ := b.Get(ctx, "c1")
	assert.Equal(t, StatusFailed, job.Status)
}

func TestWorker_NotDueIsNotClaimed(t *testing.T) {
	b := NewMemoryBackend()
	clock := &fakeClock{t: time.Now().UTC()}
	w := newTestWorker(b, clock)
	w.Handle("campaign.admit", func(ctx context.Context, job Job) error { return nil })
	enqueue(t, b, "c1", clock.t.Add(time.Minute))

	n, err := w.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestMemoryBackend_EnqueueIsIdempotentWhilePending(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	now := time.Now().UTC()
	enqueue(t, b, "c1", now)
	enqueue(t, b, "c1", now.Add(time.Hour))

	job, err := b.Get(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, job.DueAt.Equal(now), "second enqueue must not move the due time")

	claimed, err := b.Claim(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	again, err := b.Claim(ctx, now, 10)
	require.NoError(t, err)
	assert.Empty(t, again, "an active job is never claimed twice")
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	b := NewMemoryBackend()
	w := NewWorker(b, retry.Exponential(30*time.Second, 10), time.Millisecond)

	var ran atomic.Int32
	w.Handle("campaign.admit", func(ctx context.Context, job Job) error {
		ran.Add(1)
		return nil
	})
	enqueue(t, b, "c1", time.Now().UTC().Add(-time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool { return ran.Load() == 1 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("worker did not stop")
	}
}
