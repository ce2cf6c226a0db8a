package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for tests. Finished records are kept
// forever; retention windows are not simulated.
type MemoryBackend struct {
	mu   sync.Mutex
	jobs map[string]Job
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{jobs: map[string]Job{}}
}

func (b *MemoryBackend) Enqueue(ctx context.Context, job Job, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cur, ok := b.jobs[job.ID]; ok && !cur.finished() {
		return nil
	}
	job.Status = StatusPending
	job.EnqueuedAt = at
	job.DueAt = at
	b.jobs[job.ID] = job
	return nil
}

func (b *MemoryBackend) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	due := make([]Job, 0)
	for _, j := range b.jobs {
		if j.Status == StatusPending && !j.DueAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].DueAt.Before(due[k].DueAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	for i := range due {
		due[i].Status = StatusActive
		due[i].Attempts++
		b.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (b *MemoryBackend) Retry(ctx context.Context, job Job, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	job.Status = StatusPending
	job.DueAt = at
	b.jobs[job.ID] = job
	return nil
}

func (b *MemoryBackend) Complete(ctx context.Context, job Job) error {
	return b.finish(job, StatusCompleted, "")
}

func (b *MemoryBackend) Fail(ctx context.Context, job Job, reason string) error {
	return b.finish(job, StatusFailed, reason)
}

func (b *MemoryBackend) finish(job Job, status Status, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.jobs[job.ID]; !ok {
		return ErrJobNotFound
	}
	now := time.Now().UTC()
	job.Status = status
	if reason != "" {
		job.LastError = reason
	}
	job.FinishedAt = &now
	b.jobs[job.ID] = job
	return nil
}

func (b *MemoryBackend) Get(ctx context.Context, id string) (Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return j, nil
}

// NextDue reports the earliest due time among pending jobs.
func (b *MemoryBackend) NextDue() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var next time.Time
	found := false
	for _, j := range b.jobs {
		if j.Status != StatusPending {
			continue
		}
		if !found || j.DueAt.Before(next) {
			next = j.DueAt
			found = true
		}
	}
	return next, found
}
