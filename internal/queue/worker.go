package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"campaign-platform/internal/metrics"
	"campaign-platform/internal/retry"
	"campaign-platform/pkg/logger"
)

// Handler runs one attempt of a job. Job.Attempts is the 1-based number of
// this attempt.
type Handler func(ctx context.Context, job Job) error

const defaultBatch = 16

// Worker polls a Backend and runs due jobs through their kind's handler.
//
// Outcomes: nil completes the job; a Permanent error fails it; any other error
// (ErrContention included) schedules the next attempt from the policy until the
// budget is spent, then fails the job.
type Worker struct {
	backend  Backend
	handlers map[string]Handler
	policy   retry.Policy
	poll     time.Duration
	batch    int
	now      func() time.Time
}

func NewWorker(b Backend, policy retry.Policy, poll time.Duration) *Worker {
	if poll <= 0 {
		poll = time.Second
	}
	return &Worker{
		backend:  b,
		handlers: map[string]Handler{},
		policy:   policy,
		poll:     poll,
		batch:    defaultBatch,
		now:      time.Now,
	}
}

// Handle registers h for kind. Call before Run.
func (w *Worker) Handle(kind string, h Handler) {
	w.handlers[kind] = h
}

// Run polls until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log := logger.From(ctx)
	log.Info("queue worker started", "poll_interval", w.poll.String())

	t := time.NewTicker(w.poll)
	defer t.Stop()
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			log.Error("queue poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			log.Info("queue worker stopped")
			return nil
		case <-t.C:
		}
	}
}

// RunOnce claims and processes the jobs due now. It returns how many ran.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	jobs, err := w.backend.Claim(ctx, w.now().UTC(), w.batch)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		w.process(ctx, job)
	}
	return len(jobs), nil
}

func (w *Worker) process(ctx context.Context, job Job) {
	log := logger.From(ctx).With("job_id", job.ID, "kind", job.Kind, "attempt", job.Attempts)

	h, ok := w.handlers[job.Kind]
	if !ok {
		w.fail(ctx, log, job, ErrNoHandler.Error())
		return
	}

	err := h(logger.With(ctx, log), job)
	// The attempt ran; record its outcome even if the worker is stopping.
	ctx = context.WithoutCancel(ctx)
	if err == nil {
		if cerr := w.backend.Complete(ctx, job); cerr != nil {
			log.Error("queue complete failed", "err", cerr)
		}
		metrics.QueueJobs.WithLabelValues(job.Kind, "completed").Inc()
		return
	}

	job.LastError = err.Error()
	if retry.IsPermanent(err) {
		w.fail(ctx, log, job, err.Error())
		return
	}

	policy := w.policy
	if job.MaxAttempts > 0 {
		policy.MaxAttempts = job.MaxAttempts
	}
	delay, ok := policy.Next(job.Attempts)
	if !ok {
		w.fail(ctx, log, job, "retry budget exhausted: "+err.Error())
		return
	}

	at := w.now().UTC().Add(delay)
	if rerr := w.backend.Retry(ctx, job, at); rerr != nil {
		log.Error("queue retry schedule failed", "err", rerr)
		return
	}
	if errors.Is(err, ErrContention) {
		log.Info("queue job deferred", "reason", err.Error(), "next_in", delay.String())
		metrics.QueueJobs.WithLabelValues(job.Kind, "contention").Inc()
		return
	}
	log.Error("queue job failed, will retry", "err", err, "next_in", delay.String())
	metrics.QueueJobs.WithLabelValues(job.Kind, "retry").Inc()
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, job Job, reason string) {
	if err := w.backend.Fail(ctx, job, reason); err != nil {
		log.Error("queue fail failed", "err", err)
	}
	log.Error("queue job failed permanently", "reason", reason)
	metrics.QueueJobs.WithLabelValues(job.Kind, "failed").Inc()
}
