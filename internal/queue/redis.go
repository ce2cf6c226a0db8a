package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"campaign-platform/pkg/logger"
	"campaign-platform/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// DefaultLease bounds how long a claimed job may run before another worker
// may pick it up again. It must exceed the longest handler run (a dispatch
// with all local retries).
const DefaultLease = 2 * time.Minute

// RedisBackend keeps jobs in Redis:
//
//	{prefix}:due      ZSET job id -> due time (unix ms)
//	{prefix}:active   ZSET job id -> lease deadline (unix ms)
//	{prefix}:job:{id} STRING job JSON; TTL set once the job finishes
type RedisBackend struct {
	rdb    redis.UniversalClient
	prefix string
	lease  time.Duration
}

func NewRedisBackend(rdb redis.UniversalClient, name string) *RedisBackend {
	return &RedisBackend{rdb: rdb, prefix: "queue:" + name, lease: DefaultLease}
}

func (b *RedisBackend) dueKey() string { return b.prefix + ":due" }
func (b *RedisBackend) activeKey() string { return b.prefix + ":active" }
func (b *RedisBackend) jobKey(id string) string { return b.prefix + ":job:" + id }

func (b *RedisBackend) Enqueue(ctx context.Context, job Job, at time.Time) error {
	cur, err := b.Get(ctx, job.ID)
	switch {
	case err == nil && !cur.finished():
		return nil
	case err != nil && !errors.Is(err, ErrJobNotFound):
		return err
	}

	job.Status = StatusPending
	job.EnqueuedAt = at
	job.DueAt = at
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.jobKey(job.ID), raw, 0)
		p.ZAdd(ctx, b.dueKey(), redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (b *RedisBackend) Claim(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	ids, err := utils.ClaimDueMembers(ctx, b.rdb, b.dueKey(), b.activeKey(), now, b.lease, limit)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	out := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, err := b.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrJobNotFound) {
				logger.From(ctx).Warn("queue: claimed job has no record", "job_id", id)
				_ = b.rdb.ZRem(ctx, b.activeKey(), id).Err()
				continue
			}
			return out, err
		}
		job.Status = StatusActive
		job.Attempts++
		if err := b.put(ctx, job, 0); err != nil {
			return out, err
		}
		out = append(out, job)
	}
	return out, nil
}

func (b *RedisBackend) Retry(ctx context.Context, job Job, at time.Time) error {
	job.Status = StatusPending
	job.DueAt = at
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.jobKey(job.ID), raw, 0)
		p.ZRem(ctx, b.activeKey(), job.ID)
		p.ZAdd(ctx, b.dueKey(), redis.Z{Score: float64(at.UnixMilli()), Member: job.ID})
		return nil
	})
	return err
}

func (b *RedisBackend) Complete(ctx context.Context, job Job) error {
	return b.finish(ctx, job, StatusCompleted, "", CompletedRetention)
}

func (b *RedisBackend) Fail(ctx context.Context, job Job, reason string) error {
	return b.finish(ctx, job, StatusFailed, reason, FailedRetention)
}

func (b *RedisBackend) finish(ctx context.Context, job Job, status Status, reason string, ttl time.Duration) error {
	now := time.Now().UTC()
	job.Status = status
	if reason != "" {
		job.LastError = reason
	}
	job.FinishedAt = &now
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.jobKey(job.ID), raw, ttl)
		p.ZRem(ctx, b.activeKey(), job.ID)
		p.ZRem(ctx, b.dueKey(), job.ID)
		return nil
	})
	return err
}

func (b *RedisBackend) Get(ctx context.Context, id string) (Job, error) {
	raw, err := b.rdb.Get(ctx, b.jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Job{}, ErrJobNotFound
		}
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, fmt.Errorf("queue: decode %s: %w", id, err)
	}
	return job, nil
}

func (b *RedisBackend) put(ctx context.Context, job Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return b.rdb.Set(ctx, b.jobKey(job.ID), raw, ttl).Err()
}
