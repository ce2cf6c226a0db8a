package callbacks

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "callback:c1:l1:2025-06-01T10:00:00Z", Key("c1", "l1", "2025-06-01T10:00:00Z"))
}

func TestRedisCache_MarkExpiresAfterTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := NewRedisCache(rdb)
	ctx := context.Background()
	key := Key("c1", "l1", "2025-06-01T10:00:00Z")

	seen, err := cache.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, cache.Mark(ctx, key, DefaultDedupTTL))
	seen, err = cache.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, 24*time.Hour, mr.TTL(key))

	mr.FastForward(DefaultDedupTTL - time.Second)
	seen, err = cache.Seen(ctx, key)
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(time.Second)
	seen, err = cache.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestRedisCache_OutageIsReported(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	cache := NewRedisCache(rdb)

	mr.SetError("LOADING Redis is loading the dataset in memory")
	_, err := cache.Seen(context.Background(), "callback:c:l:t")
	assert.Error(t, err)
	assert.Error(t, cache.Mark(context.Background(), "callback:c:l:t", time.Minute))
}

func TestHandle_RedisCacheShortCircuitsRedelivery(t *testing.T) {
	f := newFixture(t)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	h := NewHandler(f.store, NewRedisCache(rdb), f.svc, f.bus, 0)

	ctx := context.Background()
	c, leads := f.create(t, "org-1", "+15550000001", "+15550000002")
	req := Request{CampaignID: c.ID, LeadID: leads[0], Outcome: "qualified", Timestamp: "2025-06-01T10:00:00Z"}

	first, err := h.Handle(ctx, req)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, DefaultDedupTTL, mr.TTL(Key(c.ID, leads[0], req.Timestamp)))

	second, err := h.Handle(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Empty(t, second.Lead.ID, "answered from the cache")
}
