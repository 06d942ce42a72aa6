package profile

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingSource struct {
	calls int
}

func (s *countingSource) Load(ctx context.Context, tenantID string) (*AgentProfile, Resolution, error) {
	s.calls++
	p := Default()
	p.ProfileID = "loaded_" + tenantID
	return p, Resolution{Source: "file", AppliedProfileID: p.ProfileID}, nil
}

func TestRedisCacheHitSkipsInnerSource(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingSource{}
	cache := NewRedisCache(inner, client, time.Minute)

	ctx := context.Background()
	first, resolution, err := cache.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "loaded_acme", first.ProfileID)
	assert.Equal(t, "file", resolution.Source)
	assert.Equal(t, 1, inner.calls)

	second, resolution, err := cache.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "loaded_acme", second.ProfileID)
	assert.Equal(t, "cache", resolution.Source)
	assert.Equal(t, 1, inner.calls)
}

func TestRedisCacheExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingSource{}
	cache := NewRedisCache(inner, client, time.Second)

	ctx := context.Background()
	_, _, err := cache.Load(ctx, "acme")
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)
	_, _, err = cache.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestRedisCacheInvalidate(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	inner := &countingSource{}
	cache := NewRedisCache(inner, client, time.Minute)

	ctx := context.Background()
	_, _, err := cache.Load(ctx, "acme")
	require.NoError(t, err)
	require.NoError(t, cache.Invalidate(ctx, "acme"))
	_, _, err = cache.Load(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}

func TestRedisCacheDisabledWithoutClient(t *testing.T) {
	inner := &countingSource{}
	cache := NewRedisCache(inner, nil, time.Minute)
	_, _, err := cache.Load(context.Background(), "acme")
	require.NoError(t, err)
	_, _, err = cache.Load(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
