package profile

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/mcalza96/cire-orchestrator/core"
)

const cacheKeyPrefix = "orch:profile:"

// RedisCache decorates a Source with a short-TTL Redis cache so hot tenants
// do not hit the configuration store on every query. Cache failures degrade
// to the inner source; they never fail the flow.
type RedisCache struct {
	inner  Source
	client *redis.Client
	ttl    time.Duration
	logger core.Logger
}

type cachedEntry struct {
	Profile    *AgentProfile `json:"profile"`
	Resolution Resolution    `json:"resolution"`
}

// NewRedisCache wraps a source with caching. A nil client or non-positive TTL
// disables caching entirely and returns the inner source behavior.
func NewRedisCache(inner Source, client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{inner: inner, client: client, ttl: ttl, logger: &core.NoOpLogger{}}
}

// SetLogger sets the logger (kernel/profile component).
func (c *RedisCache) SetLogger(logger core.Logger) {
	if logger == nil {
		c.logger = &core.NoOpLogger{}
		return
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		c.logger = cal.WithComponent("kernel/profile")
	} else {
		c.logger = logger
	}
}

func (c *RedisCache) Load(ctx context.Context, tenantID string) (*AgentProfile, Resolution, error) {
	if c.client == nil || c.ttl <= 0 {
		return c.inner.Load(ctx, tenantID)
	}

	key := cacheKeyPrefix + sanitizeTenant(tenantID)
	if raw, err := c.client.Get(ctx, key).Bytes(); err == nil {
		var entry cachedEntry
		if err := json.Unmarshal(raw, &entry); err == nil && entry.Profile != nil {
			entry.Resolution.Source = "cache"
			return ApplyDefaults(entry.Profile), entry.Resolution, nil
		}
	} else if err != redis.Nil {
		c.logger.WarnWithContext(ctx, "Profile cache read failed", map[string]interface{}{
			"operation": "profile_cache_get",
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}

	p, resolution, err := c.inner.Load(ctx, tenantID)
	if err != nil {
		return nil, Resolution{}, err
	}

	if raw, err := json.Marshal(cachedEntry{Profile: p, Resolution: resolution}); err == nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.logger.WarnWithContext(ctx, "Profile cache write failed", map[string]interface{}{
				"operation": "profile_cache_set",
				"tenant_id": tenantID,
				"error":     err.Error(),
			})
		}
	}
	return p, resolution, nil
}

// Invalidate drops a tenant's cached profile.
func (c *RedisCache) Invalidate(ctx context.Context, tenantID string) error {
	if c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKeyPrefix+sanitizeTenant(tenantID)).Err()
}
