package account

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachePrefix is the key prefix for cached account limits in Valkey.
const CachePrefix = "acctlimits"

func cacheKey(accountID string) string {
	return CachePrefix + ":" + accountID
}

// Cache provides get/set/delete operations for account limits.
type Cache interface {
	Get(ctx context.Context, accountID string) (Limits, bool, error)
	Set(ctx context.Context, accountID string, limits Limits) error
	Delete(ctx context.Context, accountID string) error
}

// ValkeyCache implements Cache using Valkey/Redis.
type ValkeyCache struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewValkeyCache creates a new Valkey-backed account limits cache.
func NewValkeyCache(client *redis.Client, ttl time.Duration) *ValkeyCache {
	return &ValkeyCache{Client: client, TTL: ttl}
}

func (c *ValkeyCache) Get(ctx context.Context, accountID string) (Limits, bool, error) {
	val, err := c.Client.Get(ctx, cacheKey(accountID)).Result()
	if err == redis.Nil {
		return Limits{}, false, nil
	}
	if err != nil {
		return Limits{}, false, fmt.Errorf("cache get: %w", err)
	}

	var limits Limits
	if err := json.Unmarshal([]byte(val), &limits); err != nil {
		return Limits{}, false, fmt.Errorf("parse cached limits: %w", err)
	}

	return limits, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, accountID string, limits Limits) error {
	payload, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("encode limits: %w", err)
	}
	if err := c.Client.Set(ctx, cacheKey(accountID), payload, c.TTL).Err(); err != nil {
		return fmt.Errorf("cache set: %w", err)
	}
	return nil
}

func (c *ValkeyCache) Delete(ctx context.Context, accountID string) error {
	return c.Client.Del(ctx, cacheKey(accountID)).Err()
}
