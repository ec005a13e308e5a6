package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the shared-cache protocol the lease manager coordinates through.
// The cache is the single point of cross-process coordination, so every write
// here must be an atomic conditional write with TTL expiry.
type Cache interface {
	// SetIfAbsentOrExpired claims key for owner with the given TTL. Returns
	// true only if the key was absent or its previous lease had expired.
	SetIfAbsentOrExpired(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// CompareAndExtend resets the TTL of key, but only while it is still
	// held by owner. Returns false if another owner has claimed the key or
	// the record has expired.
	CompareAndExtend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)

	// Delete removes key, but only while it is still held by owner, so a
	// slow shutdown can never evict a successor's lease.
	Delete(ctx context.Context, key, owner string) error
}

// renewScript extends a lease only if the stored owner token still matches.
// KEYS[1] lease key, ARGV[1] expected owner, ARGV[2] TTL in ms.
var renewScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], tonumber(ARGV[2]))
    return 1
end
return 0
`)

// releaseScript deletes a lease only if the stored owner token still matches.
// KEYS[1] lease key, ARGV[1] expected owner.
var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// RedisCache implements Cache on a Redis instance. Expiry is delegated to
// Redis key TTLs, so an expired lease and an absent lease are the same thing
// and SET NX covers the whole "absent or expired" condition.
type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) SetIfAbsentOrExpired(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", ErrCacheUnreachable, key, err)
	}
	return ok, nil
}

func (c *RedisCache) CompareAndExtend(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	res, err := renewScript.Run(ctx, c.client, []string{key}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("%w: renew %s: %v", ErrCacheUnreachable, key, err)
	}
	return res == 1, nil
}

func (c *RedisCache) Delete(ctx context.Context, key, owner string) error {
	if err := releaseScript.Run(ctx, c.client, []string{key}, owner).Err(); err != nil {
		return fmt.Errorf("%w: release %s: %v", ErrCacheUnreachable, key, err)
	}
	return nil
}
