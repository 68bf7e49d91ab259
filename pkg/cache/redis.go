package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyspace under which entries live; the version component tracks the codec
// version so incompatible payloads never collide.
const redisKeyPrefix = "relay:v1:"

// RedisConfig tunes the pooled client. Zero values fall back to go-redis
// defaults except Grace, which defaults to a minute.
type RedisConfig struct {
	// URL is a redis:// connection string.
	URL string
	// PoolSize bounds concurrent connections.
	PoolSize int
	// PoolTimeout bounds waiting for a free connection.
	PoolTimeout time.Duration
	// OpTimeout bounds individual read/write commands.
	OpTimeout time.Duration
	// Grace pads the per-key expiration beyond the entry's soft expiry.
	Grace time.Duration
}

// RedisCache is a Provider backed by a shared Redis instance. Values are
// stored as versioned binary blobs with a per-key TTL, so Redis evicts
// entries no consumer can ever classify as servable again.
type RedisCache struct {
	client *redis.Client
	grace  time.Duration
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("cache: redis url: %w", err)
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	if cfg.OpTimeout > 0 {
		opts.ReadTimeout = cfg.OpTimeout
		opts.WriteTimeout = cfg.OpTimeout
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = time.Minute
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: redis ping: %w", err)
	}
	return &RedisCache{client: client, grace: grace}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: redis get: %v", ErrUnavailable, err)
	}
	entry, err := Decode(data)
	if err != nil {
		// corrupt payloads are dropped so the next request re-fetches
		_ = c.client.Del(ctx, redisKeyPrefix+key).Err()
		return nil, false, nil
	}
	return entry, true, nil
}

func (c *RedisCache) Put(ctx context.Context, key string, entry *Entry, softExpiry time.Duration) error {
	expiration := softExpiry + c.grace
	if err := c.client.Set(ctx, redisKeyPrefix+key, Encode(entry), expiration).Err(); err != nil {
		return fmt.Errorf("%w: redis set: %v", ErrUnavailable, err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("%w: redis del: %v", ErrUnavailable, err)
	}
	return nil
}

// Purge walks the keyspace with SCAN and deletes matches in batches. It is
// not atomic; keys written concurrently may survive.
func (c *RedisCache) Purge(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+pattern, 256).Iterator()
	batch := make([]string, 0, 256)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := c.client.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("%w: redis purge: %v", ErrUnavailable, err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("%w: redis scan: %v", ErrUnavailable, err)
	}
	if len(batch) > 0 {
		if err := c.client.Del(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("%w: redis purge: %v", ErrUnavailable, err)
		}
	}
	return nil
}

func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	var items int64
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 1024).Iterator()
	for iter.Next(ctx) {
		items++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("%w: redis scan: %v", ErrUnavailable, err)
	}
	return Stats{Items: items}, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
