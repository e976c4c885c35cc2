package heatmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheKey      = "roadrover:heatmap"
	generationKey = "roadrover:heatmap:gen"
)

// Cache stores the last enriched heatmap. Every Invalidate moves the
// generation forward, and a heatmap read under an older generation is not
// stored.
type Cache interface {
	// Get returns false when nothing is cached.
	Get(ctx context.Context) ([]Spot, bool, error)
	Generation(ctx context.Context) (int64, error)
	// SetIfGeneration stores spots only while the generation is still gen
	// and reports whether it did.
	SetIfGeneration(ctx context.Context, gen int64, spots []Spot) (bool, error)
	Invalidate(ctx context.Context) error
}

// RedisCache keeps the heatmap as one JSON value in Redis, next to a
// generation counter.
type RedisCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewRedisCache creates a cache whose entries expire after ttl even when
// nobody invalidates them.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{redis: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context) ([]Spot, bool, error) {
	data, err := c.redis.Get(ctx, cacheKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get heatmap from Redis: %w", err)
	}

	var spots []Spot
	if err := json.Unmarshal(data, &spots); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal heatmap: %w", err)
	}
	return spots, true, nil
}

func (c *RedisCache) Generation(ctx context.Context) (int64, error) {
	gen, err := c.redis.Get(ctx, generationKey).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get heatmap generation: %w", err)
	}
	return gen, nil
}

func (c *RedisCache) SetIfGeneration(ctx context.Context, gen int64, spots []Spot) (bool, error) {
	if spots == nil {
		spots = []Spot{}
	}
	data, err := json.Marshal(spots)
	if err != nil {
		return false, fmt.Errorf("failed to marshal heatmap: %w", err)
	}

	stored := false
	err = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, generationKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if current != gen {
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, cacheKey, data, c.ttl)
			return nil
		})
		stored = err == nil
		return err
	}, generationKey)
	if errors.Is(err, redis.TxFailedErr) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to set heatmap in Redis: %w", err)
	}
	return stored, nil
}

func (c *RedisCache) Invalidate(ctx context.Context) error {
	_, err := c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, cacheKey)
		pipe.Incr(ctx, generationKey)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to invalidate heatmap: %w", err)
	}
	return nil
}
