// Package cache keeps location query results in Redis
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/smukkama/devicemap/internal/logger"
	"github.com/smukkama/devicemap/internal/models"
	"github.com/smukkama/devicemap/internal/pipeline"
)

// LocationsKey is the Redis key of one query's result
func LocationsKey(q models.LocationQuery) string {
	return "locations:" + q.Key()
}

// DeviceIndexKey is the set of result keys cached for a device
func DeviceIndexKey(deviceID int64) string {
	return fmt.Sprintf("locations_index:%d", deviceID)
}

// GenerationKey counts invalidations of a device. A result read from the
// source is only cached if the count did not move while it was being read.
func GenerationKey(deviceID int64) string {
	return fmt.Sprintf("locations_gen:%d", deviceID)
}

var errStale = errors.New("device invalidated during read")

// CachedSource is a read-through cache in front of another location source.
// Redis failures degrade to the wrapped source and are only logged.
type CachedSource struct {
	redis  *redis.Client
	source pipeline.LocationSource
	ttl    time.Duration
	log    zerolog.Logger
}

// NewCachedSource wraps source, keeping results for ttl
func NewCachedSource(client *redis.Client, source pipeline.LocationSource, ttl time.Duration) *CachedSource {
	return &CachedSource{
		redis:  client,
		source: source,
		ttl:    ttl,
		log:    logger.WithComponent("cache"),
	}
}

// Locations answers from Redis when it can and fills the cache otherwise
func (c *CachedSource) Locations(ctx context.Context, q models.LocationQuery) ([]models.Location, error) {
	key := LocationsKey(q)

	data, err := c.redis.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var locations []models.Location
		if err := json.Unmarshal(data, &locations); err == nil {
			return locations, nil
		}
		c.log.Warn().Str("key", key).Msg("dropping unreadable cache entry")
	case !errors.Is(err, redis.Nil):
		c.log.Warn().Err(err).Str("key", key).Msg("cache read failed")
	}

	gen, genErr := c.generation(ctx, c.redis, q.DeviceID)

	locations, err := c.source.Locations(ctx, q)
	if err != nil {
		return nil, err
	}

	if genErr != nil {
		c.log.Warn().Err(genErr).Str("key", key).Msg("cache generation unreadable, not caching")
		return locations, nil
	}
	switch err := c.store(ctx, q.DeviceID, gen, key, locations); {
	case errors.Is(err, errStale), errors.Is(err, redis.TxFailedErr):
		c.log.Debug().Str("key", key).Msg("skipping stale result")
	case err != nil:
		c.log.Warn().Err(err).Str("key", key).Msg("cache write failed")
	}
	return locations, nil
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (c *CachedSource) generation(ctx context.Context, r getter, deviceID int64) (int64, error) {
	gen, err := r.Get(ctx, GenerationKey(deviceID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// store caches locations unless the device was invalidated since gen was read
func (c *CachedSource) store(ctx context.Context, deviceID, gen int64, key string, locations []models.Location) error {
	data, err := json.Marshal(locations)
	if err != nil {
		return fmt.Errorf("failed to marshal locations: %w", err)
	}

	genKey := GenerationKey(deviceID)
	index := DeviceIndexKey(deviceID)
	return c.redis.Watch(ctx, func(tx *redis.Tx) error {
		current, err := c.generation(ctx, tx, deviceID)
		if err != nil {
			return fmt.Errorf("failed to read cache generation: %w", err)
		}
		if current != gen {
			return errStale
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, c.ttl)
			pipe.SAdd(ctx, index, key)
			pipe.Expire(ctx, index, c.ttl)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to store locations in Redis: %w", err)
		}
		return nil
	}, genKey)
}

// InvalidateDevice drops every cached query of a device and bumps its
// generation so reads already in flight are not cached
func (c *CachedSource) InvalidateDevice(ctx context.Context, deviceID int64) error {
	if err := c.redis.Incr(ctx, GenerationKey(deviceID)).Err(); err != nil {
		return fmt.Errorf("failed to bump cache generation: %w", err)
	}

	index := DeviceIndexKey(deviceID)

	keys, err := c.redis.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("failed to read cache index: %w", err)
	}

	keys = append(keys, index)
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete cache entries: %w", err)
	}

	c.log.Debug().Int64("device_id", deviceID).Int("entries", len(keys)-1).Msg("invalidated device")
	return nil
}

// Connect opens a Redis client and checks it answers
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
