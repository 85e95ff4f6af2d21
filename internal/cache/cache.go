// Package cache keeps resolved user device classes in Redis.
package cache

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"workstats/internal/devices"
)

const keyPrefix = "workstats:device:"

// DeviceCache maps user ids to device classes with a fixed TTL.
type DeviceCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewDeviceCache connects to redisURL, which is either a redis:// URL or a
// bare host:port, and pings it.
func NewDeviceCache(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (*DeviceCache, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}

	var opts *redis.Options
	if strings.Contains(redisURL, "://") {
		parsed, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: redisURL}
	}
	opts.DialTimeout = 2 * time.Second
	opts.ReadTimeout = time.Second
	opts.WriteTimeout = time.Second

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Device cache connected", slog.String("addr", opts.Addr), slog.Duration("ttl", ttl))
	return &DeviceCache{client: client, ttl: ttl, logger: logger}, nil
}

// GetMany returns the cached classes for the given users. Misses and
// unknown stored values are absent from the result.
func (c *DeviceCache) GetMany(ctx context.Context, userIDs []string) (map[string]devices.Class, error) {
	result := make(map[string]devices.Class, len(userIDs))
	if len(userIDs) == 0 {
		return result, nil
	}

	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = keyPrefix + id
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("device cache mget: %w", err)
	}

	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if class := devices.Class(s); class.Valid() {
			result[userIDs[i]] = class
		}
	}
	return result, nil
}

// SetMany stores classes in one pipeline.
func (c *DeviceCache) SetMany(ctx context.Context, classes map[string]devices.Class) error {
	if len(classes) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for id, class := range classes {
		pipe.Set(ctx, keyPrefix+id, string(class), c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("device cache set: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *DeviceCache) Close() error {
	return c.client.Close()
}
