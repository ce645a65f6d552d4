package glconfig

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-posting/internal/accounting/events"
)

const cachePrefix = "glconfig:v1"

// CachedResolver is a Redis read-through cache in front of another Resolver.
// Only hits are cached; a missing configuration is looked up again on every
// call so fixing it takes effect on the next retry.
type CachedResolver struct {
	next   Resolver
	client redis.UniversalClient
	ttl    time.Duration
	group  singleflight.Group
	logger *slog.Logger
}

// NewCachedResolver wraps next. A non-positive ttl defaults to five minutes.
func NewCachedResolver(next Resolver, client redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedResolver {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedResolver{next: next, client: client, ttl: ttl, logger: logger}
}

func cacheKey(code events.Code, companyID int64, branchID *int64) string {
	branch := "-"
	if branchID != nil {
		branch = fmt.Sprint(*branchID)
	}
	return fmt.Sprintf("%s:%d:%s:%s", cachePrefix, companyID, branch, code)
}

// Resolve implements Resolver.
func (c *CachedResolver) Resolve(ctx context.Context, code events.Code, companyID int64, branchID *int64) (Configuration, error) {
	key := cacheKey(code, companyID, branchID)
	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var cfg Configuration
		if jsonErr := json.Unmarshal(raw, &cfg); jsonErr == nil {
			return cfg, nil
		}
		c.logger.Warn("glconfig cache entry unreadable", slog.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("glconfig cache read failed", slog.String("key", key), slog.Any("error", err))
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		cfg, err := c.next.Resolve(ctx, code, companyID, branchID)
		if err != nil {
			return Configuration{}, err
		}
		if data, err := json.Marshal(cfg); err == nil {
			if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
				c.logger.Warn("glconfig cache write failed", slog.String("key", key), slog.Any("error", err))
			}
		}
		return cfg, nil
	})
	if err != nil {
		return Configuration{}, err
	}
	return v.(Configuration), nil
}

// Invalidate drops every cached configuration of a company.
func (c *CachedResolver) Invalidate(ctx context.Context, companyID int64) error {
	iter := c.client.Scan(ctx, 0, fmt.Sprintf("%s:%d:*", cachePrefix, companyID), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("glconfig: scan cache: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("glconfig: invalidate cache: %w", err)
	}
	return nil
}
