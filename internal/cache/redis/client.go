package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/line-relay/backend/internal/metrics"
	"github.com/line-relay/backend/pkg/logger"
)

const keyPrefix = "line-relay:"

type Client struct {
	client *redis.Client
}

func NewClient(host string, port int, password string, db int) (*Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := client.Ping(ctx).Result(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized", zap.String("addr", fmt.Sprintf("%s:%d", host, port)))

	return &Client{client: client}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// SetSearch caches a search result under the given hash.
func (c *Client) SetSearch(ctx context.Context, queryHash string, result interface{}, ttl time.Duration) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal search result: %w", err)
	}

	if err := c.client.Set(ctx, keyPrefix+"search:"+queryHash, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set search cache: %w", err)
	}

	logger.Debug("Search result cached", zap.String("query_hash", queryHash), zap.Duration("ttl", ttl))
	return nil
}

// GetSearch decodes a cached search result into dest and reports whether it was found.
func (c *Client) GetSearch(ctx context.Context, queryHash string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+"search:"+queryHash).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheMisses.WithLabelValues("search").Inc()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get search cache: %w", err)
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal search result: %w", err)
	}

	metrics.CacheHits.WithLabelValues("search").Inc()
	logger.Debug("Search cache hit", zap.String("query_hash", queryHash))
	return true, nil
}

// IncrementCounter bumps a daily counter, e.g. escalations per day, kept for a week.
func (c *Client) IncrementCounter(ctx context.Context, name string, day time.Time) (int64, error) {
	key := fmt.Sprintf("%scounter:%s:%s", keyPrefix, name, day.Format("2006-01-02"))

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, 7*24*time.Hour)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to increment counter: %w", err)
	}
	return incr.Val(), nil
}

func (c *Client) GetCounter(ctx context.Context, name string, day time.Time) (int64, error) {
	key := fmt.Sprintf("%scounter:%s:%s", keyPrefix, name, day.Format("2006-01-02"))

	val, err := c.client.Get(ctx, key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get counter: %w", err)
	}
	return val, nil
}
