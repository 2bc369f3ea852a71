package policy

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"transitwatch/internal/incident"
)

const defaultRedisPrefix = "transitwatch:policy:"

// RedisCache stores each subscriber's policy as one hash.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// NewRedisCache dials addr and pings it once.
func NewRedisCache(ctx context.Context, cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return NewRedisCacheFromClient(client, cfg.Prefix), nil
}

func NewRedisCacheFromClient(client redis.UniversalClient, prefix string) *RedisCache {
	if strings.TrimSpace(prefix) == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) Key(subscriberID string) string { return c.prefix + subscriberID }

func (c *RedisCache) PolicyFields(ctx context.Context, subscriberID string) (map[string]string, error) {
	m, err := c.client.HGetAll(ctx, c.Key(subscriberID)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	return m, nil
}

// PutPolicy replaces the stored policy for subscriberID.
func (c *RedisCache) PutPolicy(ctx context.Context, subscriberID string, p incident.Policy) error {
	key := c.Key(subscriberID)
	fields := p.Fields()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, args...)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis put policy: %w", err)
	}
	return nil
}

func (c *RedisCache) Close() error { return c.client.Close() }
