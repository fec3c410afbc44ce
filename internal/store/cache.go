package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/docgen/internal/agent/config"
	"github.com/mohammad-safakhou/docgen/internal/agent/core"
)

// RedisCache caches retrieval results keyed by the exact query string.
// Every backend failure degrades to a cache miss so a dead Redis never
// breaks a run.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

// NewRedisCache connects to Redis and verifies the connection.
func NewRedisCache(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: log.New(log.Writer(), "[CACHE] ", log.LstdFlags),
	}, nil
}

func cacheKey(query string) string {
	sum := sha256.Sum256([]byte(query))
	return "docgen:snippets:" + hex.EncodeToString(sum[:])
}

// Get returns the cached snippets for query, or a miss.
func (c *RedisCache) Get(ctx context.Context, query string) ([]core.Snippet, bool) {
	data, err := c.client.Get(ctx, cacheKey(query)).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		c.logger.Printf("cache get failed: %v", err)
		return nil, false
	}
	var snippets []core.Snippet
	if err := json.Unmarshal(data, &snippets); err != nil {
		c.logger.Printf("cache entry corrupt, ignoring: %v", err)
		return nil, false
	}
	return snippets, true
}

// Set stores snippets for query with the configured TTL.
func (c *RedisCache) Set(ctx context.Context, query string, snippets []core.Snippet) {
	data, err := json.Marshal(snippets)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKey(query), data, c.ttl).Err(); err != nil {
		c.logger.Printf("cache set failed: %v", err)
	}
}

// Close releases the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
