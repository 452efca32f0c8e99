// Package cache implements llmclient.Cache backed by Redis, with an
// in-memory fallback for local/offline runs where config.Settings.RedisAddr
// is empty. Keys are namespaced under a fixed prefix and hashed with the
// same scheme llmclient itself uses for its cache keys.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const keyPrefix = "procsuite:llmcache:"

// Client wraps a *redis.Client, deferring the actual network dial to
// EnsureConnection so construction never blocks or fails at startup.
type Client struct {
	redis  *redis.Client
	logger *logrus.Logger
	once   sync.Once
	dialed bool
}

// NewClient builds a Client around the given options without connecting.
func NewClient(opts *redis.Options, logger *logrus.Logger) *Client {
	return &Client{redis: redis.NewClient(opts), logger: logger}
}

// EnsureConnection pings Redis, establishing the connection pool on the
// first call; every call sends a fresh PING and returns its error.
func (c *Client) EnsureConnection(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// GetClient returns the underlying *redis.Client for callers that need
// direct access beyond the Cache wrapper.
func (c *Client) GetClient() *redis.Client {
	return c.redis
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	return c.redis.Close()
}

// Cache adapts a Client into llmclient.Cache: Get/Set over string values,
// namespaced so this package can share a Redis instance with unrelated
// consumers without key collisions.
type Cache struct {
	client *Client
	logger *logrus.Logger
}

// NewCache builds a Cache around an already-constructed Client.
func NewCache(client *Client, logger *logrus.Logger) *Cache {
	return &Cache{client: client, logger: logger}
}

// Get returns the cached completion for key, or ok=false on a miss or any
// Redis error — a cache is never allowed to turn into a hard failure for
// its caller.
func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	value, err := c.client.redis.Get(ctx, namespacedKey(key)).Result()
	if err != nil {
		if err != redis.Nil {
			c.logger.WithError(err).Warn("llm cache get failed, treating as miss")
		}
		return "", false
	}
	return value, true
}

// Set stores value under key with the given TTL, logging but swallowing
// any Redis error since a failed cache write must never fail the caller's
// LLM completion.
func (c *Cache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if err := c.client.redis.Set(ctx, namespacedKey(key), value, ttl).Err(); err != nil {
		c.logger.WithError(err).Warn("llm cache set failed")
	}
}

func namespacedKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return keyPrefix + hex.EncodeToString(sum[:])
}

// InMemoryCache is the fallback llmclient.Cache used when
// config.Settings.RedisAddr is empty: a process-local map with no
// eviction beyond per-entry TTL, adequate for local development and
// single-process test runs.
type InMemoryCache struct {
	mu      sync.Mutex
	entries map[string]inMemoryEntry
}

type inMemoryEntry struct {
	value   string
	expires time.Time
}

// NewInMemoryCache builds an empty InMemoryCache.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{entries: make(map[string]inMemoryEntry)}
}

func (c *InMemoryCache) Get(_ context.Context, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok || time.Now().After(entry.expires) {
		delete(c.entries, key)
		return "", false
	}
	return entry.value, true
}

func (c *InMemoryCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = inMemoryEntry{value: value, expires: time.Now().Add(ttl)}
}
