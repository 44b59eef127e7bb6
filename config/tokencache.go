package config

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// TokenCache is a keyed cache with per-entry TTL used for bearer tokens.
// Entries are never returned past their TTL.
type TokenCache interface {
	Get(key string) (string, bool)
	Set(key, token string, ttl time.Duration)
}

const (
	tokenKeyPrefix = "argus:token:"
	// maxCachedTokens bounds the in-memory cache; one entry per client
	// identity, so the bound is generous.
	maxCachedTokens = 1024
	redisOpTimeout  = 2 * time.Second
)

// MemoryTokenCache is an in-process token cache backed by an expirable LRU.
type MemoryTokenCache struct {
	lru *expirable.LRU[string, string]
}

// NewMemoryTokenCache creates a memory token cache. Per-entry TTLs shorter
// than the LRU's own TTL are enforced by storing the expiry with the value.
func NewMemoryTokenCache() *MemoryTokenCache {
	// LRU TTL of 0 disables the cache-wide expiry; entries carry their own.
	return &MemoryTokenCache{
		lru: expirable.NewLRU[string, string](maxCachedTokens, nil, 0),
	}
}

// entrySep joins expiry and token in the LRU value. Tokens are base64/JWT
// material and never contain a newline.
const entrySep = "\n"

func (m *MemoryTokenCache) Get(key string) (string, bool) {
	raw, ok := m.lru.Get(key)
	if !ok {
		return "", false
	}
	expiresStr, token, found := strings.Cut(raw, entrySep)
	if !found {
		return "", false
	}
	expires, err := time.Parse(time.RFC3339Nano, expiresStr)
	if err != nil || time.Now().After(expires) {
		m.lru.Remove(key)
		return "", false
	}
	return token, true
}

func (m *MemoryTokenCache) Set(key, token string, ttl time.Duration) {
	expires := time.Now().Add(ttl).Format(time.RFC3339Nano)
	m.lru.Add(key, expires+entrySep+token)
}

// RedisTokenCache stores tokens in redis with SETEX-style expiry so multiple
// core instances share one token per client identity.
type RedisTokenCache struct {
	client *redis.Client
	logger *zap.SugaredLogger
}

// NewRedisTokenCache creates a redis-backed token cache.
func NewRedisTokenCache(client *redis.Client, logger *zap.SugaredLogger) *RedisTokenCache {
	return &RedisTokenCache{client: client, logger: logger}
}

func (r *RedisTokenCache) Get(key string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	token, err := r.client.Get(ctx, tokenKeyPrefix+key).Result()
	if err == redis.Nil {
		return "", false
	}
	if err != nil {
		r.logger.Warnf("Token cache read failed for %s: %v", key, err)
		return "", false
	}
	return token, true
}

func (r *RedisTokenCache) Set(key, token string, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	if err := r.client.Set(ctx, tokenKeyPrefix+key, token, ttl).Err(); err != nil {
		r.logger.Warnf("Token cache write failed for %s: %v", key, err)
	}
}
