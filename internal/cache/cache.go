// Package cache provides the shared key/value cache used for intent slot
// state, WhatsApp conversation contexts and memoised lookups. Backends are
// an in-process TTL map, Redis, or a disabled no-op.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/seenimoa/zchatbot/internal/config"
)

// Backend type names as configured in cache.type / CACHE_TYPE.
const (
	TypeMemory   = "MEMORY"
	TypeRedis    = "REDIS"
	TypeDisabled = "DISABLED"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache: miss")

// Cache is the common interface of all backends. A zero ttl means the
// backend default.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Type() string
	Close() error
}

// GetJSON loads key and unmarshals it into v.
func GetJSON(ctx context.Context, c Cache, key string, v any) error {
	data, err := c.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("cache: decode %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals v and stores it under key.
func SetJSON(ctx context.Context, c Cache, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache: encode %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// New builds the backend selected by cfg. Redis connection failures fall
// back to the in-memory backend, matching how the bot behaves without Redis.
func New(ctx context.Context, cfg config.CacheConfig, logger *zap.Logger) Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	ttl := time.Duration(cfg.TTLSec) * time.Second

	if !cfg.Enabled {
		return Disabled{}
	}

	if strings.EqualFold(cfg.Type, TypeRedis) {
		r, err := NewRedis(ctx, cfg.RedisURL, ttl)
		if err == nil {
			logger.Info("cache connected", zap.String("type", TypeRedis))
			return r
		}
		logger.Warn("redis unavailable, using memory cache", zap.Error(err))
	}
	return NewMemory(ttl)
}

// ForState returns c unless it is disabled, in which case an in-memory
// cache is returned. Conversation and slot state must survive between
// turns even when response caching is turned off.
func ForState(c Cache, ttl time.Duration) Cache {
	if c == nil || c.Type() == TypeDisabled {
		return NewMemory(ttl)
	}
	return c
}

// Disabled is a cache that stores nothing.
type Disabled struct{}

func (Disabled) Get(context.Context, string) ([]byte, error) { return nil, ErrMiss }
func (Disabled) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Disabled) Delete(context.Context, string) error { return nil }
func (Disabled) Clear(context.Context) error { return nil }
func (Disabled) Type() string { return TypeDisabled }
func (Disabled) Close() error { return nil }
