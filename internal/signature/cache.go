package signature

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	cache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"

	"lookup/internal/directory/models"
	"lookup/pkg/platform/circuit"
)

// KeyCache stores PEM public keys by federation id.
type KeyCache interface {
	Get(ctx context.Context, identity models.FederationID) (string, bool, error)
	Set(ctx context.Context, identity models.FederationID, pemKey string) error
	Delete(ctx context.Context, identity models.FederationID) error
}

// MemoryKeyCache is a process local KeyCache backed by go-cache.
type MemoryKeyCache struct {
	c *cache.Cache
}

// NewMemoryKeyCache creates a cache whose entries expire after ttl.
func NewMemoryKeyCache(ttl time.Duration) *MemoryKeyCache {
	return &MemoryKeyCache{c: cache.New(ttl, 2*ttl)}
}

func (m *MemoryKeyCache) Get(_ context.Context, identity models.FederationID) (string, bool, error) {
	obj, ok := m.c.Get(string(identity))
	if !ok {
		return "", false, nil
	}
	return obj.(string), true, nil
}

func (m *MemoryKeyCache) Set(_ context.Context, identity models.FederationID, pemKey string) error {
	m.c.Set(string(identity), pemKey, cache.DefaultExpiration)
	return nil
}

func (m *MemoryKeyCache) Delete(_ context.Context, identity models.FederationID) error {
	m.c.Delete(string(identity))
	return nil
}

// RedisKeyCache shares fetched keys between instances through Redis.
type RedisKeyCache struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisKeyCache creates a Redis backed cache whose entries expire after ttl.
func NewRedisKeyCache(client redis.Cmdable, ttl time.Duration) *RedisKeyCache {
	return &RedisKeyCache{client: client, ttl: ttl, prefix: "lookup:pubkey:"}
}

func (r *RedisKeyCache) Get(ctx context.Context, identity models.FederationID) (string, bool, error) {
	val, err := r.client.Get(ctx, r.prefix+string(identity)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached key: %w", err)
	}
	return val, true, nil
}

func (r *RedisKeyCache) Set(ctx context.Context, identity models.FederationID, pemKey string) error {
	if err := r.client.Set(ctx, r.prefix+string(identity), pemKey, r.ttl).Err(); err != nil {
		return fmt.Errorf("cache key: %w", err)
	}
	return nil
}

func (r *RedisKeyCache) Delete(ctx context.Context, identity models.FederationID) error {
	if err := r.client.Del(ctx, r.prefix+string(identity)).Err(); err != nil {
		return fmt.Errorf("evict cached key: %w", err)
	}
	return nil
}

// FallbackKeyCache prefers a shared primary cache and switches to a local
// fallback while the primary keeps failing. The fallback receives every write
// so it is warm when the circuit opens.
type FallbackKeyCache struct {
	primary  KeyCache
	fallback KeyCache
	breaker  *circuit.Breaker
	logger   *slog.Logger
}

// NewFallbackKeyCache wraps primary with fallback guarded by breaker.
func NewFallbackKeyCache(primary, fallback KeyCache, breaker *circuit.Breaker, logger *slog.Logger) *FallbackKeyCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &FallbackKeyCache{primary: primary, fallback: fallback, breaker: breaker, logger: logger}
}

func (f *FallbackKeyCache) Get(ctx context.Context, identity models.FederationID) (string, bool, error) {
	pemKey, ok, err := f.primary.Get(ctx, identity)
	if err != nil {
		f.recordFailure(ctx, err)
		return f.fallback.Get(ctx, identity)
	}
	if !f.recordSuccess(ctx) {
		return f.fallback.Get(ctx, identity)
	}
	return pemKey, ok, nil
}

func (f *FallbackKeyCache) Set(ctx context.Context, identity models.FederationID, pemKey string) error {
	if err := f.fallback.Set(ctx, identity, pemKey); err != nil {
		return err
	}
	if err := f.primary.Set(ctx, identity, pemKey); err != nil {
		f.recordFailure(ctx, err)
		return nil
	}
	f.recordSuccess(ctx)
	return nil
}

func (f *FallbackKeyCache) Delete(ctx context.Context, identity models.FederationID) error {
	if err := f.fallback.Delete(ctx, identity); err != nil {
		return err
	}
	if err := f.primary.Delete(ctx, identity); err != nil {
		f.recordFailure(ctx, err)
		return nil
	}
	f.recordSuccess(ctx)
	return nil
}

func (f *FallbackKeyCache) recordFailure(ctx context.Context, err error) {
	_, change := f.breaker.RecordFailure()
	if change.Opened {
		f.logger.WarnContext(ctx, "key cache circuit opened, using local fallback",
			"breaker", f.breaker.Name(),
			"error", err,
		)
	}
}

func (f *FallbackKeyCache) recordSuccess(ctx context.Context) bool {
	usePrimary, change := f.breaker.RecordSuccess()
	if change.Closed {
		f.logger.InfoContext(ctx, "key cache circuit closed", "breaker", f.breaker.Name())
	}
	return usePrimary
}
