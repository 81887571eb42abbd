package search

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"
)

const cacheKeyPrefix = "trendsync:search:"

// Cache stores serialized search results for a limited time.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// ValkeyCache is a Cache backed by a Valkey server.
type ValkeyCache struct {
	client valkey.Client
}

// NewValkeyCache connects to Valkey and verifies the connection with PING.
func NewValkeyCache(ctx context.Context, addr, password string) (*ValkeyCache, error) {
	client, err := valkey.NewClient(valkey.ClientOption{
		InitAddress:      []string{addr},
		Password:         password,
		ConnWriteTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("creating Valkey client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Do(pingCtx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("pinging Valkey at %s: %w", addr, err)
	}
	return &ValkeyCache{client: client}, nil
}

func (c *ValkeyCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.client.Do(ctx, c.client.B().Get().Key(key).Build()).AsBytes()
	if valkey.IsValkeyNil(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *ValkeyCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	seconds := max(int64(ttl/time.Second), 1)
	return c.client.Do(ctx, c.client.B().Set().Key(key).Value(string(value)).ExSeconds(seconds).Build()).Error()
}

// Close releases the connection pool.
func (c *ValkeyCache) Close() { c.client.Close() }

// Searcher runs a search query.
type Searcher interface {
	Search(ctx context.Context, q Query) (*Results, error)
}

// CachedSearcher serves repeated queries from a cache. Cache failures are
// logged and bypassed.
type CachedSearcher struct {
	next  Searcher
	cache Cache
	ttl   time.Duration
}

// NewCachedSearcher wraps next with cache.
func NewCachedSearcher(next Searcher, cache Cache, ttl time.Duration) *CachedSearcher {
	return &CachedSearcher{next: next, cache: cache, ttl: ttl}
}

func (s *CachedSearcher) Search(ctx context.Context, q Query) (*Results, error) {
	key, err := cacheKey(q)
	if err != nil {
		return s.next.Search(ctx, q)
	}

	if b, ok, err := s.cache.Get(ctx, key); err != nil {
		slog.Warn("Search cache read failed", "error", err)
	} else if ok {
		var res Results
		if err := json.Unmarshal(b, &res); err == nil {
			return &res, nil
		}
	}

	res, err := s.next.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	if b, err := json.Marshal(res); err == nil {
		if err := s.cache.Set(ctx, key, b, s.ttl); err != nil {
			slog.Warn("Search cache write failed", "error", err)
		}
	}
	return res, nil
}

func cacheKey(q Query) (string, error) {
	b, err := json.Marshal(q)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return cacheKeyPrefix + hex.EncodeToString(sum[:]), nil
}
