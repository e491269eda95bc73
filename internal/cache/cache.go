package cache

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/c-pro/geche"
	"golang.org/x/sync/singleflight"
)

const (
	KeyUsers         = "chat/users"
	KeyChats         = "chat/chats"
	KeyAiChats       = "ai-tutor/chats"
	KeyNotifications = "notifications"

	AiHistoryPrefix = "ai-tutor/history/"
)

// AiHistoryKey is the cache key of one tutor session history.
func AiHistoryKey(id int64) string {
	return AiHistoryPrefix + strconv.FormatInt(id, 10)
}

// QueryCache keeps the last successful result of each query by key.
// It is injected into every manager that fetches server state, so all
// of them share one view and one invalidation point.
type QueryCache struct {
	entries geche.Geche[string, any]
	group   singleflight.Group

	// versions counts invalidations per key. A fetch stores its result only
	// if the key was not invalidated while it was in flight.
	mu       sync.Mutex
	versions map[string]uint64
}

func New(ctx context.Context, ttl time.Duration) *QueryCache {
	return &QueryCache{
		entries:  geche.NewMapTTLCache[string, any](ctx, ttl, time.Minute),
		versions: make(map[string]uint64),
	}
}

// Fetch runs fn and stores its result under key. Concurrent fetches of the
// same key share one call. On error the previously cached value is left
// untouched. A result that arrives after key was invalidated is returned to
// the caller but not stored.
func (c *QueryCache) Fetch(ctx context.Context, key string, fn func(ctx context.Context) (any, error)) (any, error) {
	v, err, _ := c.group.Do(key, func() (any, error) {
		version := c.version(key)
		v, err := fn(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.versions[key] != version {
			return v, nil
		}
		c.entries.Set(key, v)
		return v, nil
	})
	return v, err
}

// version registers key so InvalidatePrefix can reach it before its first
// result is stored.
func (c *QueryCache) version(key string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.versions[key]
	if !ok {
		c.versions[key] = 0
	}
	return v
}

func (c *QueryCache) Get(key string) (any, bool) {
	v, err := c.entries.Get(key)
	if err != nil {
		return nil, false
	}
	return v, true
}

func (c *QueryCache) Set(key string, v any) {
	c.entries.Set(key, v)
}

// Invalidate drops the cached value of key. A fetch already in flight for
// key is detached and its result is not stored, so the next Fetch goes to
// the server again.
func (c *QueryCache) Invalidate(key string) {
	c.mu.Lock()
	c.versions[key]++
	c.group.Forget(key)
	// Missing keys are fine.
	_ = c.entries.Del(key)
	c.mu.Unlock()
}

// InvalidatePrefix drops every entry whose key starts with prefix,
// including keys that are only being fetched.
func (c *QueryCache) InvalidatePrefix(prefix string) {
	keys := make(map[string]struct{})
	for key := range c.entries.Snapshot() {
		keys[key] = struct{}{}
	}
	c.mu.Lock()
	for key := range c.versions {
		keys[key] = struct{}{}
	}
	c.mu.Unlock()

	for key := range keys {
		if strings.HasPrefix(key, prefix) {
			c.Invalidate(key)
		}
	}
}

// Lookup is a typed Get.
func Lookup[T any](c *QueryCache, key string) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	if !ok {
		return zero, false
	}
	return t, true
}

// FetchAs is a typed Fetch.
func FetchAs[T any](ctx context.Context, c *QueryCache, key string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := c.Fetch(ctx, key, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, errors.New("cache: unexpected value type for " + key)
	}
	return t, nil
}
