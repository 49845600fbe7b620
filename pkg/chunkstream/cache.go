package chunkstream

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Cache stores ordered chunk sequences keyed by ChunkCacheKey.
// Get reports false for absent keys; callers treat that as an empty sequence.
type Cache interface {
	Get(ctx context.Context, key string) ([]string, bool, error)
	Set(ctx context.Context, key string, value []string) error
}

// MemoryCache is an in-process Cache with optional expiry and a size bound.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	entries    map[string]*memoryEntry

	ttl           time.Duration
	evictInterval time.Duration
	evictRunning  bool
}

type memoryEntry struct {
	value     []string
	updatedAt time.Time
}

var _ Cache = &MemoryCache{}

// NewMemoryCache creates a cache holding at most maxEntries jobs (0 = unbounded).
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries < 0 {
		maxEntries = 0
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		entries:    map[string]*memoryEntry{},
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]string, bool, error) {
	if c == nil {
		return nil, false, errors.New("memory cache: nil cache")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	return append([]string(nil), e.value...), true, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []string) error {
	if c == nil {
		return errors.New("memory cache: nil cache")
	}
	if key == "" {
		return errors.New("memory cache: key is empty")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &memoryEntry{
		value:     append([]string(nil), value...),
		updatedAt: time.Now(),
	}
	c.enforceLimitLocked(key)
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, key string) error {
	if c == nil {
		return errors.New("memory cache: nil cache")
	}
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// enforceLimitLocked drops the least recently written entries, never keep.
func (c *MemoryCache) enforceLimitLocked(keep string) {
	if c.maxEntries <= 0 || len(c.entries) <= c.maxEntries {
		return
	}
	type pair struct {
		key string
		at  time.Time
	}
	pairs := make([]pair, 0, len(c.entries))
	for k, e := range c.entries {
		if k == keep {
			continue
		}
		pairs = append(pairs, pair{key: k, at: e.updatedAt})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].at.Equal(pairs[j].at) {
			return pairs[i].key < pairs[j].key
		}
		return pairs[i].at.Before(pairs[j].at)
	})
	toDrop := len(c.entries) - c.maxEntries
	for i := 0; i < toDrop && i < len(pairs); i++ {
		delete(c.entries, pairs[i].key)
	}
}
