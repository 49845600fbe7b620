package chunkstream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (c *MemoryCache) SetEvictionConfig(ttl, interval time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.ttl = ttl
	c.evictInterval = interval
	c.mu.Unlock()
}

// StartEvictionLoop expires entries not written for the configured ttl.
// It is a no-op when ttl or interval is not positive, or when already running.
func (c *MemoryCache) StartEvictionLoop(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		panic("chunkstream: StartEvictionLoop requires non-nil ctx")
	}
	c.mu.Lock()
	if c.evictRunning || c.ttl <= 0 || c.evictInterval <= 0 {
		c.mu.Unlock()
		return
	}
	c.evictRunning = true
	interval := c.evictInterval
	c.mu.Unlock()

	go c.runEvictionLoop(ctx, interval)
}

func (c *MemoryCache) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.evictRunning = false
			c.mu.Unlock()
			return
		case now := <-ticker.C:
			if n := c.EvictExpiredOnce(now); n > 0 {
				log.Debug().Str("component", "chunkstream").Int("evicted", n).Msg("memory cache: expired entries")
			}
		}
	}
}

// EvictExpiredOnce removes entries whose last write is older than ttl.
func (c *MemoryCache) EvictExpiredOnce(now time.Time) int {
	if c == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ttl <= 0 {
		return 0
	}
	evicted := 0
	for k, e := range c.entries {
		if now.Sub(e.updatedAt) >= c.ttl {
			delete(c.entries, k)
			evicted++
		}
	}
	return evicted
}

func (s *SQLiteCache) SetEvictionConfig(ttl, interval time.Duration) {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.ttl = ttl
	s.evictInterval = interval
	s.mu.Unlock()
}

// StartEvictionLoop prunes sequences not written for the configured ttl.
// It is a no-op when ttl or interval is not positive, or when already running.
func (s *SQLiteCache) StartEvictionLoop(ctx context.Context) {
	if s == nil {
		return
	}
	if ctx == nil {
		panic("chunkstream: StartEvictionLoop requires non-nil ctx")
	}
	s.mu.Lock()
	if s.evictRunning || s.ttl <= 0 || s.evictInterval <= 0 {
		s.mu.Unlock()
		return
	}
	s.evictRunning = true
	interval := s.evictInterval
	s.mu.Unlock()

	go s.runEvictionLoop(ctx, interval)
}

func (s *SQLiteCache) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.evictRunning = false
			s.mu.Unlock()
			return
		case now := <-ticker.C:
			n, err := s.EvictExpiredOnce(ctx, now)
			if err != nil {
				log.Warn().Err(err).Str("component", "chunkstream").Msg("sqlite cache: prune failed")
				continue
			}
			if n > 0 {
				log.Debug().Str("component", "chunkstream").Int64("evicted", n).Msg("sqlite cache: expired entries")
			}
		}
	}
}

// EvictExpiredOnce deletes sequences whose last write is older than ttl.
func (s *SQLiteCache) EvictExpiredOnce(ctx context.Context, now time.Time) (int64, error) {
	if s == nil {
		return 0, nil
	}
	if now.IsZero() {
		now = time.Now()
	}
	s.mu.Lock()
	ttl := s.ttl
	s.mu.Unlock()
	if ttl <= 0 {
		return 0, nil
	}
	return s.DeleteOlderThan(ctx, now.Add(-ttl))
}
