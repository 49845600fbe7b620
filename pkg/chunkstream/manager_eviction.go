package chunkstream

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

func (m *Manager) SetEvictionConfig(idle, interval time.Duration) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.evictIdle = idle
	m.evictInterval = interval
	m.mu.Unlock()
}

// StartEvictionLoop periodically releases bindings that hold no references
// and have not received a fragment for the configured idle duration.
func (m *Manager) StartEvictionLoop(ctx context.Context) {
	if m == nil {
		return
	}
	if ctx == nil {
		panic("chunkstream: StartEvictionLoop requires non-nil ctx")
	}
	m.mu.Lock()
	if m.evictRunning {
		m.mu.Unlock()
		return
	}
	idle := m.evictIdle
	interval := m.evictInterval
	if idle <= 0 || interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.evictRunning = true
	m.mu.Unlock()

	go m.runEvictionLoop(ctx, interval)
}

func (m *Manager) runEvictionLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			m.evictRunning = false
			m.mu.Unlock()
			return
		case now := <-ticker.C:
			m.EvictIdleOnce(now)
		}
	}
}

func (m *Manager) EvictIdleOnce(now time.Time) int {
	if m == nil {
		return 0
	}
	if now.IsZero() {
		now = time.Now()
	}

	m.mu.Lock()
	idle := m.evictIdle
	if idle <= 0 {
		m.mu.Unlock()
		return 0
	}
	candidates := make([]*binding, 0, len(m.bindings))
	for _, b := range m.bindings {
		if b.refs > 0 || now.Sub(b.lastActivity) < idle {
			continue
		}
		candidates = append(candidates, b)
	}
	m.mu.Unlock()

	evicted := 0
	for _, b := range candidates {
		if !m.isBinding(b) {
			continue
		}
		if err := m.release(context.Background(), b.key, b); err != nil {
			log.Warn().Err(err).Str("component", "chunkstream").Str("job_id", b.key.JobID).Msg("evict idle binding failed")
			continue
		}
		evicted++
	}
	return evicted
}

func (m *Manager) isBinding(b *binding) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.bindings[b.key]
	return ok && cur == b && cur.refs == 0
}
