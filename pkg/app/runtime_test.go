package app

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/workoutstream/pkg/chunkstream"
	"github.com/go-go-golems/workoutstream/pkg/config"
)

func TestNew_ValidatesArguments(t *testing.T) {
	_, err := New(nil, config.Default(), zerolog.Nop())
	require.ErrorContains(t, err, "ctx is nil")

	_, err = New(context.Background(), nil, zerolog.Nop())
	require.ErrorContains(t, err, "config is nil")

	cfg := config.Default()
	cfg.Cache.Backend = config.CacheBackendRedis
	_, err = New(context.Background(), cfg, zerolog.Nop())
	require.ErrorContains(t, err, "requires redis.enabled")
}

func TestRuntime_InMemoryEndToEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := New(ctx, config.Default(), zerolog.Nop())
	require.NoError(t, err)
	defer func() { require.NoError(t, rt.Close(context.Background())) }()
	rt.StartBackground(ctx)

	require.NoError(t, rt.Manager.EnsureBinding(ctx, "job-1"))
	require.NoError(t, rt.Publisher.PublishChunk(ctx, "job-1", "warm up"))

	require.Eventually(t, func() bool {
		text, err := rt.Accumulator.Text(ctx, "job-1")
		return err == nil && text == "warm up"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRuntime_SQLiteCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Cache.Backend = config.CacheBackendSQLite
	cfg.Cache.SQLitePath = filepath.Join(t.TempDir(), "chunks.db")

	rt, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	_, ok := rt.Cache.(*chunkstream.SQLiteCache)
	require.True(t, ok)

	require.NoError(t, rt.Accumulator.Append(ctx, "job-1", "a"))
	require.NoError(t, rt.Close(context.Background()))
}

func TestRuntime_SQLiteCachePrunesExpiredJobs(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := config.Default()
	cfg.Cache.Backend = config.CacheBackendSQLite
	cfg.Cache.SQLitePath = filepath.Join(t.TempDir(), "chunks.db")
	cfg.Cache.TTL = time.Millisecond
	cfg.Cache.EvictInterval = 10 * time.Millisecond

	rt, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer func() { _ = rt.Close(context.Background()) }()
	rt.StartBackground(ctx)

	require.NoError(t, rt.Accumulator.Append(ctx, "job-1", "a"))
	require.Eventually(t, func() bool {
		chunks, err := rt.Accumulator.Chunks(ctx, "job-1")
		return err == nil && len(chunks) == 0
	}, 2*time.Second, 10*time.Millisecond)
}
