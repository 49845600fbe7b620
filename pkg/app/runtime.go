package app

import (
	"context"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/workoutstream/pkg/chunkstream"
	"github.com/go-go-golems/workoutstream/pkg/config"
	"github.com/go-go-golems/workoutstream/pkg/streamtransport"
)

// Runtime is the wired stream stack for one application session.
type Runtime struct {
	Config      *config.Config
	Backend     streamtransport.Backend
	Cache       chunkstream.Cache
	Accumulator *chunkstream.Accumulator
	Provider    *streamtransport.Provider
	Manager     *chunkstream.Manager
	Publisher   *streamtransport.Publisher

	memCache    *chunkstream.MemoryCache
	sqliteCache *chunkstream.SQLiteCache
	closeCache  func() error
}

// New builds the runtime. baseCtx bounds every subscription it creates.
func New(baseCtx context.Context, cfg *config.Config, logger zerolog.Logger) (*Runtime, error) {
	if baseCtx == nil {
		return nil, errors.New("ctx is nil")
	}
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	backend, err := streamtransport.NewBackend(baseCtx, cfg.Redis, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build stream backend")
	}
	rt := &Runtime{Config: cfg, Backend: backend}

	if err := rt.buildCache(); err != nil {
		_ = backend.Close()
		return nil, err
	}

	rt.Accumulator, err = chunkstream.NewAccumulator(rt.Cache)
	if err != nil {
		_ = rt.Close(baseCtx)
		return nil, err
	}
	rt.Provider, err = streamtransport.NewProvider(baseCtx, backend.SubscriberFactory())
	if err != nil {
		_ = rt.Close(baseCtx)
		return nil, err
	}
	rt.Manager, err = chunkstream.NewManager(rt.Provider, rt.Accumulator)
	if err != nil {
		_ = rt.Close(baseCtx)
		return nil, err
	}
	rt.Manager.SetEvictionConfig(cfg.Bindings.IdleTimeout, cfg.Bindings.EvictInterval)
	rt.Publisher, err = streamtransport.NewPublisher(backend.Publisher())
	if err != nil {
		_ = rt.Close(baseCtx)
		return nil, err
	}
	return rt, nil
}

func (rt *Runtime) buildCache() error {
	cs := rt.Config.Cache
	switch cs.Backend {
	case config.CacheBackendSQLite:
		dsn, err := chunkstream.SQLiteCacheDSNForFile(cs.SQLitePath)
		if err != nil {
			return err
		}
		c, err := chunkstream.NewSQLiteCache(dsn)
		if err != nil {
			return errors.Wrap(err, "open sqlite cache")
		}
		c.SetEvictionConfig(cs.TTL, cs.EvictInterval)
		rt.Cache = c
		rt.sqliteCache = c
		rt.closeCache = c.Close
	case config.CacheBackendRedis:
		client := rt.Backend.RedisClient()
		if client == nil {
			return errors.New("redis cache requires the redis transport")
		}
		c, err := chunkstream.NewRedisCache(client, cs.RedisPrefix, cs.TTL)
		if err != nil {
			return err
		}
		rt.Cache = c
	default:
		c := chunkstream.NewMemoryCache(cs.MaxEntries)
		c.SetEvictionConfig(cs.TTL, cs.EvictInterval)
		rt.Cache = c
		rt.memCache = c
	}
	log.Info().Str("component", "app").Str("cache", cs.Backend).Bool("redis", rt.Config.Redis.Enabled).Msg("stream runtime configured")
	return nil
}

// StartBackground starts the eviction loops; they stop with ctx.
func (rt *Runtime) StartBackground(ctx context.Context) {
	if rt == nil {
		return
	}
	if rt.Manager != nil {
		rt.Manager.StartEvictionLoop(ctx)
	}
	if rt.memCache != nil {
		rt.memCache.StartEvictionLoop(ctx)
	}
	if rt.sqliteCache != nil {
		rt.sqliteCache.StartEvictionLoop(ctx)
	}
}

// Close releases all bindings, then the transport and cache.
func (rt *Runtime) Close(ctx context.Context) error {
	if rt == nil {
		return nil
	}
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}
	if rt.Manager != nil {
		keep(rt.Manager.Close(ctx))
	}
	if rt.Provider != nil {
		keep(rt.Provider.Close(ctx))
	}
	if rt.closeCache != nil {
		keep(rt.closeCache())
	}
	if rt.Backend != nil {
		keep(rt.Backend.Close())
	}
	return first
}
