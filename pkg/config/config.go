package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/workoutstream/pkg/redisstream"
)

const (
	CacheBackendMemory = "memory"
	CacheBackendSQLite = "sqlite"
	CacheBackendRedis  = "redis"
)

// Config is the workoutstream configuration file.
type Config struct {
	Addr     string               `yaml:"addr"`
	Redis    redisstream.Settings `yaml:"redis"`
	Cache    CacheSettings        `yaml:"cache"`
	Bindings BindingSettings      `yaml:"bindings"`
}

type CacheSettings struct {
	Backend       string        `yaml:"backend"`
	SQLitePath    string        `yaml:"sqlite-path"`
	RedisPrefix   string        `yaml:"redis-prefix"`
	TTL           time.Duration `yaml:"ttl"`
	EvictInterval time.Duration `yaml:"evict-interval"`
	MaxEntries    int           `yaml:"max-entries"`
}

// BindingSettings controls release of bindings nobody holds.
type BindingSettings struct {
	IdleTimeout   time.Duration `yaml:"idle-timeout"`
	EvictInterval time.Duration `yaml:"evict-interval"`
}

func Default() *Config {
	return &Config{
		Addr:     ":8080",
		Redis:    redisstream.DefaultSettings(),
		Cache: CacheSettings{
			Backend:       CacheBackendMemory,
			SQLitePath:    "workoutstream.db",
			RedisPrefix:   "workout:chunks:",
			TTL:           time.Hour,
			EvictInterval: time.Minute,
			MaxEntries:    10000,
		},
		Bindings: BindingSettings{
			IdleTimeout:   15 * time.Minute,
			EvictInterval: time.Minute,
		},
	}
}

// Load reads path on top of the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %s", path)
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Addr = strings.TrimSpace(c.Addr)
	c.Cache.Backend = strings.ToLower(strings.TrimSpace(c.Cache.Backend))
	if c.Cache.Backend == "" {
		c.Cache.Backend = CacheBackendMemory
	}
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	switch c.Cache.Backend {
	case CacheBackendMemory:
	case CacheBackendSQLite:
		if strings.TrimSpace(c.Cache.SQLitePath) == "" {
			return errors.New("cache.sqlite-path is required for the sqlite backend")
		}
	case CacheBackendRedis:
		if !c.Redis.Enabled {
			return errors.New("cache backend redis requires redis.enabled")
		}
	default:
		return errors.Errorf("unknown cache backend %q", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 || c.Cache.EvictInterval < 0 || c.Cache.MaxEntries < 0 {
		return errors.New("cache ttl, evict-interval and max-entries must not be negative")
	}
	if c.Bindings.IdleTimeout < 0 || c.Bindings.EvictInterval < 0 {
		return errors.New("bindings idle-timeout and evict-interval must not be negative")
	}
	return c.Redis.Validate()
}
