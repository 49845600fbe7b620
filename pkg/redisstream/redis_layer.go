package redisstream

import (
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/pkg/errors"
)

// SectionSlug is the slug of the redis settings section.
const SectionSlug = "redis"

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled" glazed:"redis-enabled" glazed.default:"false" glazed.help:"Enable Redis Streams transport for workout chunks"`
	Addr     string `yaml:"addr" glazed:"redis-addr" glazed.default:"localhost:6379" glazed.help:"Redis address host:port"`
	Password string `yaml:"password" glazed:"redis-password" glazed.help:"Redis password"`
	DB       int    `yaml:"db" glazed:"redis-db" glazed.default:"0" glazed.help:"Redis database number"`
	// Group is the consumer group prefix; each channel gets its own group.
	Group    string `yaml:"group" glazed:"redis-group" glazed.default:"workout-ui" glazed.help:"Redis consumer group prefix"`
	Consumer string `yaml:"consumer" glazed:"redis-consumer" glazed.default:"ui-1" glazed.help:"Redis consumer name prefix"`
}

func DefaultSettings() Settings {
	return Settings{
		Enabled:  false,
		Addr:     "localhost:6379",
		Group:    "workout-ui",
		Consumer: "ui-1",
	}
}

// NewParameterLayer returns a section definition for Redis Streams settings.
func NewParameterLayer() (schema.Section, error) {
	d := DefaultSettings()
	return schema.NewSection(
		SectionSlug,
		"Redis configuration for Watermill Redis Streams",
		schema.WithFields(
			fields.New("redis-enabled", fields.TypeBool, fields.WithDefault(d.Enabled),
				fields.WithHelp("Enable Redis Streams transport (replaces the config file's redis block)")),
			fields.New("redis-addr", fields.TypeString, fields.WithDefault(d.Addr),
				fields.WithHelp("Redis address host:port")),
			fields.New("redis-password", fields.TypeString, fields.WithDefault(""),
				fields.WithHelp("Redis password")),
			fields.New("redis-db", fields.TypeInteger, fields.WithDefault(d.DB),
				fields.WithHelp("Redis database number")),
			fields.New("redis-group", fields.TypeString, fields.WithDefault(d.Group),
				fields.WithHelp("Redis consumer group prefix")),
			fields.New("redis-consumer", fields.TypeString, fields.WithDefault(d.Consumer),
				fields.WithHelp("Redis consumer name prefix")),
		),
	)
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis: group is required when enabled")
	}
	if s.DB < 0 {
		return errors.New("redis: db must be >= 0")
	}
	return nil
}
