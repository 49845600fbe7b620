package cmds

import (
	"strings"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	appconfig "github.com/go-go-golems/glazed/pkg/config"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/workoutstream/pkg/config"
	"github.com/go-go-golems/workoutstream/pkg/redisstream"
)

// AppName names the config directory and prefixes environment variables
// (WORKOUTSTREAM_REDIS_ADDR, ...).
const AppName = "workoutstream"

func getMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv(strings.ToUpper(AppName),
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

// BuildCobraCommand wires c into cobra with flag, env and default sources.
func BuildCobraCommand(c cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommand(c, cli.WithCobraMiddlewaresFunc(getMiddlewares))
}

// configOverrides are the command-line settings layered over the config file.
// Empty strings keep the file's value.
type configOverrides struct {
	Path         string
	Addr         string
	CacheBackend string
	SQLitePath   string
	Redis        redisstream.Settings
}

// resolveConfig loads the config file and applies the overrides. Without an
// explicit path, the application's config directory is searched. An enabled
// redis section replaces the file's redis block.
func resolveConfig(o configOverrides) (*config.Config, error) {
	path := o.Path
	if path == "" {
		if p, err := appconfig.ResolveAppConfigPath(AppName, ""); err == nil {
			path = p
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if o.Redis.Enabled {
		cfg.Redis = o.Redis
	}
	if o.Addr != "" {
		cfg.Addr = o.Addr
	}
	if o.CacheBackend != "" {
		cfg.Cache.Backend = strings.ToLower(o.CacheBackend)
	}
	if o.SQLitePath != "" {
		cfg.Cache.SQLitePath = o.SQLitePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}
	return cfg, nil
}

func decodeRedis(parsedLayers *values.Values) (redisstream.Settings, error) {
	s := redisstream.Settings{}
	if err := parsedLayers.DecodeSectionInto(redisstream.SectionSlug, &s); err != nil {
		return s, errors.Wrap(err, "init redis settings")
	}
	return s, nil
}
