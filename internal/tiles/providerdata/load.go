package providerdata

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix selects environment overrides, e.g.
// TILES_PROVIDERS__VECTOR__SEEDING__MAX_THREADS=4 sets providers.vector.seeding.max_threads.
const EnvPrefix = "TILES_"

// Config is the tile provider configuration file.
type Config struct {
	// TileMatrixSets are paths of OGC TMS JSON documents added to the built-in sets.
	TileMatrixSets []string                    `koanf:"tile_matrix_sets"`
	Defaults       TileProviderData            `koanf:"defaults"`
	Providers      map[string]TileProviderData `koanf:"providers"`
}

func builtinDefaults() Config {
	return Config{
		Defaults: TileProviderData{
			Kind:    KindFeatures,
			Cache:   CacheConfig{Type: CacheDynamic, Storage: StoragePlain},
			Seeding: SeedingOptions{MaxThreads: 1},
		},
	}
}

// Load reads path (built-in defaults, then the file, then TILES_ environment
// overrides) and applies each override file on top with MergeInto. The defaults
// section is merged into every provider and every provider is validated.
func Load(path string, overridePaths ...string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(builtinDefaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load tile config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}
	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal tile config: %w", err)
	}

	for _, op := range overridePaths {
		ok := koanf.New(".")
		if err := ok.Load(file.Provider(op), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load override %s: %w", op, err)
		}
		var over Config
		if err := ok.Unmarshal("", &over); err != nil {
			return nil, fmt.Errorf("unmarshal override %s: %w", op, err)
		}
		cfg.apply(over)
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envKey(s string) string {
	s = strings.TrimPrefix(s, EnvPrefix)
	return strings.ReplaceAll(strings.ToLower(s), "__", ".")
}

func (c *Config) apply(over Config) {
	c.TileMatrixSets = union(c.TileMatrixSets, over.TileMatrixSets)
	c.Defaults = over.Defaults.MergeInto(c.Defaults)
	if c.Providers == nil {
		c.Providers = map[string]TileProviderData{}
	}
	for id, p := range over.Providers {
		c.Providers[id] = p.MergeInto(c.Providers[id])
	}
}

func (c *Config) finish() error {
	for id, p := range c.Providers {
		p = p.MergeInto(c.Defaults)
		p.ID = id
		if err := p.Validate(); err != nil {
			return fmt.Errorf("tile provider %s: %w", id, err)
		}
		c.Providers[id] = p
	}
	return nil
}

func (c *Config) ProviderIDs() []string {
	return slices.Sorted(maps.Keys(c.Providers))
}
