// Package providerdata holds the persisted configuration of tile providers.
package providerdata

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

type Kind string

const (
	KindFeatures   Kind = "features"
	KindMBTiles    Kind = "mbtiles"
	KindHTTP       Kind = "http"
	KindTileServer Kind = "tileserver"
)

type CacheType string

const (
	CacheDynamic CacheType = "dynamic"
	CacheNone    CacheType = "none"
)

type StorageKind string

const (
	StoragePlain   StorageKind = "plain"
	StorageMBTiles StorageKind = "mbtiles"
	StorageRedis   StorageKind = "redis"
)

type LevelRange struct {
	Min int `koanf:"min"`
	Max int `koanf:"max"`
}

// Extent is a dataset bounding box in the given CRS.
type Extent struct {
	MinX float64 `koanf:"min_x"`
	MinY float64 `koanf:"min_y"`
	MaxX float64 `koanf:"max_x"`
	MaxY float64 `koanf:"max_y"`
	CRS  string  `koanf:"crs"`
}

func (e *Extent) TMS() *tms.Extent {
	if e == nil {
		return nil
	}
	crs := e.CRS
	if crs == "" {
		crs = tms.CRS84
	}
	return &tms.Extent{CRS: crs, Bound: orb.Bound{Min: orb.Point{e.MinX, e.MinY}, Max: orb.Point{e.MaxX, e.MaxY}}}
}

// LayerOptions configure one tile layer. Which source fields apply depends on the provider kind:
// Collection/Combine for features, Source as MBTiles path, URL template or tileserver data id.
type LayerOptions struct {
	Collection string   `koanf:"collection"`
	Combine    []string `koanf:"combine"`
	Source     string   `koanf:"source"`

	TileMatrixSets []string              `koanf:"tile_matrix_sets"`
	Formats        []string              `koanf:"formats"`
	Levels         map[string]LevelRange `koanf:"levels"`
	CacheLevels    map[string]LevelRange `koanf:"cache_levels"`
	SeedingLevels  map[string]LevelRange `koanf:"seeding_levels"`
	Extent         *Extent               `koanf:"extent"`

	FeatureLimit            int                 `koanf:"feature_limit"`
	Tolerance               float64             `koanf:"tolerance"`
	LevelFilters            map[string][]string `koanf:"level_filters"`
	IgnoreInvalidGeometries *bool               `koanf:"ignore_invalid_geometries"`
}

type CacheConfig struct {
	Type      CacheType             `koanf:"type"`
	Storage   StorageKind           `koanf:"storage"`
	Levels    map[string]LevelRange `koanf:"levels"`
	DoNotSeed *bool                 `koanf:"do_not_seed"`
}

type SeedingOptions struct {
	RunOnStartup *bool  `koanf:"run_on_startup"`
	Schedule     string `koanf:"schedule"`
	Purge        *bool  `koanf:"purge"`
	MaxThreads   int    `koanf:"max_threads"`
}

// TileProviderData is one configured tile provider.
type TileProviderData struct {
	ID   string `koanf:"id"`
	Kind Kind   `koanf:"kind"`

	// WFSURL is the feature source of a features provider; TileServerURL the base of a tileserver provider.
	WFSURL        string `koanf:"wfs_url"`
	TileServerURL string `koanf:"tileserver_url"`

	LayerDefaults LayerOptions            `koanf:"layer_defaults"`
	Layers        map[string]LayerOptions `koanf:"layers"`
	Cache         CacheConfig             `koanf:"cache"`
	Seeding       SeedingOptions          `koanf:"seeding"`
}

// Layer returns the layer's options with the provider defaults applied. A layer
// without tile matrix sets or formats is served as MVT in WebMercatorQuad. Tile
// matrix sets missing from Levels use their full level range.
func (p *TileProviderData) Layer(name string) (LayerOptions, bool) {
	l, ok := p.Layers[name]
	if !ok {
		return LayerOptions{}, false
	}
	l = l.MergeInto(p.LayerDefaults)
	if len(l.TileMatrixSets) == 0 {
		l.TileMatrixSets = []string{tms.WebMercatorQuadID}
	}
	if len(l.Formats) == 0 {
		l.Formats = []string{tile.MVT.Label}
	}
	return l, true
}

func (p *TileProviderData) LayerNames() []string {
	return slices.Sorted(maps.Keys(p.Layers))
}

func (p *TileProviderData) CacheEnabled() bool {
	return p.Cache.Type != CacheNone && p.Cache.Type != ""
}

func (p *TileProviderData) SeedingEnabled() bool {
	return p.CacheEnabled() && !isTrue(p.Cache.DoNotSeed)
}

func (s SeedingOptions) OnStartup() bool { return isTrue(s.RunOnStartup) }
func (s SeedingOptions) PurgeFirst() bool { return isTrue(s.Purge) }

func isTrue(b *bool) bool { return b != nil && *b }

// Collections returns the feature collections a features layer reads.
func (l LayerOptions) Collections(layer string) []string {
	if len(l.Combine) > 0 {
		return l.Combine
	}
	if l.Collection != "" {
		return []string{l.Collection}
	}
	return []string{layer}
}

func (l LayerOptions) MediaTypes() ([]tile.MediaType, error) {
	out := make([]tile.MediaType, 0, len(l.Formats))
	for _, f := range l.Formats {
		mt, ok := tile.MediaTypeFor(f)
		if !ok {
			return nil, fmt.Errorf("unknown tile format %q", f)
		}
		out = append(out, mt)
	}
	return out, nil
}

func (l LayerOptions) Generation() (*tile.GenerationParams, error) {
	g := &tile.GenerationParams{
		FeatureLimit:            l.FeatureLimit,
		Tolerance:               l.Tolerance,
		IgnoreInvalidGeometries: isTrue(l.IgnoreInvalidGeometries),
	}
	if len(l.LevelFilters) > 0 {
		g.LevelFilters = make(map[int][]string, len(l.LevelFilters))
		for k, v := range l.LevelFilters {
			level, err := strconv.Atoi(strings.TrimSpace(k))
			if err != nil {
				return nil, fmt.Errorf("level filter key %q is not a level", k)
			}
			g.LevelFilters[level] = v
		}
	}
	return g, nil
}

// CacheRanges returns the levels to cache: the layer's own cache levels, else
// the provider cache levels, else the generation levels.
func (p *TileProviderData) CacheRanges(l LayerOptions) map[string]LevelRange {
	switch {
	case len(l.CacheLevels) > 0:
		return l.CacheLevels
	case len(p.Cache.Levels) > 0:
		return p.Cache.Levels
	}
	return l.Levels
}

// SeedingRanges returns the levels to seed. Only explicit seeding levels of the
// layer or the layer defaults count; without them nothing is seeded.
func (p *TileProviderData) SeedingRanges(l LayerOptions) map[string]LevelRange {
	return l.SeedingLevels
}
