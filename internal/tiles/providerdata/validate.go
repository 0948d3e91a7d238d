package providerdata

import (
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validate checks p after defaults have been merged in.
func (p *TileProviderData) Validate() error {
	var errs []error
	if p.ID == "" {
		errs = append(errs, errors.New("provider id is required"))
	}
	switch p.Kind {
	case KindFeatures:
		if p.WFSURL == "" {
			errs = append(errs, fmt.Errorf("provider %s: wfs_url is required for features providers", p.ID))
		}
	case KindTileServer:
		if p.TileServerURL == "" {
			errs = append(errs, fmt.Errorf("provider %s: tileserver_url is required for tileserver providers", p.ID))
		}
	case KindMBTiles, KindHTTP:
	default:
		errs = append(errs, fmt.Errorf("provider %s: unknown kind %q", p.ID, p.Kind))
	}
	if len(p.Layers) == 0 {
		errs = append(errs, fmt.Errorf("provider %s: no layers", p.ID))
	}
	for _, name := range p.LayerNames() {
		l, _ := p.Layer(name)
		if err := p.validateLayer(name, l); err != nil {
			errs = append(errs, err)
		}
	}

	switch p.Cache.Type {
	case "", CacheDynamic, CacheNone:
	default:
		errs = append(errs, fmt.Errorf("provider %s: unknown cache type %q", p.ID, p.Cache.Type))
	}
	switch p.Cache.Storage {
	case "", StoragePlain, StorageMBTiles, StorageRedis:
	default:
		errs = append(errs, fmt.Errorf("provider %s: unknown cache storage %q", p.ID, p.Cache.Storage))
	}
	errs = append(errs, checkRanges(p.ID+" cache", p.Cache.Levels)...)

	if p.Seeding.Schedule != "" {
		if _, err := cron.ParseStandard(p.Seeding.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("provider %s: seeding schedule: %w", p.ID, err))
		}
	}
	if p.Seeding.MaxThreads < 0 {
		errs = append(errs, fmt.Errorf("provider %s: seeding max_threads must not be negative", p.ID))
	}
	return errors.Join(errs...)
}

func (p *TileProviderData) validateLayer(name string, l LayerOptions) error {
	var errs []error
	where := p.ID + "/" + name
	switch p.Kind {
	case KindFeatures:
		for _, c := range l.Combine {
			if _, ok := p.Layers[c]; !ok {
				errs = append(errs, fmt.Errorf("layer %s: combined layer %q does not exist", where, c))
			}
		}
	case KindMBTiles:
		if l.Source == "" {
			errs = append(errs, fmt.Errorf("layer %s: source archive is required", where))
		}
	case KindHTTP:
		if !strings.Contains(l.Source, "{") {
			errs = append(errs, fmt.Errorf("layer %s: source must be a url template", where))
		}
	}
	if _, err := l.MediaTypes(); err != nil {
		errs = append(errs, fmt.Errorf("layer %s: %w", where, err))
	}
	if _, err := l.Generation(); err != nil {
		errs = append(errs, fmt.Errorf("layer %s: %w", where, err))
	}
	errs = append(errs, checkRanges(where, l.Levels)...)
	errs = append(errs, checkRanges(where+" cache", l.CacheLevels)...)
	errs = append(errs, checkRanges(where+" seeding", l.SeedingLevels)...)
	return errors.Join(errs...)
}

func checkRanges(where string, ranges map[string]LevelRange) []error {
	var errs []error
	for set, r := range ranges {
		if r.Min < 0 || r.Max < r.Min {
			errs = append(errs, fmt.Errorf("%s: invalid level range %d..%d for %s", where, r.Min, r.Max, set))
		}
	}
	return errs
}
