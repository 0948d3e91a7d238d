package providerdata

import "maps"

// MergeInto layers p over base: set scalar fields of p win, list fields are
// unioned, map entries are merged per key.
func (p TileProviderData) MergeInto(base TileProviderData) TileProviderData {
	out := base
	out.ID = pick(p.ID, base.ID)
	out.Kind = pick(p.Kind, base.Kind)
	out.WFSURL = pick(p.WFSURL, base.WFSURL)
	out.TileServerURL = pick(p.TileServerURL, base.TileServerURL)
	out.LayerDefaults = p.LayerDefaults.MergeInto(base.LayerDefaults)
	out.Cache = p.Cache.MergeInto(base.Cache)
	out.Seeding = p.Seeding.MergeInto(base.Seeding)

	if len(base.Layers) > 0 || len(p.Layers) > 0 {
		out.Layers = make(map[string]LayerOptions, len(base.Layers)+len(p.Layers))
		maps.Copy(out.Layers, base.Layers)
		for name, l := range p.Layers {
			out.Layers[name] = l.MergeInto(base.Layers[name])
		}
	}
	return out
}

func (l LayerOptions) MergeInto(base LayerOptions) LayerOptions {
	out := base
	out.Collection = pick(l.Collection, base.Collection)
	out.Combine = union(base.Combine, l.Combine)
	out.Source = pick(l.Source, base.Source)
	out.TileMatrixSets = union(base.TileMatrixSets, l.TileMatrixSets)
	out.Formats = union(base.Formats, l.Formats)
	out.Levels = mergeMap(base.Levels, l.Levels)
	out.CacheLevels = mergeMap(base.CacheLevels, l.CacheLevels)
	out.SeedingLevels = mergeMap(base.SeedingLevels, l.SeedingLevels)
	if l.Extent != nil {
		e := *l.Extent
		out.Extent = &e
	}
	out.FeatureLimit = pick(l.FeatureLimit, base.FeatureLimit)
	out.Tolerance = pick(l.Tolerance, base.Tolerance)
	out.LevelFilters = mergeMap(base.LevelFilters, l.LevelFilters)
	out.IgnoreInvalidGeometries = pickPtr(l.IgnoreInvalidGeometries, base.IgnoreInvalidGeometries)
	return out
}

func (c CacheConfig) MergeInto(base CacheConfig) CacheConfig {
	return CacheConfig{
		Type:      pick(c.Type, base.Type),
		Storage:   pick(c.Storage, base.Storage),
		Levels:    mergeMap(base.Levels, c.Levels),
		DoNotSeed: pickPtr(c.DoNotSeed, base.DoNotSeed),
	}
}

func (s SeedingOptions) MergeInto(base SeedingOptions) SeedingOptions {
	return SeedingOptions{
		RunOnStartup: pickPtr(s.RunOnStartup, base.RunOnStartup),
		Schedule:     pick(s.Schedule, base.Schedule),
		Purge:        pickPtr(s.Purge, base.Purge),
		MaxThreads:   pick(s.MaxThreads, base.MaxThreads),
	}
}

func pick[T comparable](override, base T) T {
	var zero T
	if override != zero {
		return override
	}
	return base
}

func pickPtr[T any](override, base *T) *T {
	if override != nil {
		v := *override
		return &v
	}
	if base != nil {
		v := *base
		return &v
	}
	return nil
}

func union(base, extra []string) []string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	out := make([]string, 0, len(base)+len(extra))
	seen := make(map[string]struct{}, len(base)+len(extra))
	for _, s := range append(append([]string(nil), base...), extra...) {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func mergeMap[V any](base, override map[string]V) map[string]V {
	if len(base) == 0 && len(override) == 0 {
		return nil
	}
	out := make(map[string]V, len(base)+len(override))
	maps.Copy(out, base)
	maps.Copy(out, override)
	return out
}
