package service

import (
	"fmt"
	"strings"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/features"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/provider"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/providerdata"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/store"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tilecache"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

const (
	memoryLinkName  = "memory"
	storeLinkName   = "store"
	archiveLinkName = "archive"
)

// assemble builds the provider's chain: memory, then store (when caching is
// enabled), then the link that produces tiles for the provider kind.
func (s *Service) assemble(data providerdata.TileProviderData) (*Provider, error) {
	p := &Provider{
		data:   data,
		layers: map[string]*layer{},
		log:    s.deps.Log.With("provider", data.ID),
	}

	var archives store.Archives
	if data.Kind == providerdata.KindMBTiles {
		archives = store.Archives{}
		s.closers = append(s.closers, archives)
	}
	for _, name := range data.LayerNames() {
		opts, _ := data.Layer(name)
		l, err := s.layer(data, name, opts, archives)
		if err != nil {
			return nil, fmt.Errorf("layer %s: %w", name, err)
		}
		p.layers[name] = l
	}

	producer, err := s.producer(data, p, archives)
	if err != nil {
		return nil, err
	}

	var links []provider.Link
	if data.CacheEnabled() {
		if s.deps.MemorySize > 0 {
			if p.memory, err = provider.NewMemoryLink(s.deps.MemorySize, nil); err != nil {
				return nil, err
			}
			links = append(links, p.memory)
		}
		if p.store, err = s.store(data); err != nil {
			return nil, err
		}
		links = append(links, provider.NewStoreLink(storeLinkName, p.store, nil, p.log))
	}
	p.chain = provider.NewChain(append(links, producer)...)
	p.generate = p.chain.Without(memoryLinkName, storeLinkName)
	if p.store != nil {
		p.cache = s.tileCache(p)
	}
	return p, nil
}

func (s *Service) tileCache(p *Provider) *tilecache.TileCache {
	var opts []tilecache.Option
	if s.deps.Events != nil {
		opts = append(opts, tilecache.WithEvents(s.deps.Events))
	}
	return tilecache.New(p.store, p.generate.Resolver(), s.deps.Sets, s.deps.Limits, p.log, opts...)
}

func (s *Service) store(data providerdata.TileProviderData) (store.Store, error) {
	switch data.Cache.Storage {
	case providerdata.StorageMBTiles:
		st, err := store.NewMBTilesStore(storeDir(s.deps.StoreRoot, data.ID), s.deps.Sets, s.deps.Log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, st)
		return st, nil
	case providerdata.StorageRedis:
		if s.deps.Redis == nil {
			return nil, fmt.Errorf("redis cache storage needs a redis client")
		}
		return store.NewRedisStore(s.deps.Redis, s.deps.RedisTTL), nil
	}
	return store.NewFileStore(storeDir(s.deps.StoreRoot, data.ID), s.deps.Log)
}

// producer is the last link of the chain.
func (s *Service) producer(data providerdata.TileProviderData, p *Provider, archives store.Archives) (provider.Link, error) {
	switch data.Kind {
	case providerdata.KindMBTiles:
		return provider.NewArchiveLink(archiveLinkName, archives, nil), nil

	case providerdata.KindHTTP, providerdata.KindTileServer:
		templates := map[string]string{}
		for name := range p.layers {
			opts, _ := data.Layer(name)
			templates[name] = s.urlTemplate(data, name, opts)
		}
		return provider.NewHTTPLink(string(data.Kind), s.deps.HTTPClient, templates, nil, p.log), nil
	}

	src := s.deps.Features
	if src == nil {
		wfs, err := features.NewWFSSource(p.log, s.deps.HTTPClient, features.OWSEndpoint(data.WFSURL))
		if err != nil {
			return nil, err
		}
		src = wfs
	}
	parts := map[string][]features.Part{}
	for name := range p.layers {
		parts[name] = featureParts(data, name)
	}
	gen := features.NewGenerator(src, s.deps.Sets, parts, s.deps.Encoder, p.log)
	return provider.NewGeneratorLink(gen, nil), nil
}

// featureParts resolves a layer to the tile layers it generates. A plain
// layer gets one tile layer per collection; a combined layer gets one per
// sub-layer, named after the sub-layer.
func featureParts(data providerdata.TileProviderData, name string) []features.Part {
	opts, _ := data.Layer(name)
	if len(opts.Combine) == 0 {
		return collectionParts(opts.Collections(name))
	}
	var out []features.Part
	for _, sub := range opts.Combine {
		so, _ := data.Layer(sub)
		cs := so.Collections(sub)
		if len(cs) != 1 {
			out = append(out, collectionParts(cs)...)
			continue
		}
		out = append(out, features.Part{Name: sub, Collection: cs[0]})
	}
	return out
}

func collectionParts(cs []string) []features.Part {
	out := make([]features.Part, 0, len(cs))
	for _, c := range cs {
		out = append(out, features.Part{Name: c, Collection: c})
	}
	return out
}

// urlTemplate returns the layer's source template, or the tileserver data URL convention.
func (s *Service) urlTemplate(data providerdata.TileProviderData, name string, opts providerdata.LayerOptions) string {
	if data.Kind == providerdata.KindHTTP {
		return opts.Source
	}
	id := opts.Source
	if id == "" {
		id = name
	}
	return strings.TrimRight(data.TileServerURL, "/") + "/data/" + id + "/{z}/{x}/{y}.{fileExtension}"
}

func (s *Service) layer(data providerdata.TileProviderData, name string, opts providerdata.LayerOptions, archives store.Archives) (*layer, error) {
	formats, err := opts.MediaTypes()
	if err != nil {
		return nil, err
	}
	gen, err := opts.Generation()
	if err != nil {
		return nil, err
	}
	l := &layer{
		name:       name,
		formats:    formats,
		sets:       opts.TileMatrixSets,
		levels:     provider.Levels{},
		extent:     opts.Extent.TMS(),
		limits:     map[string][]tms.Limits{},
		generation: gen,
	}

	if archives != nil {
		set, err := s.deps.Sets.Get(opts.TileMatrixSets[0])
		if err != nil {
			return nil, err
		}
		arc, err := store.OpenArchive(opts.Source, set)
		if err != nil {
			return nil, err
		}
		archives[name] = arc
		if mt, ok := arc.Format(); ok {
			l.formats = []tile.MediaType{mt}
		}
		if l.extent == nil {
			l.extent = arc.Extent()
		}
		lo, hi := arc.Levels()
		l.sets = []string{set.ID}
		opts.Levels = map[string]providerdata.LevelRange{set.ID: {Min: lo, Max: hi}}
	}

	for _, id := range l.sets {
		set, err := s.deps.Sets.Get(id)
		if err != nil {
			return nil, err
		}
		r := provider.LevelRange{Min: set.MinLevel(), Max: set.MaxLevel()}
		if lr, ok := opts.Levels[id]; ok {
			r = clamp(provider.LevelRange(lr), r)
		}
		l.levels[id] = r
		l.limits[id] = s.deps.Limits.Generate(set, l.extent, r.Min, r.Max)
	}
	l.cacheLevels = within(data.CacheRanges(opts), l.levels)
	l.seedingLevels = only(data.SeedingRanges(opts), l.cacheLevels)
	return l, nil
}

// only keeps the tile matrix sets present in both ranges and outer, clamped to outer.
func only(ranges map[string]providerdata.LevelRange, outer provider.Levels) provider.Levels {
	out := provider.Levels{}
	for id, r := range ranges {
		o, ok := outer[id]
		if !ok {
			continue
		}
		if c := clamp(provider.LevelRange(r), o); c.Min <= c.Max {
			out[id] = c
		}
	}
	return out
}

// within restricts ranges to the tile matrix sets and levels of outer. A tile
// matrix set missing from ranges keeps its outer range.
func within(ranges map[string]providerdata.LevelRange, outer provider.Levels) provider.Levels {
	out := provider.Levels{}
	for id, o := range outer {
		r, ok := ranges[id]
		if !ok {
			out[id] = o
			continue
		}
		if c := clamp(provider.LevelRange(r), o); c.Min <= c.Max {
			out[id] = c
		}
	}
	return out
}

func clamp(r, outer provider.LevelRange) provider.LevelRange {
	return provider.LevelRange{Min: max(r.Min, outer.Min), Max: min(r.Max, outer.Max)}
}
