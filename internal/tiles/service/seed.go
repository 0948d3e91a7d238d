package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/providerdata"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/seeding"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tilecache"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// ErrSeedingDisabled is returned by Seed for providers that cannot be seeded.
var ErrSeedingDisabled = errors.New("seeding disabled")

// SeedOptions override the provider's seeding configuration for one run.
type SeedOptions struct {
	Reseed bool
	Label  string
	// MaxParallel overrides the provider's max_threads when positive.
	MaxParallel int
	// Purge forces purging before the run; otherwise the provider setting applies.
	Purge      bool
	OnProgress func(done, total int64)
}

// CanSeed reports whether the provider may be seeded, and why not. Seeding
// needs a provider able to answer bulk queries with at least one format it
// can produce, enabled caching and a non-empty seeding range.
func (p *Provider) CanSeed() (bool, string) {
	switch {
	case p.data.Kind == providerdata.KindHTTP || p.data.Kind == providerdata.KindTileServer:
		return false, "remote tile sources are not seeded"
	case !p.CacheEnabled():
		return false, "caching is disabled"
	case !p.data.SeedingEnabled():
		return false, "do_not_seed is set"
	}
	layers := p.seedLayers()
	if len(layers) == 0 {
		return false, "no seeding range configured"
	}
	return true, ""
}

// seedLayers are the layers with a non-empty seeding range and a producible format.
func (p *Provider) seedLayers() []tilecache.Layer {
	var out []tilecache.Layer
	for _, name := range p.data.LayerNames() {
		l := p.layers[name]
		formats := l.formats
		if p.data.Kind == providerdata.KindFeatures {
			formats = vectorOnly(formats)
		}
		if len(formats) == 0 || len(l.seedingLevels) == 0 {
			continue
		}
		out = append(out, tilecache.Layer{
			Name:       name,
			Formats:    formats,
			Levels:     l.seedingLevels,
			Extent:     l.extent,
			Generation: l.generation,
		})
	}
	return out
}

func vectorOnly(in []tile.MediaType) []tile.MediaType {
	var out []tile.MediaType
	for _, mt := range in {
		if mt.IsVector() {
			out = append(out, mt)
		}
	}
	return out
}

// Seed runs one seeding pass over the provider's layers.
func (s *Service) Seed(ctx context.Context, providerID string, opts SeedOptions) (seeding.Summary, error) {
	p, err := s.Provider(providerID)
	if err != nil {
		return seeding.Summary{}, err
	}
	if ok, why := p.CanSeed(); !ok {
		return seeding.Summary{}, fmt.Errorf("%w for %s: %s", ErrSeedingDisabled, providerID, why)
	}
	parallel := opts.MaxParallel
	if parallel <= 0 {
		parallel = p.data.Seeding.MaxThreads
	}
	label := opts.Label
	if label == "" {
		label = providerID
	}
	req := tilecache.SeedRequest{
		Layers:      p.seedLayers(),
		Reseed:      opts.Reseed,
		Purge:       opts.Purge || p.data.Seeding.PurgeFirst(),
		Label:       label,
		MaxParallel: parallel,
		OnProgress:  opts.OnProgress,
	}
	sum, err := p.cache.Seed(ctx, req)
	if err == nil && (req.Reseed || req.Purge) && p.memory != nil {
		p.memory.Purge()
	}
	return sum, err
}

// Purge removes every cached tile of the provider.
func (s *Service) Purge(ctx context.Context, providerID string) error {
	p, err := s.Provider(providerID)
	if err != nil {
		return err
	}
	if p.cache == nil {
		return nil
	}
	if p.memory != nil {
		p.memory.Purge()
	}
	return p.cache.Purge(ctx, p.data.LayerNames())
}

// Prune removes cached tiles outside the layers' current cache levels and limits.
func (s *Service) Prune(ctx context.Context, providerID string) error {
	p, err := s.Provider(providerID)
	if err != nil {
		return err
	}
	if p.cache == nil {
		return nil
	}
	layers := make([]tilecache.Layer, 0, len(p.layers))
	for _, name := range p.data.LayerNames() {
		l := p.layers[name]
		layers = append(layers, tilecache.Layer{Name: name, Levels: l.cacheLevels, Extent: l.extent})
	}
	if p.memory != nil {
		p.memory.Purge()
	}
	return p.cache.Prune(ctx, layers)
}

// Invalidate deletes the cached tiles of layer that intersect bound, in every
// cached tile matrix set and level. It returns the number of rectangles deleted.
func (s *Service) Invalidate(ctx context.Context, layer string, bound orb.Bound, crs string) (int, error) {
	p, ok := s.byLayer[layer]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownLayer, layer)
	}
	if p.store == nil {
		return 0, nil
	}
	l := p.layers[layer]
	extent := &tms.Extent{Bound: bound, CRS: crs}
	n := 0
	for id, r := range l.cacheLevels {
		set, err := s.deps.Sets.Get(id)
		if err != nil {
			return n, err
		}
		for _, lim := range s.deps.Limits.Generate(set, extent, r.Min, r.Max) {
			if err := p.store.DeleteLimits(ctx, layer, id, lim, false); err != nil {
				return n, fmt.Errorf("invalidate %s %s: %w", layer, lim, err)
			}
			n++
		}
	}
	if p.memory != nil && n > 0 {
		p.memory.Purge()
	}
	return n, nil
}

// Status is a provider's seeding state.
type Status struct {
	Provider string `json:"provider"`
	Seeding  bool   `json:"seeding"`
	Staging  bool   `json:"staging"`
	CanSeed  bool   `json:"can_seed"`
	Reason   string `json:"reason,omitempty"`
}

func (s *Service) Status() []Status {
	out := make([]Status, 0, len(s.providers))
	for _, id := range s.ProviderIDs() {
		p := s.providers[id]
		ok, why := p.CanSeed()
		st := Status{Provider: id, Staging: p.StagingInProgress(), CanSeed: ok, Reason: why}
		if p.cache != nil {
			st.Seeding = p.cache.InProgress()
		}
		out = append(out, st)
	}
	return out
}
