package service

import (
	"context"
	"slices"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// Request is a tile read.
type Request struct {
	Layer         string
	TileMatrixSet string
	Level         int
	Row           int
	Col           int
	MediaType     tile.MediaType
	Transient     *tile.TransientParams
	// ExtraParams is set when the request carries query parameters other than the format selector.
	ExtraParams bool
}

func (r Request) coordinates() tile.Coordinates {
	return tile.Coordinates{TileMatrixSet: r.TileMatrixSet, Level: r.Level, Row: r.Row, Col: r.Col}
}

// Get resolves a tile read. Unknown layers, formats, tile matrix sets and
// levels, and tiles outside the dataset limits, are NotFound; a row or column
// outside the tile matrix is OutsideLimits.
func (s *Service) Get(ctx context.Context, req Request) tile.Result {
	p, ok := s.byLayer[req.Layer]
	if !ok {
		return tile.NotFound()
	}
	l := p.layers[req.Layer]
	if !slices.Contains(l.formats, req.MediaType) {
		return tile.NotFound()
	}
	set, err := s.deps.Sets.Get(req.TileMatrixSet)
	if err != nil || !l.levels.Contains(req.TileMatrixSet, req.Level) {
		return tile.NotFound()
	}
	m, ok := set.Matrix(req.Level)
	if !ok {
		return tile.NotFound()
	}
	if req.Row < 0 || req.Row >= m.Rows || req.Col < 0 || req.Col >= m.Cols {
		return tile.OutsideLimits("tile %d/%d is outside tile matrix %s/%d (%d rows, %d cols)",
			req.Row, req.Col, set.ID, req.Level, m.Rows, m.Cols)
	}
	limits, ok := tms.Find(l.limits[req.TileMatrixSet], req.Level)
	if !ok || !limits.Contains(req.Row, req.Col) {
		return tile.NotFound()
	}

	q := tile.NewQuery(req.Layer, req.coordinates(), req.MediaType)
	q.Generation = l.generation
	q = q.WithTransient(req.Transient)

	if p.useCache(l, q, req) {
		return p.chain.Get(ctx, q)
	}
	return p.generate.Get(ctx, q)
}

// useCache is true when the provider caches, the request has no parameters
// besides the format and the level is a cached level.
func (p *Provider) useCache(l *layer, q tile.Query, req Request) bool {
	return p.CacheEnabled() &&
		!req.ExtraParams &&
		!q.IsTransient() &&
		l.cacheLevels.Contains(q.TileMatrixSet, q.Level)
}

// Formats lists the media types a layer is served in.
func (s *Service) Formats(layer string) ([]tile.MediaType, bool) {
	p, ok := s.byLayer[layer]
	if !ok {
		return nil, false
	}
	return p.layers[layer].formats, true
}

// Limits returns the layer's limits in a tile matrix set.
func (s *Service) Limits(layer, tileMatrixSet string) ([]tms.Limits, bool) {
	p, ok := s.byLayer[layer]
	if !ok {
		return nil, false
	}
	lim, ok := p.layers[layer].limits[tileMatrixSet]
	return lim, ok
}
