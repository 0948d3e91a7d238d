package provider

import (
	"context"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/store"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
)

// Generator produces a tile from source data.
type Generator interface {
	Generate(ctx context.Context, q tile.Query) tile.Result
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, q tile.Query) tile.Result

func (f GeneratorFunc) Generate(ctx context.Context, q tile.Query) tile.Result { return f(ctx, q) }

// GeneratorLink is the last link of a chain. Concurrent requests for the same
// cacheable tile share one generation.
type GeneratorLink struct {
	gen    Generator
	levels Levels
	group  singleflight.Group
}

func NewGeneratorLink(gen Generator, levels Levels) *GeneratorLink {
	return &GeneratorLink{gen: gen, levels: levels}
}

func (l *GeneratorLink) Name() string { return "generator" }

func (l *GeneratorLink) CanProvide(q tile.Query) bool {
	return l.levels.Contains(q.TileMatrixSet, q.Level)
}

func (l *GeneratorLink) GetTile(ctx context.Context, q tile.Query) tile.Result {
	if q.IsTransient() {
		return l.gen.Generate(ctx, q)
	}
	key := store.Key(q)
	if f := q.Generation.Filters(q.Level); len(f) > 0 {
		key += "?" + strings.Join(f, "&")
	}
	// the shared generation outlives any single caller's cancellation
	shared := context.WithoutCancel(ctx)
	ch := l.group.DoChan(key, func() (any, error) {
		return l.gen.Generate(shared, q), nil
	})
	select {
	case res := <-ch:
		return res.Val.(tile.Result)
	case <-ctx.Done():
		return tile.Errorf("generate %s: %v", q, ctx.Err())
	}
}

func (l *GeneratorLink) ProcessDelegateResult(_ context.Context, _ tile.Query, r tile.Result) tile.Result {
	return r
}
