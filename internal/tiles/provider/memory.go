package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/store"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
)

// MemoryLink keeps recently resolved tiles in a bounded LRU.
type MemoryLink struct {
	cache  *lru.Cache[uint64, tile.Result]
	levels Levels
}

func NewMemoryLink(size int, levels Levels) (*MemoryLink, error) {
	c, err := lru.New[uint64, tile.Result](size)
	if err != nil {
		return nil, fmt.Errorf("memory link: %w", err)
	}
	return &MemoryLink{cache: c, levels: levels}, nil
}

func (l *MemoryLink) Name() string { return "memory" }

func memoryKey(q tile.Query) uint64 {
	k := store.Key(q)
	if f := q.Generation.Filters(q.Level); len(f) > 0 {
		k += "?" + strings.Join(f, "&")
	}
	return xxhash.Sum64String(k)
}

func (l *MemoryLink) CanProvide(q tile.Query) bool {
	return !q.IsTransient() && l.levels.Contains(q.TileMatrixSet, q.Level)
}

func (l *MemoryLink) GetTile(_ context.Context, q tile.Query) tile.Result {
	if r, ok := l.cache.Get(memoryKey(q)); ok {
		return r
	}
	return tile.NotFound()
}

func (l *MemoryLink) ProcessDelegateResult(_ context.Context, q tile.Query, r tile.Result) tile.Result {
	if !q.IsTransient() && r.IsAvailable() {
		l.cache.Add(memoryKey(q), r)
	}
	return r
}

// Purge drops every tile.
func (l *MemoryLink) Purge() { l.cache.Purge() }

func (l *MemoryLink) Len() int { return l.cache.Len() }
