package provider

import (
	"context"
	"log/slog"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/store"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
)

// StoreLink answers from a tile store and writes what its delegates produce back into it.
type StoreLink struct {
	name   string
	store  store.Store
	levels Levels
	log    *slog.Logger
}

func NewStoreLink(name string, s store.Store, levels Levels, log *slog.Logger) *StoreLink {
	if log == nil {
		log = slog.Default()
	}
	return &StoreLink{name: name, store: s, levels: levels, log: log}
}

func (l *StoreLink) Name() string { return l.name }

func (l *StoreLink) Store() store.Store { return l.store }

// CanProvide excludes transient queries; their content depends on request parameters.
func (l *StoreLink) CanProvide(q tile.Query) bool {
	return !q.IsTransient() && l.levels.Contains(q.TileMatrixSet, q.Level)
}

func (l *StoreLink) GetTile(ctx context.Context, q tile.Query) tile.Result {
	return l.store.Get(ctx, q)
}

func (l *StoreLink) ProcessDelegateResult(ctx context.Context, q tile.Query, r tile.Result) tile.Result {
	if q.IsTransient() || !r.IsAvailable() {
		return r
	}
	if err := l.store.Put(ctx, q, r.Content); err != nil {
		l.log.Warn("caching tile failed",
			slog.String("link", l.name),
			slog.String("tile", q.String()),
			slog.Any("err", err))
	}
	return r
}

// ArchiveLink serves a read-only tile source such as a pre-built MBTiles file.
type ArchiveLink struct {
	name   string
	source store.ReadOnly
	levels Levels
}

func NewArchiveLink(name string, source store.ReadOnly, levels Levels) *ArchiveLink {
	return &ArchiveLink{name: name, source: source, levels: levels}
}

func (l *ArchiveLink) Name() string { return l.name }

func (l *ArchiveLink) CanProvide(q tile.Query) bool {
	return l.levels.Contains(q.TileMatrixSet, q.Level)
}

func (l *ArchiveLink) GetTile(ctx context.Context, q tile.Query) tile.Result {
	return l.source.Get(ctx, q)
}

func (l *ArchiveLink) ProcessDelegateResult(_ context.Context, _ tile.Query, r tile.Result) tile.Result {
	return r
}
