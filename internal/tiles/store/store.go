// Package store persists encoded tiles. Writable stores may support staging,
// a write-then-publish session for bulk replacement.
package store

import (
	"context"
	"errors"
	"path"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

var (
	ErrStagingActive = errors.New("staging session already active")
	ErrNotStaging    = errors.New("no staging session active")
)

type ReadOnly interface {
	Has(ctx context.Context, q tile.Query) (bool, error)
	Get(ctx context.Context, q tile.Query) tile.Result
	// IsEmpty reports known=false when emptiness cannot be told without reading the content.
	IsEmpty(ctx context.Context, q tile.Query) (empty, known bool, err error)
}

type Store interface {
	ReadOnly
	Put(ctx context.Context, q tile.Query, content []byte) error
	Delete(ctx context.Context, q tile.Query) error
	// DeleteLimits removes the tiles of one level inside limits, or outside them when inverse is set.
	DeleteLimits(ctx context.Context, layer, tileMatrixSet string, limits tms.Limits, inverse bool) error
}

// Staging is implemented by stores that can publish a bulk update all at once.
// Init returns false when a session is already active. Exactly one of Promote
// or Abort ends a session; Cleanup follows a successful Promote.
type Staging interface {
	Init(ctx context.Context) (bool, error)
	InProgress() bool
	Promote(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Abort(ctx context.Context) error
}

// Purger removes every tile of a layer.
type Purger interface {
	Purge(ctx context.Context, layer string) error
}

// CanStage returns the staging capability of s, if it has one.
func CanStage(s ReadOnly) (Staging, bool) {
	st, ok := s.(Staging)
	return st, ok
}

// Key is the storage key of a tile: layer/tileMatrixSet/level/row/col.ext.
func Key(q tile.Query) string {
	return path.Join(q.Layer, q.TileMatrixSet,
		strconv.Itoa(q.Level), strconv.Itoa(q.Row),
		strconv.Itoa(q.Col)+"."+q.MediaType.Extension)
}

// IsInsideBounds reports whether key names a tile of layer and tileMatrixSet at
// limits.Level that lies inside limits (outside when inverse is set). Keys that
// do not have exactly the five segments of Key are never inside.
func IsInsideBounds(key, layer, tileMatrixSet string, limits tms.Limits, inverse bool) bool {
	parts := strings.Split(key, "/")
	if len(parts) != 5 || parts[0] != layer || parts[1] != tileMatrixSet {
		return false
	}
	level, err := strconv.Atoi(parts[2])
	if err != nil || level != limits.Level {
		return false
	}
	row, err := strconv.Atoi(parts[3])
	if err != nil {
		return false
	}
	colPart, ext, ok := strings.Cut(parts[4], ".")
	if !ok || ext == "" {
		return false
	}
	col, err := strconv.Atoi(colPart)
	if err != nil {
		return false
	}
	return limits.Contains(row, col) != inverse
}
