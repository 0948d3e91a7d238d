package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// Archive reads a pre-built MBTiles file. It serves exactly one tile matrix set.
type Archive struct {
	db            *sql.DB
	stmt          *sql.Stmt
	tileMatrixSet *tms.TileMatrixSet
	metadata      map[string]string
}

// OpenArchive opens path read-only.
func OpenArchive(path string, set *tms.TileMatrixSet) (*Archive, error) {
	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	stmt, err := db.Prepare("SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	a := &Archive{db: db, stmt: stmt, tileMatrixSet: set}
	if a.metadata, err = readMetadata(db); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("read archive metadata %s: %w", path, err)
	}
	return a, nil
}

func readMetadata(db *sql.DB) (map[string]string, error) {
	rows, err := db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	md := map[string]string{}
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		md[name] = value
	}
	return md, rows.Err()
}

func (a *Archive) Close() error {
	return errors.Join(a.stmt.Close(), a.db.Close())
}

func (a *Archive) Metadata() map[string]string { return a.metadata }

// Format is the media type named by the archive's format metadata.
func (a *Archive) Format() (tile.MediaType, bool) {
	return tile.MediaTypeFor(a.metadata["format"])
}

// Extent parses the "bounds" metadata (lon/lat west,south,east,north).
func (a *Archive) Extent() *tms.Extent {
	parts := strings.Split(a.metadata["bounds"], ",")
	if len(parts) != 4 {
		return nil
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil
		}
		v[i] = f
	}
	return &tms.Extent{CRS: tms.CRS84, Bound: orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}}
}

// Levels is the minzoom/maxzoom metadata, falling back to the tile matrix set's range.
func (a *Archive) Levels() (minLevel, maxLevel int) {
	minLevel, maxLevel = a.tileMatrixSet.MinLevel(), a.tileMatrixSet.MaxLevel()
	if v, err := strconv.Atoi(a.metadata["minzoom"]); err == nil {
		minLevel = v
	}
	if v, err := strconv.Atoi(a.metadata["maxzoom"]); err == nil {
		maxLevel = v
	}
	return minLevel, maxLevel
}

func (a *Archive) read(ctx context.Context, q tile.Query) ([]byte, bool, error) {
	if q.TileMatrixSet != a.tileMatrixSet.ID {
		return nil, false, nil
	}
	m, ok := a.tileMatrixSet.Matrix(q.Level)
	if !ok {
		return nil, false, nil
	}
	var data []byte
	err := a.stmt.QueryRowContext(ctx, q.Level, q.Col, m.Rows-1-q.Row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (a *Archive) Has(ctx context.Context, q tile.Query) (bool, error) {
	_, ok, err := a.read(ctx, q)
	return ok, err
}

func (a *Archive) Get(ctx context.Context, q tile.Query) tile.Result {
	data, ok, err := a.read(ctx, q)
	switch {
	case err != nil:
		return tile.Errorf("read archive tile %s: %v", q, err)
	case !ok:
		return tile.NotFound()
	case len(data) == 0:
		return tile.Empty(data)
	}
	return tile.Found(data)
}

func (a *Archive) IsEmpty(ctx context.Context, q tile.Query) (bool, bool, error) {
	data, ok, err := a.read(ctx, q)
	if err != nil || !ok {
		return false, false, err
	}
	return len(data) == 0, true, nil
}

// Archives serves one archive per layer.
type Archives map[string]*Archive

func (a Archives) Has(ctx context.Context, q tile.Query) (bool, error) {
	arc, ok := a[q.Layer]
	if !ok {
		return false, nil
	}
	return arc.Has(ctx, q)
}

func (a Archives) Get(ctx context.Context, q tile.Query) tile.Result {
	arc, ok := a[q.Layer]
	if !ok {
		return tile.NotFound()
	}
	return arc.Get(ctx, q)
}

func (a Archives) IsEmpty(ctx context.Context, q tile.Query) (bool, bool, error) {
	arc, ok := a[q.Layer]
	if !ok {
		return false, false, nil
	}
	return arc.IsEmpty(ctx, q)
}

func (a Archives) Close() error {
	var errs []error
	for _, arc := range a {
		errs = append(errs, arc.Close())
	}
	return errors.Join(errs...)
}
