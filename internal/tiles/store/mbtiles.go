package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

const (
	mbtilesLabel  = "mbtiles"
	mbtilesExt    = ".mbtiles"
	stagingSuffix = ".staging"
	backupSuffix  = ".previous"
)

const mbtilesSchema = `
	CREATE TABLE IF NOT EXISTS metadata (name TEXT, value TEXT);
	CREATE TABLE IF NOT EXISTS tiles (
		zoom_level INTEGER,
		tile_column INTEGER,
		tile_row INTEGER,
		tile_data BLOB
	);
	CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
`

// MBTilesStore keeps one MBTiles container per layer, tile matrix set and format
// at root/<layer>/<tms>_<ext>.mbtiles. Rows are stored bottom-up as MBTiles requires.
//
// A staging session copies a container on its first write and directs puts and
// purges of that container to the copy; Promote renames the copies over the
// visible files. Deletes of single tiles and ranges apply to both.
type MBTilesStore struct {
	root string
	sets *tms.Registry
	log  *slog.Logger

	mu      sync.Mutex
	open    map[string]*sql.DB
	staging bool
	staged  map[string]*sql.DB
	// retired are visible handles replaced by a promote, closed by Cleanup.
	retired []*sql.DB
}

func NewMBTilesStore(root string, sets *tms.Registry, log *slog.Logger) (*MBTilesStore, error) {
	if root == "" {
		return nil, errors.New("mbtiles store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &MBTilesStore{
		root:   filepath.Clean(root),
		sets:   sets,
		log:    log,
		open:   map[string]*sql.DB{},
		staged: map[string]*sql.DB{},
	}, nil
}

func (s *MBTilesStore) containerPath(layer, tileMatrixSet, ext string) string {
	return filepath.Join(s.root, layer, tileMatrixSet+"_"+ext+mbtilesExt)
}

func openContainer(path string, create bool) (*sql.DB, error) {
	if !create {
		if ok, err := exists(path); err != nil || !ok {
			return nil, err
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(mbtilesSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init mbtiles schema: %w", err)
	}
	return db, nil
}

// visible returns the published container, nil if it does not exist and create is false.
func (s *MBTilesStore) visible(path string, create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked(path, create)
}

func (s *MBTilesStore) visibleLocked(path string, create bool) (*sql.DB, error) {
	if db, ok := s.open[path]; ok {
		return db, nil
	}
	db, err := openContainer(path, create)
	if err != nil || db == nil {
		return nil, err
	}
	s.open[path] = db
	return db, nil
}

// writable returns the container mutations go to, creating the staged copy if needed.
func (s *MBTilesStore) writable(ctx context.Context, path string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.staging {
		return s.visibleLocked(path, true)
	}
	if db, ok := s.staged[path]; ok {
		if db == nil {
			return nil, errors.New("staged container was closed by a failed promote")
		}
		return db, nil
	}
	stagedPath := path + stagingSuffix
	_ = os.Remove(stagedPath)
	src, err := s.visibleLocked(path, false)
	if err != nil {
		return nil, err
	}
	if src != nil {
		if _, err := src.ExecContext(ctx, "VACUUM INTO ?", stagedPath); err != nil {
			return nil, fmt.Errorf("copy container for staging: %w", err)
		}
	}
	db, err := openContainer(stagedPath, true)
	if err != nil {
		return nil, err
	}
	s.staged[path] = db
	return db, nil
}

// readable returns the staged copy when one exists and staged is requested, else the visible container.
func (s *MBTilesStore) readable(path string, staged bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if staged {
		if db := s.staged[path]; db != nil {
			return db, nil
		}
	}
	return s.visibleLocked(path, false)
}

// deletable returns the visible container and its staged copy, whichever exist.
func (s *MBTilesStore) deletable(path string) ([]*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*sql.DB
	if db := s.staged[path]; db != nil {
		out = append(out, db)
	}
	db, err := s.visibleLocked(path, false)
	if err != nil {
		return nil, err
	}
	if db != nil {
		out = append(out, db)
	}
	return out, nil
}

func (s *MBTilesStore) tmsRow(q tile.Query) (int, error) {
	set, err := s.sets.Get(q.TileMatrixSet)
	if err != nil {
		return 0, err
	}
	m, ok := set.Matrix(q.Level)
	if !ok {
		return 0, fmt.Errorf("tile matrix set %s has no level %d", q.TileMatrixSet, q.Level)
	}
	return m.Rows - 1 - q.Row, nil
}

func (s *MBTilesStore) path(q tile.Query) string {
	return s.containerPath(q.Layer, q.TileMatrixSet, q.MediaType.Extension)
}

func (s *MBTilesStore) Has(ctx context.Context, q tile.Query) (bool, error) {
	db, err := s.readable(s.path(q), true)
	if err != nil || db == nil {
		return false, err
	}
	row, err := s.tmsRow(q)
	if err != nil {
		return false, err
	}
	var one int
	err = db.QueryRowContext(ctx,
		"SELECT 1 FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		q.Level, q.Col, row).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup tile %s: %w", q, err)
	}
	return true, nil
}

func (s *MBTilesStore) Get(ctx context.Context, q tile.Query) tile.Result {
	start := time.Now()
	db, err := s.readable(s.path(q), false)
	if err != nil {
		return tile.Errorf("open container for %s: %v", q, err)
	}
	if db == nil {
		return tile.NotFound()
	}
	row, err := s.tmsRow(q)
	if err != nil {
		return tile.Errorf("%v", err)
	}
	var data []byte
	err = db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		q.Level, q.Col, row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		observability.ObserveStoreOp(mbtilesLabel, "get", nil, time.Since(start).Seconds())
		return tile.NotFound()
	}
	observability.ObserveStoreOp(mbtilesLabel, "get", err, time.Since(start).Seconds())
	if err != nil {
		return tile.Errorf("read tile %s: %v", q, err)
	}
	if len(data) == 0 {
		return tile.Empty(data)
	}
	return tile.Found(data)
}

func (s *MBTilesStore) IsEmpty(ctx context.Context, q tile.Query) (bool, bool, error) {
	db, err := s.readable(s.path(q), false)
	if err != nil || db == nil {
		return false, false, err
	}
	row, err := s.tmsRow(q)
	if err != nil {
		return false, false, err
	}
	var n int64
	err = db.QueryRowContext(ctx,
		"SELECT length(tile_data) FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
		q.Level, q.Col, row).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("lookup tile %s: %w", q, err)
	}
	return n == 0, true, nil
}

func (s *MBTilesStore) Put(ctx context.Context, q tile.Query, content []byte) error {
	start := time.Now()
	err := s.put(ctx, q, content)
	observability.ObserveStoreOp(mbtilesLabel, "put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("put tile %s: %w", q, err)
	}
	return nil
}

func (s *MBTilesStore) put(ctx context.Context, q tile.Query, content []byte) error {
	row, err := s.tmsRow(q)
	if err != nil {
		return err
	}
	db, err := s.writable(ctx, s.path(q))
	if err != nil {
		return err
	}
	if content == nil {
		content = []byte{}
	}
	_, err = db.ExecContext(ctx,
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
		q.Level, q.Col, row, content)
	return err
}

func (s *MBTilesStore) Delete(ctx context.Context, q tile.Query) error {
	row, err := s.tmsRow(q)
	if err != nil {
		return err
	}
	dbs, err := s.deletable(s.path(q))
	if err != nil {
		return err
	}
	for _, db := range dbs {
		if _, err := db.ExecContext(ctx,
			"DELETE FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?",
			q.Level, q.Col, row); err != nil {
			return fmt.Errorf("delete tile %s: %w", q, err)
		}
	}
	return nil
}

func (s *MBTilesStore) DeleteLimits(ctx context.Context, layer, tileMatrixSet string, limits tms.Limits, inverse bool) error {
	start := time.Now()
	set, err := s.sets.Get(tileMatrixSet)
	if err != nil {
		return err
	}
	m, ok := set.Matrix(limits.Level)
	if !ok {
		return nil
	}
	minRow, maxRow := m.Rows-1-limits.MaxRow, m.Rows-1-limits.MinRow
	cond := "tile_row BETWEEN ? AND ? AND tile_column BETWEEN ? AND ?"
	if inverse {
		cond = "NOT (" + cond + ")"
	}
	query := "DELETE FROM tiles WHERE zoom_level = ? AND " + cond

	paths, err := s.containers(layer, tileMatrixSet+"_*")
	if err != nil {
		return err
	}
	for _, p := range paths {
		dbs, err := s.deletable(p)
		if err != nil {
			return err
		}
		for _, db := range dbs {
			if _, err := db.ExecContext(ctx, query, limits.Level, minRow, maxRow, limits.MinCol, limits.MaxCol); err != nil {
				observability.ObserveStoreOp(mbtilesLabel, "delete_limits", err, time.Since(start).Seconds())
				return fmt.Errorf("delete %s level %d in %s: %w", layer, limits.Level, filepath.Base(p), err)
			}
		}
	}
	observability.ObserveStoreOp(mbtilesLabel, "delete_limits", nil, time.Since(start).Seconds())
	return nil
}

func (s *MBTilesStore) Purge(ctx context.Context, layer string) error {
	paths, err := s.containers(layer, "*")
	if err != nil {
		return err
	}
	for _, p := range paths {
		db, err := s.writable(ctx, p)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, "DELETE FROM tiles"); err != nil {
			return fmt.Errorf("purge %s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

// containers lists the container files of a layer matching the name pattern,
// including those that so far exist only as staged copies.
func (s *MBTilesStore) containers(layer, pattern string) ([]string, error) {
	glob := filepath.Join(s.root, layer, pattern+mbtilesExt)
	paths, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("list containers of %s: %w", layer, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for p := range s.staged {
		if ok, _ := filepath.Match(glob, p); ok && !slices.Contains(paths, p) {
			paths = append(paths, p)
		}
	}
	return paths, nil
}

func (s *MBTilesStore) Init(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staging {
		return false, nil
	}
	leftovers, _ := filepath.Glob(filepath.Join(s.root, "*", "*"+mbtilesExt+stagingSuffix))
	for _, p := range leftovers {
		_ = os.Remove(p)
	}
	s.staging = true
	return true, nil
}

func (s *MBTilesStore) InProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.staging
}

// Promote renames every staged copy over its container, moving the previous
// file aside first. On the first failure the renames done so far are undone
// and the session stays open for Abort.
func (s *MBTilesStore) Promote(_ context.Context) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.staging {
		return ErrNotStaging
	}
	err := s.promoteLocked()
	observability.ObserveStoreOp(mbtilesLabel, "promote", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("promote staged containers: %w", err)
	}
	s.staging = false
	return nil
}

func (s *MBTilesStore) promoteLocked() error {
	paths := slices.Sorted(maps.Keys(s.staged))
	for _, path := range paths {
		if db := s.staged[path]; db != nil {
			if err := db.Close(); err != nil {
				return fmt.Errorf("close staged %s: %w", filepath.Base(path), err)
			}
			s.staged[path] = nil
		}
	}

	var done []move
	for _, path := range paths {
		err := s.swap(path, &done)
		if err == nil {
			continue
		}
		if rerr := undo(done); rerr != nil {
			s.log.Error("restore containers after failed promote", slog.Any("err", rerr))
			return errors.Join(err, rerr)
		}
		return err
	}

	// readers may still hold the replaced handles; they are closed in Cleanup
	for _, path := range paths {
		if v, ok := s.open[path]; ok {
			s.retired = append(s.retired, v)
			delete(s.open, path)
		}
		delete(s.staged, path)
	}
	return nil
}

func (s *MBTilesStore) swap(path string, done *[]move) error {
	ok, err := exists(path)
	if err != nil {
		return err
	}
	if ok {
		if err := moveFile(path, path+backupSuffix, done); err != nil {
			return err
		}
	}
	return moveFile(path+stagingSuffix, path, done)
}

// Cleanup closes the handles of replaced containers and removes their files.
func (s *MBTilesStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	retired := s.retired
	s.retired = nil
	s.mu.Unlock()

	var errs []error
	for _, db := range retired {
		errs = append(errs, db.Close())
	}
	for _, suffix := range []string{stagingSuffix, backupSuffix} {
		leftovers, err := filepath.Glob(filepath.Join(s.root, "*", "*"+mbtilesExt+suffix+"*"))
		if err != nil {
			errs = append(errs, fmt.Errorf("list staging leftovers: %w", err))
			continue
		}
		for _, p := range leftovers {
			_ = os.Remove(p)
		}
	}
	return errors.Join(errs...)
}

func (s *MBTilesStore) Abort(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.staging {
		return ErrNotStaging
	}
	var errs []error
	for path, db := range s.staged {
		if db != nil {
			errs = append(errs, db.Close())
		}
		if err := os.Remove(path + stagingSuffix); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
		delete(s.staged, path)
	}
	s.staging = false
	s.log.Warn("staging aborted, staged containers discarded")
	return errors.Join(errs...)
}

func (s *MBTilesStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for p, db := range s.open {
		errs = append(errs, db.Close())
		delete(s.open, p)
	}
	for p, db := range s.staged {
		if db != nil {
			errs = append(errs, db.Close())
		}
		delete(s.staged, p)
	}
	for _, db := range s.retired {
		errs = append(errs, db.Close())
	}
	s.retired = nil
	return errors.Join(errs...)
}
