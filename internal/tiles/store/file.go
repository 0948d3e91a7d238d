package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

const plainLabel = "plain"

// FileStore keeps one file per tile under root/<layer>/<tms>/<level>/<row>/<col>.<ext>.
//
// While a staging session is active, writes land in a sibling directory and
// purges are recorded; Get keeps serving the visible tree and Has reports the
// content that Promote will publish. Single-tile and range deletes apply to
// both trees at once.
type FileStore struct {
	root string
	log  *slog.Logger

	mu    sync.RWMutex
	stage *fileStage
	stale []string
}

type fileStage struct {
	dir    string
	purged []func(key string) bool
}

func (s *fileStage) isPurged(key string) bool {
	for _, m := range s.purged {
		if m(key) {
			return true
		}
	}
	return false
}

func NewFileStore(root string, log *slog.Logger) (*FileStore, error) {
	if root == "" {
		return nil, errors.New("file store root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store root: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &FileStore{root: filepath.Clean(root), log: log}, nil
}

func (s *FileStore) stagingDir() string { return s.root + ".staging" }
func (s *FileStore) backupDir() string { return s.root + ".backup" }

func (s *FileStore) file(dir string, key string) string {
	return filepath.Join(dir, filepath.FromSlash(key))
}

func (s *FileStore) Has(_ context.Context, q tile.Query) (bool, error) {
	key := Key(q)
	s.mu.RLock()
	st := s.stage
	s.mu.RUnlock()
	if st != nil {
		ok, err := exists(s.file(st.dir, key))
		if err != nil || ok {
			return ok, err
		}
		if st.isPurged(key) {
			return false, nil
		}
	}
	return exists(s.file(s.root, key))
}

func (s *FileStore) Get(_ context.Context, q tile.Query) tile.Result {
	start := time.Now()
	b, err := os.ReadFile(s.file(s.root, Key(q)))
	if errors.Is(err, fs.ErrNotExist) {
		observability.ObserveStoreOp(plainLabel, "get", nil, time.Since(start).Seconds())
		return tile.NotFound()
	}
	observability.ObserveStoreOp(plainLabel, "get", err, time.Since(start).Seconds())
	if err != nil {
		return tile.Errorf("read tile %s: %v", q, err)
	}
	if len(b) == 0 {
		return tile.Empty(b)
	}
	return tile.Found(b)
}

func (s *FileStore) IsEmpty(_ context.Context, q tile.Query) (bool, bool, error) {
	fi, err := os.Stat(s.file(s.root, Key(q)))
	if errors.Is(err, fs.ErrNotExist) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("stat tile %s: %w", q, err)
	}
	return fi.Size() == 0, true, nil
}

func (s *FileStore) Put(_ context.Context, q tile.Query, content []byte) error {
	start := time.Now()
	dir := s.root
	s.mu.RLock()
	if s.stage != nil {
		dir = s.stage.dir
	}
	s.mu.RUnlock()
	err := writeAtomic(s.file(dir, Key(q)), content)
	observability.ObserveStoreOp(plainLabel, "put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("put tile %s: %w", q, err)
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, q tile.Query) error {
	key := Key(q)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != nil {
		if err := removeFile(s.file(s.stage.dir, key)); err != nil {
			return err
		}
	}
	return removeFile(s.file(s.root, key))
}

func (s *FileStore) DeleteLimits(ctx context.Context, layer, tileMatrixSet string, limits tms.Limits, inverse bool) error {
	start := time.Now()
	match := func(key string) bool { return IsInsideBounds(key, layer, tileMatrixSet, limits, inverse) }
	levelDir := filepath.Join(layer, tileMatrixSet, strconv.Itoa(limits.Level))

	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := deleteMatching(ctx, s.root, levelDir, match)
	if err == nil && s.stage != nil {
		var staged int
		staged, err = deleteMatching(ctx, s.stage.dir, levelDir, match)
		n += staged
	}
	observability.ObserveStoreOp(plainLabel, "delete_limits", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("delete %s/%s level %d: %w", layer, tileMatrixSet, limits.Level, err)
	}
	s.log.Debug("deleted tiles", slog.String("layer", layer), slog.String("limits", limits.String()),
		slog.Bool("inverse", inverse), slog.Int("count", n))
	return nil
}

func (s *FileStore) Purge(_ context.Context, layer string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := s.root
	if s.stage != nil {
		dir = s.stage.dir
		prefix := layer + "/"
		s.stage.purged = append(s.stage.purged, func(k string) bool { return strings.HasPrefix(k, prefix) })
	}
	if err := os.RemoveAll(filepath.Join(dir, layer)); err != nil {
		return fmt.Errorf("purge layer %s: %w", layer, err)
	}
	return nil
}

func (s *FileStore) Init(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage != nil {
		return false, nil
	}
	dir := s.stagingDir()
	// leftovers from an interrupted session were never published
	for _, d := range []string{dir, s.backupDir()} {
		if err := os.RemoveAll(d); err != nil {
			return false, fmt.Errorf("clear %s: %w", d, err)
		}
	}
	s.stale = nil
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return false, fmt.Errorf("create staging dir: %w", err)
	}
	s.stage = &fileStage{dir: dir}
	return true, nil
}

func (s *FileStore) InProgress() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stage != nil
}

// Promote publishes the staged tree. Visible files that are purged or replaced
// are first moved to a backup directory; when any step fails the moves are
// undone, the session stays open for Abort and the visible tree is unchanged.
func (s *FileStore) Promote(ctx context.Context) error {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == nil {
		return ErrNotStaging
	}
	st := s.stage
	err := s.promote(ctx, st)
	observability.ObserveStoreOp(plainLabel, "promote", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("promote staged tiles: %w", err)
	}
	s.stage = nil
	s.stale = append(s.stale, st.dir, s.backupDir())
	return nil
}

// move is one rename done by promote, undone by renaming to back to from.
type move struct{ from, to string }

func (s *FileStore) promote(ctx context.Context, st *fileStage) error {
	backup := s.backupDir()
	if err := os.RemoveAll(backup); err != nil {
		return err
	}
	var done []move
	moved, err := s.publish(ctx, st, backup, &done)
	if err != nil {
		if rerr := undo(done); rerr != nil {
			s.log.Error("restore visible tiles after failed promote", slog.Any("err", rerr), slog.String("backup", backup))
			return errors.Join(err, rerr)
		}
		_ = os.RemoveAll(backup)
		return err
	}
	s.log.Info("staged tiles promoted", slog.Int("tiles", moved))
	return nil
}

func (s *FileStore) publish(ctx context.Context, st *fileStage, backup string, done *[]move) (int, error) {
	if len(st.purged) > 0 {
		err := filepath.WalkDir(s.root, func(p string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(s.root, p)
			if err != nil {
				return err
			}
			if !st.isPurged(filepath.ToSlash(rel)) {
				return nil
			}
			return moveFile(p, filepath.Join(backup, rel), done)
		})
		if err != nil {
			return 0, err
		}
	}

	moved := 0
	err := filepath.WalkDir(st.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(st.dir, p)
		if err != nil {
			return err
		}
		dst := filepath.Join(s.root, rel)
		fi, err := os.Lstat(dst)
		switch {
		case err == nil && fi.IsDir():
			return fmt.Errorf("%s is a directory", dst)
		case err == nil:
			if err := moveFile(dst, filepath.Join(backup, rel), done); err != nil {
				return err
			}
		case !errors.Is(err, fs.ErrNotExist):
			return err
		}
		moved++
		return moveFile(p, dst, done)
	})
	return moved, err
}

func moveFile(from, to string, done *[]move) error {
	if err := os.MkdirAll(filepath.Dir(to), 0o755); err != nil {
		return err
	}
	if err := os.Rename(from, to); err != nil {
		return err
	}
	*done = append(*done, move{from: from, to: to})
	return nil
}

func undo(done []move) error {
	var errs []error
	for i := len(done) - 1; i >= 0; i-- {
		m := done[i]
		if err := os.MkdirAll(filepath.Dir(m.from), 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Rename(m.to, m.from); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Cleanup removes the published staging directory and the backup of the
// replaced tiles.
func (s *FileStore) Cleanup(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, dir := range s.stale {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, fmt.Errorf("remove %s: %w", dir, err))
		}
	}
	s.stale = nil
	return errors.Join(errs...)
}

func (s *FileStore) Abort(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stage == nil {
		return ErrNotStaging
	}
	dir := s.stage.dir
	s.stage = nil
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("discard staged tiles: %w", err)
	}
	s.log.Warn("staging aborted, staged tiles discarded")
	return nil
}

func deleteMatching(ctx context.Context, root, sub string, match func(key string) bool) (int, error) {
	n := 0
	err := filepath.WalkDir(filepath.Join(root, sub), func(p string, d fs.DirEntry, err error) error {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil || d.IsDir() {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if !match(filepath.ToSlash(rel)) {
			return nil
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		n++
		return nil
	})
	return n, err
}

func writeAtomic(dst string, content []byte) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".tile-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

func removeFile(p string) error {
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete tile: %w", err)
	}
	return nil
}

func exists(p string) (bool, error) {
	_, err := os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}
