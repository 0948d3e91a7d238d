package tilecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/provider"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/seeding"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/store"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func query(level, row, col int) tile.Query {
	return tile.NewQuery("roads", tile.Coordinates{TileMatrixSet: tms.WebMercatorQuadID, Level: level, Row: row, Col: col}, tile.MVT)
}

// roads covers levels 0 and 1 of WebMercatorQuad: five tiles.
var roads = Layer{
	Name:    "roads",
	Formats: []tile.MediaType{tile.MVT},
	Levels:  provider.Levels{tms.WebMercatorQuadID: {Min: 0, Max: 1}},
}

type countingGenerator struct {
	calls atomic.Int64
}

func (g *countingGenerator) resolve(_ context.Context, q tile.Query) tile.Result {
	g.calls.Add(1)
	return tile.Found([]byte(q.Coordinates.String()))
}

type recordingSink struct {
	mu     sync.Mutex
	events []RunEvent
}

func (s *recordingSink) Publish(ev RunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) phases() []Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Phase, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Phase
	}
	return out
}

func newFileStore(t *testing.T) *store.FileStore {
	t.Helper()
	s, err := store.NewFileStore(filepath.Join(t.TempDir(), "tiles"), discard)
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func newCache(s store.Store, gen provider.Resolver, opts ...Option) *TileCache {
	return New(s, gen, tms.DefaultRegistry(), tms.NewLimitsGenerator(nil, discard), discard, opts...)
}

func TestSeed_FillsStore(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	gen := &countingGenerator{}
	sink := &recordingSink{}
	c := newCache(s, gen.resolve, WithEvents(sink))

	sum, err := c.Seed(ctx, SeedRequest{Layers: []Layer{roads}, Label: "test", MaxParallel: 2})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if sum.Total != 5 || sum.Done != 5 || sum.Stored != 5 {
		t.Fatalf("summary = %+v", sum)
	}
	r := s.Get(ctx, query(1, 1, 0))
	if r.Status != tile.StatusFound || !bytes.Equal(r.Content, []byte(query(1, 1, 0).Coordinates.String())) {
		t.Fatalf("seeded tile = %v %q", r.Status, r.Content)
	}
	if s.InProgress() || c.InProgress() {
		t.Fatal("staging or run still active after Seed")
	}
	if got := sink.phases(); len(got) != 2 || got[0] != PhaseStarted || got[1] != PhaseFinished {
		t.Fatalf("events = %v", got)
	}
}

func TestSeed_SkipsCachedTilesUnlessReseed(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	if err := s.Put(ctx, query(1, 0, 0), []byte("cached")); err != nil {
		t.Fatal(err)
	}
	gen := &countingGenerator{}
	c := newCache(s, gen.resolve)

	sum, err := c.Seed(ctx, SeedRequest{Layers: []Layer{roads}, MaxParallel: 1})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if gen.calls.Load() != 4 {
		t.Fatalf("generator called %d times, want 4", gen.calls.Load())
	}
	if sum.Done != 5 || sum.Skipped != 1 {
		t.Fatalf("skipped tile must still count as progress: %+v", sum)
	}
	if r := s.Get(ctx, query(1, 0, 0)); string(r.Content) != "cached" {
		t.Fatalf("cached tile overwritten: %q", r.Content)
	}

	gen.calls.Store(0)
	if _, err := c.Seed(ctx, SeedRequest{Layers: []Layer{roads}, Reseed: true}); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if gen.calls.Load() != 5 {
		t.Fatalf("reseed generated %d tiles, want 5", gen.calls.Load())
	}
	if r := s.Get(ctx, query(1, 0, 0)); string(r.Content) == "cached" {
		t.Fatal("reseed kept the old tile")
	}
}

func TestSeed_GenerationErrorsAreSkipped(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	gen := func(_ context.Context, q tile.Query) tile.Result {
		switch {
		case q.Level == 1 && q.Row == 0 && q.Col == 1:
			return tile.Errorf("wfs timeout")
		case q.Level == 1 && q.Row == 1 && q.Col == 1:
			return tile.NotFound()
		}
		return tile.Found([]byte("x"))
	}
	sum, err := newCache(s, gen).Seed(ctx, SeedRequest{Layers: []Layer{roads}})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if sum.Failed != 1 || sum.Missing != 1 || sum.Stored != 3 || sum.Done != 5 {
		t.Fatalf("summary = %+v", sum)
	}
	if ok, _ := s.Has(ctx, query(1, 0, 1)); ok {
		t.Fatal("failed tile was stored")
	}
}

func TestSeedTile_TransientQueriesAreNotStored(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	gen := func(context.Context, tile.Query) tile.Result { return tile.Found([]byte("x")) }
	c := newCache(s, gen)
	progress := seeding.NewProgress("transient", 1)
	tc := seeding.TaskContext{Progress: progress, Log: discard}

	q := query(0, 0, 0).WithTransient(&tile.TransientParams{Filter: "a=1"})
	if err := c.seedTile(ctx, tc, q, true); err != nil {
		t.Fatalf("seedTile: %v", err)
	}
	if ok, _ := s.Has(ctx, query(0, 0, 0)); ok {
		t.Fatal("transient tile was stored")
	}
	if progress.Done() != 1 || progress.Count(seeding.Missing) != 1 {
		t.Fatalf("summary = %+v", progress.Summary())
	}
}

// failingStore fails every Put after the first failAfter.
type failingStore struct {
	*store.FileStore
	failAfter int64
	puts      atomic.Int64
}

func (s *failingStore) Put(ctx context.Context, q tile.Query, content []byte) error {
	if s.puts.Add(1) > s.failAfter {
		return errors.New("disk full")
	}
	return s.FileStore.Put(ctx, q, content)
}

func TestSeed_StoreFailureAbortsStaging(t *testing.T) {
	ctx := context.Background()
	fs := newFileStore(t)
	if err := fs.Put(ctx, query(1, 1, 1), []byte("before")); err != nil {
		t.Fatal(err)
	}
	s := &failingStore{FileStore: fs, failAfter: 2}
	gen := &countingGenerator{}
	sink := &recordingSink{}
	c := newCache(s, gen.resolve, WithEvents(sink))

	_, err := c.Seed(ctx, SeedRequest{Layers: []Layer{roads}, Reseed: true, MaxParallel: 1})
	if err == nil {
		t.Fatal("Seed succeeded despite store failure")
	}
	if fs.InProgress() {
		t.Fatal("staging session left open")
	}
	for _, q := range []tile.Query{query(0, 0, 0), query(1, 0, 0)} {
		if r := fs.Get(ctx, q); !r.IsNotFound() {
			t.Fatalf("staged tile %s visible after abort: %v", q, r.Status)
		}
	}
	if r := fs.Get(ctx, query(1, 1, 1)); string(r.Content) != "before" {
		t.Fatalf("pre-session tile changed: %v %q", r.Status, r.Content)
	}
	if got := sink.phases(); got[len(got)-1] != PhaseFailed {
		t.Fatalf("events = %v", got)
	}
}

func TestSeed_CancelKeepsProgress(t *testing.T) {
	s := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var calls atomic.Int64
	gen := func(_ context.Context, q tile.Query) tile.Result {
		if calls.Add(1) == 3 {
			cancel()
		}
		return tile.Found([]byte("x"))
	}

	sum, err := newCache(s, gen).Seed(ctx, SeedRequest{Layers: []Layer{roads}, MaxParallel: 1})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if sum.Done != 3 || sum.Total != 5 {
		t.Fatalf("summary = %+v", sum)
	}
	bg := context.Background()
	if r := s.Get(bg, query(0, 0, 0)); r.Status != tile.StatusFound {
		t.Fatalf("work done before cancel was not published: %v", r.Status)
	}
	if s.InProgress() {
		t.Fatal("staging session left open")
	}
}

func TestSeed_RejectsConcurrentRuns(t *testing.T) {
	s := newFileStore(t)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	gen := func(context.Context, tile.Query) tile.Result {
		once.Do(func() {
			close(started)
			<-release
		})
		return tile.Found([]byte("x"))
	}
	c := newCache(s, gen)

	done := make(chan error, 1)
	go func() {
		_, err := c.Seed(context.Background(), SeedRequest{Layers: []Layer{roads}})
		done <- err
	}()
	<-started
	if !c.InProgress() {
		t.Fatal("InProgress = false during a run")
	}
	if _, err := c.Seed(context.Background(), SeedRequest{Layers: []Layer{roads}}); !errors.Is(err, ErrSeedRunning) {
		t.Fatalf("second Seed err = %v", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first Seed: %v", err)
	}
}

func TestSeed_PurgeFirst(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	stale := tile.NewQuery("roads", tile.Coordinates{TileMatrixSet: tms.WebMercatorQuadID, Level: 5, Row: 3, Col: 3}, tile.MVT)
	if err := s.Put(ctx, stale, []byte("old")); err != nil {
		t.Fatal(err)
	}
	gen := &countingGenerator{}
	if _, err := newCache(s, gen.resolve).Seed(ctx, SeedRequest{Layers: []Layer{roads}, Purge: true}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if r := s.Get(ctx, stale); !r.IsNotFound() {
		t.Fatalf("purged tile still served: %v", r.Status)
	}
	if r := s.Get(ctx, query(0, 0, 0)); r.Status != tile.StatusFound {
		t.Fatalf("seeded tile = %v", r.Status)
	}
}

func TestPrune(t *testing.T) {
	ctx := context.Background()
	s := newFileStore(t)
	for _, q := range []tile.Query{query(0, 0, 0), query(1, 0, 0), query(1, 1, 0), query(1, 0, 1), query(2, 3, 0)} {
		if err := s.Put(ctx, q, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	// lower-left quadrant in web mercator
	l := roads
	l.Extent = &tms.Extent{CRS: tms.CRSWebMercator, Bound: orb.Bound{
		Min: orb.Point{-20037508.342789244, -20037508.342789244},
		Max: orb.Point{-1000, -1000},
	}}
	if err := newCache(s, nil).Prune(ctx, []Layer{l}); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	cases := []struct {
		q    tile.Query
		keep bool
	}{
		{query(0, 0, 0), true},
		{query(1, 1, 0), true},
		{query(1, 0, 0), false},
		{query(1, 0, 1), false},
		{query(2, 3, 0), false},
	}
	for _, c := range cases {
		ok, err := s.Has(ctx, c.q)
		if err != nil {
			t.Fatal(err)
		}
		if ok != c.keep {
			t.Errorf("%s present = %v, want %v", c.q, ok, c.keep)
		}
	}
}
