package seeding

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testJob() Job {
	return Job{
		Layer:   "roads",
		Formats: []tile.MediaType{tile.MVT, tile.PNG},
		Limits: []tms.Limits{
			{TileMatrixSetID: "WebMercatorQuad", Level: 3, MinRow: 2, MaxRow: 3, MinCol: 1, MaxCol: 5},
			{TileMatrixSetID: "WorldCRS84Quad", Level: 1, MinRow: 0, MaxRow: 1, MinCol: 0, MaxCol: 3},
			{TileMatrixSetID: "WebMercatorQuad", Level: 2, MinRow: 1, MaxRow: 1, MinCol: 0, MaxCol: 3},
		},
	}
}

func collect(t *testing.T, w *Walker, p Partial) []string {
	t.Helper()
	var out []string
	err := w.Walk(context.Background(), p, func(_ context.Context, q tile.Query) error {
		out = append(out, fmt.Sprintf("%s/%s/%d/%d/%d", q.MediaType.Extension, q.TileMatrixSet, q.Level, q.Row, q.Col))
		return nil
	})
	if err != nil {
		t.Fatalf("Walk: %v", err)
	}
	return out
}

func TestWalk_Order(t *testing.T) {
	w := NewWalker(Job{
		Layer:   "roads",
		Formats: []tile.MediaType{tile.MVT},
		Limits: []tms.Limits{
			{TileMatrixSetID: "WebMercatorQuad", Level: 1, MinRow: 0, MaxRow: 1, MinCol: 1, MaxCol: 1},
			{TileMatrixSetID: "WebMercatorQuad", Level: 0, MinRow: 0, MaxRow: 0, MinCol: 0, MaxCol: 0},
		},
	})
	want := []string{
		"pbf/WebMercatorQuad/0/0/0",
		"pbf/WebMercatorQuad/1/0/1",
		"pbf/WebMercatorQuad/1/1/1",
	}
	if diff := cmp.Diff(want, collect(t, w, All)); diff != "" {
		t.Fatalf("visit order (-want +got):\n%s", diff)
	}
}

func TestWalk_FormatOutermost(t *testing.T) {
	got := collect(t, NewWalker(testJob()), All)
	half := len(got) / 2
	for i, k := range got {
		wantExt := tile.MVT.Extension
		if i >= half {
			wantExt = tile.PNG.Extension
		}
		if k[:len(wantExt)] != wantExt {
			t.Fatalf("tile %d = %s, want format %s", i, k, wantExt)
		}
	}
	if got[0] != "pbf/WebMercatorQuad/2/1/0" {
		t.Fatalf("first tile = %s", got[0])
	}
}

func TestTotal(t *testing.T) {
	w := NewWalker(testJob())
	// (2*5 + 2*4 + 1*4) tiles per format
	if got := w.Total(All); got != 44 {
		t.Fatalf("Total = %d, want 44", got)
	}
	for n := 1; n <= 7; n++ {
		var sum int64
		for i := range n {
			p := Partial{Index: i, Count: n}
			got := w.Total(p)
			if visited := int64(len(collect(t, w, p))); visited != got {
				t.Fatalf("partial %d/%d: Total = %d, visited %d", i, n, got, visited)
			}
			sum += got
		}
		if sum != 44 {
			t.Fatalf("partials of %d sum to %d", n, sum)
		}
	}
}

func TestPartialsAreDisjoint(t *testing.T) {
	w := NewWalker(testJob())
	all := map[string]bool{}
	for _, k := range collect(t, w, All) {
		all[k] = true
	}
	const n = 3
	seen := map[string]int{}
	var mu sync.Mutex
	err := RunPartials(context.Background(), n, func(ctx context.Context, p Partial) error {
		return w.Walk(ctx, p, func(_ context.Context, q tile.Query) error {
			if q.Col%n != p.Index {
				return fmt.Errorf("partial %d got col %d", p.Index, q.Col)
			}
			mu.Lock()
			seen[fmt.Sprintf("%s/%s/%d/%d/%d", q.MediaType.Extension, q.TileMatrixSet, q.Level, q.Row, q.Col)]++
			mu.Unlock()
			return nil
		})
	})
	if err != nil {
		t.Fatalf("RunPartials: %v", err)
	}
	if len(seen) != len(all) {
		t.Fatalf("partials visited %d distinct tiles, want %d", len(seen), len(all))
	}
	for k, c := range seen {
		if c != 1 || !all[k] {
			t.Fatalf("tile %s visited %d times (known=%v)", k, c, all[k])
		}
	}
}

func TestWalk_StopsOnCancel(t *testing.T) {
	w := NewWalker(testJob())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	visits := 0
	err := w.Walk(ctx, All, func(context.Context, tile.Query) error {
		visits++
		if visits == 5 {
			cancel()
		}
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if visits != 5 {
		t.Fatalf("visited %d tiles after cancel, want 5", visits)
	}
}

func TestRunPartials_FirstErrorCancelsOthers(t *testing.T) {
	w := NewWalker(testJob())
	boom := errors.New("store down")
	err := RunPartials(context.Background(), 4, func(ctx context.Context, p Partial) error {
		return w.Walk(ctx, p, func(ctx context.Context, q tile.Query) error {
			if p.Index == 0 {
				return boom
			}
			<-ctx.Done()
			return ctx.Err()
		})
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}

func TestRun_TaskContext(t *testing.T) {
	w := NewWalker(testJob())
	progress := NewProgress("test", w.Total(All))
	var mu sync.Mutex
	partials := map[int]bool{}
	err := Run(context.Background(), w, 2, TaskContext{Label: "test", Progress: progress},
		func(_ context.Context, tc TaskContext, q tile.Query) error {
			mu.Lock()
			partials[tc.Partial.Index] = true
			mu.Unlock()
			tc.Progress.Advance(q.Layer, Stored)
			return nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(partials) != 2 {
		t.Fatalf("partials = %v", partials)
	}
	if progress.Ratio() != 1 || progress.Count(Stored) != 44 {
		t.Fatalf("progress = %+v", progress.Summary())
	}
}

func TestProgress(t *testing.T) {
	p := NewProgress("empty", 0)
	if p.Ratio() != 1 {
		t.Fatalf("empty run ratio = %v", p.Ratio())
	}
	p = NewProgress("run", 4)
	var calls []int64
	p.OnAdvance(func(done, _ int64) { calls = append(calls, done) })
	p.Advance("roads", Skipped)
	p.Advance("roads", Failed)
	if p.Ratio() != 0.5 || p.Count(Skipped) != 1 || p.Count(Failed) != 1 {
		t.Fatalf("summary = %+v", p.Summary())
	}
	if diff := cmp.Diff([]int64{1, 2}, calls); diff != "" {
		t.Fatalf("callbacks (-want +got):\n%s", diff)
	}
}
