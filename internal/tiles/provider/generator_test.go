package provider

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
)

func TestGeneratorLink_SharesConcurrentGeneration(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	gen := GeneratorFunc(func(context.Context, tile.Query) tile.Result {
		calls.Add(1)
		<-release
		return tile.Found([]byte("x"))
	})
	link := NewGeneratorLink(gen, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r := link.GetTile(context.Background(), query(4, 1, 1)); r.Status != tile.StatusFound {
				t.Errorf("status = %v", r.Status)
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Fatalf("generator ran %d times, want 1", n)
	}
}

func TestGeneratorLink_TransientNotShared(t *testing.T) {
	var calls atomic.Int64
	link := NewGeneratorLink(GeneratorFunc(func(context.Context, tile.Query) tile.Result {
		calls.Add(1)
		return tile.Empty(nil)
	}), nil)
	q := query(4, 1, 1).WithTransient(&tile.TransientParams{Limit: 5})
	link.GetTile(context.Background(), q)
	link.GetTile(context.Background(), q)
	if calls.Load() != 2 {
		t.Fatalf("calls = %d", calls.Load())
	}
}

func TestGeneratorLink_CancelledCallerDoesNotFailOthers(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	gen := GeneratorFunc(func(ctx context.Context, _ tile.Query) tile.Result {
		close(started)
		<-release
		if err := ctx.Err(); err != nil {
			return tile.Errorf("generation cancelled: %v", err)
		}
		return tile.Found([]byte("x"))
	})
	link := NewGeneratorLink(gen, nil)

	first, cancel := context.WithCancel(context.Background())
	firstDone := make(chan tile.Result, 1)
	go func() { firstDone <- link.GetTile(first, query(4, 1, 1)) }()
	<-started

	secondDone := make(chan tile.Result, 1)
	go func() { secondDone <- link.GetTile(context.Background(), query(4, 1, 1)) }()
	time.Sleep(20 * time.Millisecond)

	cancel()
	if r := <-firstDone; !r.IsError() {
		t.Fatalf("cancelled caller = %v, want error", r.Status)
	}
	close(release)
	if r := <-secondDone; r.Status != tile.StatusFound {
		t.Fatalf("waiting caller = %v %q", r.Status, r.Message)
	}
}
