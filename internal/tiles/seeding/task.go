package seeding

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
)

// TaskContext describes the partial task a visit runs in.
type TaskContext struct {
	Label    string
	Partial  Partial
	Progress *Progress
	Log      *slog.Logger
}

// Stopped reports whether the run was cancelled.
func (TaskContext) Stopped(ctx context.Context) bool {
	return ctx.Err() != nil
}

// RunPartials runs fn for partials 0..n-1 concurrently. The first error
// cancels the context passed to the remaining partials and is returned.
func RunPartials(ctx context.Context, n int, fn func(ctx context.Context, p Partial) error) error {
	if n < 1 {
		n = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for i := range n {
		p := Partial{Index: i, Count: n}
		g.Go(func() error { return fn(gctx, p) })
	}
	return g.Wait()
}

// Run walks w with n partials, handing each tile to visit together with its task context.
func Run(ctx context.Context, w *Walker, n int, tc TaskContext, visit func(ctx context.Context, tc TaskContext, q tile.Query) error) error {
	return RunPartials(ctx, n, func(ctx context.Context, p Partial) error {
		ptc := tc
		ptc.Partial = p
		if ptc.Log != nil {
			ptc.Log = ptc.Log.With("partial", p.Index, "partials", p.Count)
		}
		return w.Walk(ctx, p, func(ctx context.Context, q tile.Query) error {
			return visit(ctx, ptc, q)
		})
	})
}
