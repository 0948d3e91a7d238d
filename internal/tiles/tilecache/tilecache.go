// Package tilecache seeds, purges and prunes a tile store.
package tilecache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/logger"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/provider"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/seeding"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/store"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// ErrSeedRunning is returned when a run starts while another is in progress.
var ErrSeedRunning = errors.New("seeding already in progress")

// Layer is a layer to seed with the tile matrix sets and levels to cover.
type Layer struct {
	Name       string
	Formats    []tile.MediaType
	Levels     provider.Levels
	Extent     *tms.Extent
	Generation *tile.GenerationParams
}

// SeedRequest parameterizes one seeding run.
type SeedRequest struct {
	Layers []Layer
	// Reseed regenerates tiles the store already has.
	Reseed bool
	// Purge removes the layers' tiles before seeding.
	Purge bool
	Label string
	// MaxParallel is the number of partial tasks.
	MaxParallel int
	// OnProgress, if set, is called after every tile.
	OnProgress func(done, total int64)
}

// Phase of a seeding run reported to an EventSink.
type Phase string

const (
	PhaseStarted  Phase = "started"
	PhaseFinished Phase = "finished"
	PhaseStopped  Phase = "stopped"
	PhaseFailed   Phase = "failed"
)

type RunEvent struct {
	Label   string
	Phase   Phase
	Layers  []string
	Summary seeding.Summary
	Err     string
	At      time.Time
}

// EventSink receives the start and end of every run.
type EventSink interface {
	Publish(ev RunEvent)
}

// TileCache drives seeding runs against one store. Tiles are produced by
// generate, which must not read from the store itself.
type TileCache struct {
	store    store.Store
	generate provider.Resolver
	sets     *tms.Registry
	limits   *tms.LimitsGenerator
	log      *slog.Logger
	events   EventSink
	running  atomic.Bool
}

type Option func(*TileCache)

func WithEvents(s EventSink) Option {
	return func(c *TileCache) { c.events = s }
}

func New(s store.Store, generate provider.Resolver, sets *tms.Registry, limits *tms.LimitsGenerator, log *slog.Logger, opts ...Option) *TileCache {
	if log == nil {
		log = slog.Default()
	}
	c := &TileCache{store: s, generate: generate, sets: sets, limits: limits, log: log}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *TileCache) Store() store.Store { return c.store }

// InProgress reports whether a seeding run is active.
func (c *TileCache) InProgress() bool { return c.running.Load() }

// Jobs resolves the layers into walker jobs, one limits rectangle per non-empty level.
func (c *TileCache) Jobs(layers []Layer) ([]seeding.Job, error) {
	jobs := make([]seeding.Job, 0, len(layers))
	for _, l := range layers {
		job := seeding.Job{Layer: l.Name, Formats: l.Formats, Generation: l.Generation}
		for _, id := range sortedIDs(l.Levels) {
			set, err := c.sets.Get(id)
			if err != nil {
				return nil, fmt.Errorf("layer %s: %w", l.Name, err)
			}
			r := l.Levels[id]
			job.Limits = append(job.Limits, c.limits.Generate(set, l.Extent, r.Min, r.Max)...)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func sortedIDs(levels provider.Levels) []string {
	ids := make([]string, 0, len(levels))
	for id := range levels {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Seed fills the store with every tile of the requested layers. On a staging
// store the run writes to a staged copy that is promoted when the walk ends,
// including when ctx is cancelled, and aborted on a store failure. Per-tile
// generation errors are logged and skipped.
func (c *TileCache) Seed(ctx context.Context, req SeedRequest) (seeding.Summary, error) {
	if !c.running.CompareAndSwap(false, true) {
		return seeding.Summary{}, ErrSeedRunning
	}
	defer c.running.Store(false)

	jobs, err := c.Jobs(req.Layers)
	if err != nil {
		return seeding.Summary{}, err
	}
	walker := seeding.NewWalker(jobs...)
	progress := seeding.NewProgress(req.Label, walker.Total(seeding.All))
	if req.OnProgress != nil {
		progress.OnAdvance(req.OnProgress)
	}
	ctx = logger.WithSeedTask(ctx, req.Label)
	log := c.log
	names := layerNames(req.Layers)

	c.publish(RunEvent{Label: req.Label, Phase: PhaseStarted, Layers: names, Summary: progress.Summary()})
	log.InfoContext(ctx, "seeding started", "layers", names, "tiles", progress.Total(), "reseed", req.Reseed, "partials", max(req.MaxParallel, 1))
	start := time.Now()

	runErr := c.staged(ctx, log, func() error {
		if req.Purge {
			if err := c.Purge(ctx, names); err != nil {
				return err
			}
		}
		tc := seeding.TaskContext{Label: req.Label, Progress: progress, Log: log}
		return seeding.Run(ctx, walker, req.MaxParallel, tc, func(ctx context.Context, tc seeding.TaskContext, q tile.Query) error {
			return c.seedTile(ctx, tc, q, req.Reseed)
		})
	})

	sum := progress.Summary()
	ev := RunEvent{Label: req.Label, Layers: names, Summary: sum}
	attrs := []any{"done", sum.Done, "total", sum.Total, "stored", sum.Stored, "skipped", sum.Skipped,
		"failed", sum.Failed, "duration", time.Since(start)}
	switch {
	case runErr == nil:
		ev.Phase = PhaseFinished
		log.InfoContext(ctx, "seeding finished", attrs...)
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		ev.Phase = PhaseStopped
		ev.Err = runErr.Error()
		log.InfoContext(ctx, "seeding stopped", attrs...)
	default:
		ev.Phase = PhaseFailed
		ev.Err = runErr.Error()
		log.ErrorContext(ctx, "seeding failed", append(attrs, "err", runErr)...)
	}
	c.publish(ev)
	return sum, runErr
}

// staged runs fn inside a staging session when the store supports one.
func (c *TileCache) staged(ctx context.Context, log *slog.Logger, fn func() error) error {
	st, ok := store.CanStage(c.store)
	if !ok {
		return fn()
	}
	started, err := st.Init(ctx)
	if err != nil {
		return fmt.Errorf("init staging: %w", err)
	}
	if !started {
		return store.ErrStagingActive
	}

	runErr := fn()
	if runErr != nil && !isStop(runErr) {
		if err := st.Abort(context.WithoutCancel(ctx)); err != nil {
			log.ErrorContext(ctx, "abort staging", "err", err)
		}
		return runErr
	}
	// a stopped run keeps its partial progress
	pctx := context.WithoutCancel(ctx)
	if err := st.Promote(pctx); err != nil {
		if aerr := st.Abort(pctx); aerr != nil {
			log.ErrorContext(ctx, "abort staging after failed promote", "err", aerr)
		}
		return fmt.Errorf("promote staging: %w", err)
	}
	if err := st.Cleanup(pctx); err != nil {
		log.WarnContext(ctx, "cleanup staging", "err", err)
	}
	return runErr
}

func isStop(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *TileCache) seedTile(ctx context.Context, tc seeding.TaskContext, q tile.Query, reseed bool) error {
	if !reseed {
		has, err := c.store.Has(ctx, q)
		if err != nil {
			return fmt.Errorf("check %s: %w", q, err)
		}
		if has {
			tc.Progress.Advance(q.Layer, seeding.Skipped)
			return nil
		}
	}

	r := c.generate(ctx, q)
	outcome := seeding.Missing
	switch {
	case r.IsError():
		tc.Log.WarnContext(ctx, "tile generation failed",
			"layer", q.Layer, "tms", q.TileMatrixSet, "level", q.Level, "row", q.Row, "col", q.Col,
			"message", r.Message)
		outcome = seeding.Failed
	case r.IsAvailable() && !q.IsTransient():
		if err := c.store.Put(ctx, q, r.Content); err != nil {
			return fmt.Errorf("store %s: %w", q, err)
		}
		outcome = seeding.Stored
	}
	tc.Progress.Advance(q.Layer, outcome)
	return nil
}

// Purge removes all tiles of the layers. Stores without purge support are left untouched.
func (c *TileCache) Purge(ctx context.Context, layers []string) error {
	p, ok := c.store.(store.Purger)
	if !ok {
		return nil
	}
	for _, l := range layers {
		if err := p.Purge(ctx, l); err != nil {
			return fmt.Errorf("purge %s: %w", l, err)
		}
		c.log.Info("purged layer", "layer", l)
	}
	return nil
}

// Prune deletes cached tiles outside the current limits of each layer. Levels
// of a tile matrix set that the layer does not cover are emptied.
func (c *TileCache) Prune(ctx context.Context, layers []Layer) error {
	for _, l := range layers {
		for _, id := range sortedIDs(l.Levels) {
			set, err := c.sets.Get(id)
			if err != nil {
				return fmt.Errorf("layer %s: %w", l.Name, err)
			}
			r := l.Levels[id]
			current := c.limits.Generate(set, l.Extent, r.Min, r.Max)
			for level := set.MinLevel(); level <= set.MaxLevel(); level++ {
				keep, ok := tms.Find(current, level)
				if !ok {
					keep = tms.Limits{TileMatrixSetID: id, Level: level, MinRow: 0, MaxRow: -1, MinCol: 0, MaxCol: -1}
				}
				if err := c.store.DeleteLimits(ctx, l.Name, id, keep, true); err != nil {
					return fmt.Errorf("prune %s %s/%d: %w", l.Name, id, level, err)
				}
			}
		}
	}
	return nil
}

func (c *TileCache) publish(ev RunEvent) {
	if c.events == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c.events.Publish(ev)
}

func layerNames(layers []Layer) []string {
	out := make([]string, len(layers))
	for i, l := range layers {
		out[i] = l.Name
	}
	return out
}
