package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sync"

	"github.com/google/subcommands"
	"github.com/schollz/progressbar/v3"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/service"
)

type seedCmd struct {
	common
	reseed   bool
	purge    bool
	parallel int
	quiet    bool
}

func (*seedCmd) Name() string     { return "seed" }
func (*seedCmd) Synopsis() string { return "fill tile caches" }
func (*seedCmd) Usage() string {
	return "tileseed seed [-config <path>] [-providers a,b] [-reseed] [-purge] [-parallel n]\n"
}

func (c *seedCmd) SetFlags(f *flag.FlagSet) {
	c.setFlags(f)
	f.BoolVar(&c.reseed, "reseed", false, "regenerate tiles that are already cached")
	f.BoolVar(&c.purge, "purge", false, "empty the cache before seeding")
	f.IntVar(&c.parallel, "parallel", 0, "partial tasks per run (default: provider max_threads)")
	f.BoolVar(&c.quiet, "quiet", false, "no progress bar")
}

func (c *seedCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	e, err := c.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tileseed: %v\n", err)
		return subcommands.ExitFailure
	}
	defer e.closer()

	status := subcommands.ExitSuccess
	for _, id := range e.ids {
		opts := service.SeedOptions{Reseed: c.reseed, Purge: c.purge, MaxParallel: c.parallel, Label: id + "/cli"}
		var bar *progressBar
		if !c.quiet {
			bar = &progressBar{desc: id}
			opts.OnProgress = bar.update
		}
		sum, err := e.svc.Seed(ctx, id, opts)
		bar.finish()
		switch {
		case errors.Is(err, service.ErrSeedingDisabled):
			e.log.Info("provider skipped", "provider", id, "reason", err)
			continue
		case errors.Is(err, context.Canceled):
			e.log.Warn("seeding interrupted", "provider", id, "done", sum.Done, "total", sum.Total)
			return subcommands.ExitFailure
		case err != nil:
			e.log.Error("seeding failed", "provider", id, "err", err)
			status = subcommands.ExitFailure
			continue
		}
		e.log.Info("seeding finished", "provider", id, "total", sum.Total, "stored", sum.Stored,
			"skipped", sum.Skipped, "missing", sum.Missing, "failed", sum.Failed)
	}
	return status
}

// progressBar creates the bar on the first update, once the total is known.
type progressBar struct {
	desc string
	once sync.Once
	bar  *progressbar.ProgressBar
}

func (p *progressBar) update(done, total int64) {
	p.once.Do(func() {
		p.bar = progressbar.NewOptions64(total,
			progressbar.OptionSetDescription(p.desc),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetWidth(25))
	})
	_ = p.bar.Set64(done)
}

func (p *progressBar) finish() {
	if p == nil || p.bar == nil {
		return
	}
	_ = p.bar.Finish()
	fmt.Fprintln(os.Stderr)
}

type purgeCmd struct {
	common
}

func (*purgeCmd) Name() string     { return "purge" }
func (*purgeCmd) Synopsis() string { return "delete every cached tile of the providers" }
func (*purgeCmd) Usage() string {
	return "tileseed purge [-config <path>] [-providers a,b]\n"
}
func (c *purgeCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *purgeCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return c.each(ctx, "purged", func(ctx context.Context, svc *service.Service, id string) error {
		return svc.Purge(ctx, id)
	})
}

type pruneCmd struct {
	common
}

func (*pruneCmd) Name() string     { return "prune" }
func (*pruneCmd) Synopsis() string { return "delete cached tiles outside the configured limits" }
func (*pruneCmd) Usage() string {
	return "tileseed prune [-config <path>] [-providers a,b]\n"
}
func (c *pruneCmd) SetFlags(f *flag.FlagSet) { c.setFlags(f) }

func (c *pruneCmd) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	return c.each(ctx, "pruned", func(ctx context.Context, svc *service.Service, id string) error {
		return svc.Prune(ctx, id)
	})
}

func (c *common) each(ctx context.Context, verb string, fn func(context.Context, *service.Service, string) error) subcommands.ExitStatus {
	e, err := c.open(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tileseed: %v\n", err)
		return subcommands.ExitFailure
	}
	defer e.closer()

	status := subcommands.ExitSuccess
	for _, id := range e.ids {
		if err := fn(ctx, e.svc, id); err != nil {
			e.log.Error("cache operation failed", "provider", id, "op", verb, "err", err)
			status = subcommands.ExitFailure
			continue
		}
		e.log.Info("cache "+verb, "provider", id)
	}
	return status
}
