// Package provider resolves tile queries through an ordered chain of links.
package provider

import (
	"context"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
)

// Link is one stage of a Chain.
type Link interface {
	Name() string
	// CanProvide reports whether the link serves q at all.
	CanProvide(q tile.Query) bool
	GetTile(ctx context.Context, q tile.Query) tile.Result
	// ProcessDelegateResult sees what later links produced for a query this link
	// could provide but did not have.
	ProcessDelegateResult(ctx context.Context, q tile.Query, r tile.Result) tile.Result
}

// Resolver answers a tile query.
type Resolver func(ctx context.Context, q tile.Query) tile.Result

// LevelRange is an inclusive range of levels.
type LevelRange struct {
	Min int
	Max int
}

// Levels maps tile matrix set ids to the levels a link serves.
// A nil map serves every level of every tile matrix set.
type Levels map[string]LevelRange

func (l Levels) Contains(tileMatrixSet string, level int) bool {
	if l == nil {
		return true
	}
	r, ok := l[tileMatrixSet]
	return ok && level >= r.Min && level <= r.Max
}

// Chain tries its links in order. A link that reports NotFound hands the query
// to the rest of the chain.
type Chain struct {
	links []Link
}

func NewChain(links ...Link) *Chain {
	return &Chain{links: links}
}

func (c *Chain) Links() []Link { return c.links }

// Without returns the chain minus the links with the given names.
func (c *Chain) Without(names ...string) *Chain {
	out := make([]Link, 0, len(c.links))
next:
	for _, l := range c.links {
		for _, n := range names {
			if l.Name() == n {
				continue next
			}
		}
		out = append(out, l)
	}
	return &Chain{links: out}
}

func (c *Chain) Get(ctx context.Context, q tile.Query) tile.Result {
	return c.get(ctx, 0, q)
}

func (c *Chain) Resolver() Resolver { return c.Get }

func (c *Chain) get(ctx context.Context, i int, q tile.Query) tile.Result {
	if i >= len(c.links) {
		return tile.NotFound()
	}
	link := c.links[i]
	can := link.CanProvide(q)

	local := tile.NotFound()
	if can {
		local = link.GetTile(ctx, q)
		observability.ObserveTileResult(link.Name(), local.Status.String())
	}
	if !local.IsNotFound() || i+1 >= len(c.links) {
		return local
	}

	r := c.get(ctx, i+1, q)
	if can {
		r = link.ProcessDelegateResult(ctx, q, r)
	}
	return r
}
