// Package seeding enumerates the tiles of a seeding run and executes them as
// column-partitioned parallel tasks.
package seeding

import (
	"context"
	"slices"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// Job is the tile range of one layer: every format crossed with every limits rectangle.
type Job struct {
	Layer      string
	Formats    []tile.MediaType
	Limits     []tms.Limits
	Generation *tile.GenerationParams
}

// Partial selects the columns with col % Count == Index. A Count below two selects every column.
type Partial struct {
	Index int
	Count int
}

// All selects every tile.
var All = Partial{}

func (p Partial) Contains(col int) bool {
	if p.Count < 2 {
		return true
	}
	return col%p.Count == p.Index
}

// cols counts the selected columns in [minCol, maxCol].
func (p Partial) cols(minCol, maxCol int) int64 {
	if maxCol < minCol {
		return 0
	}
	if p.Count < 2 {
		return int64(maxCol - minCol + 1)
	}
	upTo := func(x int) int64 {
		if x < p.Index {
			return 0
		}
		return int64((x-p.Index)/p.Count) + 1
	}
	return upTo(maxCol) - upTo(minCol-1)
}

// Visit handles one tile. A returned error stops the walk.
type Visit func(ctx context.Context, q tile.Query) error

// Walker visits jobs in a fixed order: layer, format, tile matrix set, level, row, col.
type Walker struct {
	jobs []Job
}

func NewWalker(jobs ...Job) *Walker {
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		j.Limits = ordered(j.Limits)
		out = append(out, j)
	}
	return &Walker{jobs: out}
}

// ordered groups limits by tile matrix set in order of first appearance, then sorts by level.
func ordered(limits []tms.Limits) []tms.Limits {
	rank := map[string]int{}
	for _, l := range limits {
		if _, ok := rank[l.TileMatrixSetID]; !ok {
			rank[l.TileMatrixSetID] = len(rank)
		}
	}
	out := slices.Clone(limits)
	slices.SortStableFunc(out, func(a, b tms.Limits) int {
		if d := rank[a.TileMatrixSetID] - rank[b.TileMatrixSetID]; d != 0 {
			return d
		}
		return a.Level - b.Level
	})
	return out
}

func (w *Walker) Jobs() []Job { return w.jobs }

// Total is the number of tiles the partial visits.
func (w *Walker) Total(p Partial) int64 {
	var n int64
	for _, j := range w.jobs {
		var perFormat int64
		for _, l := range j.Limits {
			if l.Rows() <= 0 {
				continue
			}
			perFormat += int64(l.Rows()) * p.cols(l.MinCol, l.MaxCol)
		}
		n += perFormat * int64(len(j.Formats))
	}
	return n
}

// Walk calls visit for every tile of the partial. It checks ctx before each
// tile and returns ctx.Err() once the context is done.
func (w *Walker) Walk(ctx context.Context, p Partial, visit Visit) error {
	for _, j := range w.jobs {
		for _, mt := range j.Formats {
			for _, l := range j.Limits {
				for row := l.MinRow; row <= l.MaxRow; row++ {
					for col := l.MinCol; col <= l.MaxCol; col++ {
						if !p.Contains(col) {
							continue
						}
						if err := ctx.Err(); err != nil {
							return err
						}
						q := tile.NewQuery(j.Layer, tile.Coordinates{
							TileMatrixSet: l.TileMatrixSetID,
							Level:         l.Level,
							Row:           row,
							Col:           col,
						}, mt)
						q.Generation = j.Generation
						if err := visit(ctx, q); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}
