package tms

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
)

// Limits is the inclusive row/col rectangle a dataset occupies at one level.
type Limits struct {
	TileMatrixSetID string
	Level           int
	MinRow          int
	MaxRow          int
	MinCol          int
	MaxCol          int
}

func (l Limits) Contains(row, col int) bool {
	return row >= l.MinRow && row <= l.MaxRow && col >= l.MinCol && col <= l.MaxCol
}

func (l Limits) Rows() int { return l.MaxRow - l.MinRow + 1 }
func (l Limits) Cols() int { return l.MaxCol - l.MinCol + 1 }

func (l Limits) Count() int64 { return int64(l.Rows()) * int64(l.Cols()) }

func (l Limits) String() string {
	return fmt.Sprintf("%s/%d rows[%d..%d] cols[%d..%d]", l.TileMatrixSetID, l.Level, l.MinRow, l.MaxRow, l.MinCol, l.MaxCol)
}

// Find returns the limits for level, if any.
func Find(limits []Limits, level int) (Limits, bool) {
	for _, l := range limits {
		if l.Level == level {
			return l, true
		}
	}
	return Limits{}, false
}

// Extent is a bounding box tagged with its CRS.
type Extent struct {
	Bound orb.Bound
	CRS   string
}

const limitsEpsilon = 1e-6

// LimitsGenerator converts a dataset extent into per-level limits.
type LimitsGenerator struct {
	transformer Transformer
	log         *slog.Logger
}

func NewLimitsGenerator(t Transformer, log *slog.Logger) *LimitsGenerator {
	if t == nil {
		t = OrbTransformer{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &LimitsGenerator{transformer: t, log: log}
}

// Generate returns the limits for levels in [minLevel,maxLevel] clamped to the set.
// Levels whose rectangle would be empty are omitted. When extent is nil or cannot be
// transformed, the set's own bounding box is used.
func (g *LimitsGenerator) Generate(set *TileMatrixSet, extent *Extent, minLevel, maxLevel int) []Limits {
	b := g.sourceBound(set, extent)
	minLevel = max(minLevel, set.MinLevel())
	maxLevel = min(maxLevel, set.MaxLevel())

	var out []Limits
	for level := minLevel; level <= maxLevel; level++ {
		m, _ := set.Matrix(level)
		if l, ok := limitsFor(set.ID, m, b); ok {
			out = append(out, l)
		}
	}
	return out
}

func (g *LimitsGenerator) sourceBound(set *TileMatrixSet, extent *Extent) orb.Bound {
	if extent == nil {
		g.log.Warn("no dataset extent, tile limits fall back to tile matrix set bounds",
			slog.String("tile_matrix_set", set.ID))
		return set.BoundingBox
	}
	b, err := g.transformer.Transform(extent.Bound, extent.CRS, set.CRS)
	if err != nil {
		g.log.Warn("extent transform failed, tile limits fall back to tile matrix set bounds",
			slog.String("tile_matrix_set", set.ID),
			slog.String("from_crs", extent.CRS),
			slog.Any("err", err))
		return set.BoundingBox
	}
	return b
}

func limitsFor(setID string, m TileMatrix, b orb.Bound) (Limits, bool) {
	ext := m.Extent()
	minX := math.Max(b.Min.X(), ext.Min.X())
	maxX := math.Min(b.Max.X(), ext.Max.X())
	minY := math.Max(b.Min.Y(), ext.Min.Y())
	maxY := math.Min(b.Max.Y(), ext.Max.Y())
	if minX >= maxX || minY >= maxY {
		return Limits{}, false
	}
	sx, sy := m.spanX(), m.spanY()
	l := Limits{
		TileMatrixSetID: setID,
		Level:           m.Level,
		MinCol:          int(math.Floor((minX-m.TopLeft.X())/sx + limitsEpsilon)),
		MaxCol:          int(math.Ceil((maxX-m.TopLeft.X())/sx-limitsEpsilon)) - 1,
		MinRow:          int(math.Floor((m.TopLeft.Y()-maxY)/sy + limitsEpsilon)),
		MaxRow:          int(math.Ceil((m.TopLeft.Y()-minY)/sy-limitsEpsilon)) - 1,
	}
	l.MinCol, l.MaxCol = max(l.MinCol, 0), min(l.MaxCol, m.Cols-1)
	l.MinRow, l.MaxRow = max(l.MinRow, 0), min(l.MaxRow, m.Rows-1)
	if l.MinCol > l.MaxCol || l.MinRow > l.MaxRow {
		return Limits{}, false
	}
	return l, true
}
