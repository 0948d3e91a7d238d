// Package tms models OGC tile matrix sets and the row/col limits of a dataset inside them.
package tms

import (
	"errors"
	"fmt"
	"sort"

	"github.com/paulmach/orb"
)

var ErrUnknownTileMatrixSet = errors.New("unknown tile matrix set")

// TileMatrix is one level of a tile matrix set. The origin is the top-left corner.
type TileMatrix struct {
	Level            int
	Cols             int
	Rows             int
	ScaleDenominator float64
	CellSize         float64
	TopLeft          orb.Point
	TileWidth        int
	TileHeight       int
}

func (m TileMatrix) spanX() float64 { return float64(m.TileWidth) * m.CellSize }
func (m TileMatrix) spanY() float64 { return float64(m.TileHeight) * m.CellSize }

// Extent is the area covered by all tiles of the matrix.
func (m TileMatrix) Extent() orb.Bound {
	return orb.Bound{
		Min: orb.Point{m.TopLeft.X(), m.TopLeft.Y() - float64(m.Rows)*m.spanY()},
		Max: orb.Point{m.TopLeft.X() + float64(m.Cols)*m.spanX(), m.TopLeft.Y()},
	}
}

// TileBoundingBox returns the footprint of tile (row,col) in the set's CRS.
func (m TileMatrix) TileBoundingBox(row, col int) orb.Bound {
	x0 := m.TopLeft.X() + float64(col)*m.spanX()
	y1 := m.TopLeft.Y() - float64(row)*m.spanY()
	return orb.Bound{
		Min: orb.Point{x0, y1 - m.spanY()},
		Max: orb.Point{x0 + m.spanX(), y1},
	}
}

// Valid reports whether (row,col) is inside the matrix.
func (m TileMatrix) Valid(row, col int) bool {
	return row >= 0 && col >= 0 && row < m.Rows && col < m.Cols
}

// TileMatrixSet is a named tiling scheme over a CRS. Matrices are ordered by level
// and their levels are contiguous.
type TileMatrixSet struct {
	ID          string
	CRS         string
	BoundingBox orb.Bound
	Matrices    []TileMatrix
}

func (s *TileMatrixSet) MinLevel() int { return s.Matrices[0].Level }
func (s *TileMatrixSet) MaxLevel() int { return s.Matrices[len(s.Matrices)-1].Level }

// Matrix returns the matrix for level.
func (s *TileMatrixSet) Matrix(level int) (TileMatrix, bool) {
	if len(s.Matrices) == 0 {
		return TileMatrix{}, false
	}
	i := level - s.MinLevel()
	if i < 0 || i >= len(s.Matrices) {
		return TileMatrix{}, false
	}
	return s.Matrices[i], true
}

// TileBoundingBox returns the footprint of a tile in the set's CRS.
func (s *TileMatrixSet) TileBoundingBox(level, row, col int) (orb.Bound, error) {
	m, ok := s.Matrix(level)
	if !ok {
		return orb.Bound{}, fmt.Errorf("tile matrix set %s has no level %d", s.ID, level)
	}
	if !m.Valid(row, col) {
		return orb.Bound{}, fmt.Errorf("tile %d/%d/%d is outside tile matrix set %s", level, row, col, s.ID)
	}
	return m.TileBoundingBox(row, col), nil
}

func (s *TileMatrixSet) Validate() error {
	if s.ID == "" {
		return errors.New("tile matrix set id is required")
	}
	if len(s.Matrices) == 0 {
		return fmt.Errorf("tile matrix set %s has no tile matrices", s.ID)
	}
	sort.Slice(s.Matrices, func(i, j int) bool { return s.Matrices[i].Level < s.Matrices[j].Level })
	for i, m := range s.Matrices {
		if i > 0 && m.Level != s.Matrices[i-1].Level+1 {
			return fmt.Errorf("tile matrix set %s: levels are not contiguous at %d", s.ID, m.Level)
		}
		if m.Cols <= 0 || m.Rows <= 0 || m.TileWidth <= 0 || m.TileHeight <= 0 {
			return fmt.Errorf("tile matrix set %s level %d: dimensions must be positive", s.ID, m.Level)
		}
		if m.CellSize <= 0 {
			return fmt.Errorf("tile matrix set %s level %d: cell size must be positive", s.ID, m.Level)
		}
	}
	if s.BoundingBox.IsZero() {
		s.BoundingBox = s.Matrices[0].Extent()
	}
	return nil
}
