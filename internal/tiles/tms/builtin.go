package tms

import (
	"math"

	"github.com/paulmach/orb"
)

const (
	WebMercatorQuadID = "WebMercatorQuad"
	WorldCRS84QuadID  = "WorldCRS84Quad"

	CRSWebMercator = "EPSG:3857"
	CRS84          = "CRS84"

	mercatorHalf = 20037508.3427892
)

// WebMercatorQuad is the Google/OSM compatible quad tree, levels 0..maxLevel.
func WebMercatorQuad(maxLevel int) *TileMatrixSet {
	s := &TileMatrixSet{
		ID:          WebMercatorQuadID,
		CRS:         CRSWebMercator,
		BoundingBox: orb.Bound{Min: orb.Point{-mercatorHalf, -mercatorHalf}, Max: orb.Point{mercatorHalf, mercatorHalf}},
	}
	for z := 0; z <= maxLevel; z++ {
		n := 1 << z
		f := math.Exp2(float64(z))
		s.Matrices = append(s.Matrices, TileMatrix{
			Level:            z,
			Cols:             n,
			Rows:             n,
			ScaleDenominator: 559082264.0287178 / f,
			CellSize:         156543.03392804097 / f,
			TopLeft:          orb.Point{-mercatorHalf, mercatorHalf},
			TileWidth:        256,
			TileHeight:       256,
		})
	}
	return s
}

// WorldCRS84Quad covers the globe in lon/lat with two tiles at level 0.
func WorldCRS84Quad(maxLevel int) *TileMatrixSet {
	s := &TileMatrixSet{
		ID:          WorldCRS84QuadID,
		CRS:         CRS84,
		BoundingBox: orb.Bound{Min: orb.Point{-180, -90}, Max: orb.Point{180, 90}},
	}
	for z := 0; z <= maxLevel; z++ {
		f := math.Exp2(float64(z))
		s.Matrices = append(s.Matrices, TileMatrix{
			Level:            z,
			Cols:             2 << z,
			Rows:             1 << z,
			ScaleDenominator: 279541132.0143589 / f,
			CellSize:         0.703125 / f,
			TopLeft:          orb.Point{-180, 90},
			TileWidth:        256,
			TileHeight:       256,
		})
	}
	return s
}
