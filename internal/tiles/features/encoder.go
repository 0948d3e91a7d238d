package features

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/project"
	"github.com/paulmach/orb/simplify"
)

// Encoder turns the features of each layer of one tile into tile bytes.
// bound is the tile's footprint in the CRS of the features.
type Encoder func(layers map[string]*geojson.FeatureCollection, bound orb.Bound, opts EncodeOptions) ([]byte, error)

type EncodeOptions struct {
	// Tolerance is the simplification distance in tile pixels; 0 disables it.
	Tolerance float64
	// Buffer is kept around the tile when clipping, in tile pixels.
	Buffer float64
}

// EncodeMVT is the default Encoder.
func EncodeMVT(layers map[string]*geojson.FeatureCollection, bound orb.Bound, opts EncodeOptions) ([]byte, error) {
	ls := mvt.NewLayers(layers)
	extent := float64(mvt.DefaultExtent)
	sx := extent / (bound.Max.X() - bound.Min.X())
	sy := extent / (bound.Max.Y() - bound.Min.Y())
	toTile := func(p orb.Point) orb.Point {
		return orb.Point{(p.X() - bound.Min.X()) * sx, (bound.Max.Y() - p.Y()) * sy}
	}
	for _, l := range ls {
		for _, f := range l.Features {
			f.Geometry = project.Geometry(f.Geometry, toTile)
		}
	}
	buf := opts.Buffer
	ls.Clip(orb.Bound{Min: orb.Point{-buf, -buf}, Max: orb.Point{extent + buf, extent + buf}})
	if opts.Tolerance > 0 {
		ls.Simplify(simplify.DouglasPeucker(opts.Tolerance))
	}
	ls.RemoveEmpty(1.0, 1.0)

	b, err := mvt.Marshal(ls)
	if err != nil {
		return nil, fmt.Errorf("encode mvt: %w", err)
	}
	return b, nil
}
