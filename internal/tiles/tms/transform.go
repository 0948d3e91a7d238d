package tms

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"
)

var ErrUnsupportedCRS = errors.New("unsupported crs transform")

const maxMercatorLat = 85.05112877980659

// Transformer reprojects a bounding box between two coordinate reference systems.
type Transformer interface {
	Transform(b orb.Bound, from, to string) (orb.Bound, error)
}

// NormalizeCRS maps the usual spellings of the supported CRSs to a short code.
// EPSG:4326 is treated with lon/lat axis order.
func NormalizeCRS(crs string) string {
	c := strings.ToUpper(strings.TrimSpace(crs))
	switch {
	case c == "":
		return ""
	case strings.HasSuffix(c, "CRS84"), c == "EPSG:4326", strings.HasSuffix(c, "/EPSG/0/4326"):
		return CRS84
	case c == "EPSG:3857", c == "EPSG:900913", strings.HasSuffix(c, "/EPSG/0/3857"):
		return CRSWebMercator
	}
	return crs
}

// OrbTransformer handles lon/lat <-> web mercator with the orb projections.
type OrbTransformer struct{}

func (OrbTransformer) Transform(b orb.Bound, from, to string) (orb.Bound, error) {
	from, to = NormalizeCRS(from), NormalizeCRS(to)
	if from == to {
		return b, nil
	}
	var proj orb.Projection
	switch {
	case from == CRS84 && to == CRSWebMercator:
		b.Min[1] = math.Max(b.Min[1], -maxMercatorLat)
		b.Max[1] = math.Min(b.Max[1], maxMercatorLat)
		proj = project.WGS84.ToMercator
	case from == CRSWebMercator && to == CRS84:
		proj = project.Mercator.ToWGS84
	default:
		return orb.Bound{}, fmt.Errorf("%w: %s to %s", ErrUnsupportedCRS, from, to)
	}
	if b.Min.X() > b.Max.X() || b.Min.Y() > b.Max.Y() {
		return orb.Bound{}, fmt.Errorf("%w: empty bounding box", ErrUnsupportedCRS)
	}
	corners := []orb.Point{b.Min, b.Max, {b.Min.X(), b.Max.Y()}, {b.Max.X(), b.Min.Y()}}
	out := proj(corners[0]).Bound()
	for _, p := range corners[1:] {
		out = out.Extend(proj(p))
	}
	return out, nil
}
