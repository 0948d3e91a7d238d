// Package features generates vector tiles from a feature source.
package features

import (
	"context"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Query selects the features of one collection intersecting a tile.
type Query struct {
	Collection string
	Bound      orb.Bound
	CRS        string
	Filters    []string
	Fields     []string
	Limit      int
}

// Source runs feature queries. Geometries are returned in the query's CRS.
type Source interface {
	Features(ctx context.Context, q Query) (*geojson.FeatureCollection, error)
}

type SourceFunc func(ctx context.Context, q Query) (*geojson.FeatureCollection, error)

func (f SourceFunc) Features(ctx context.Context, q Query) (*geojson.FeatureCollection, error) {
	return f(ctx, q)
}
