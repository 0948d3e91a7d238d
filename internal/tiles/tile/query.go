package tile

import (
	"fmt"
	"slices"
)

// GenerationParams control how a tile is produced from feature data.
// They are part of the cache identity of a layer, not of a request.
type GenerationParams struct {
	FeatureLimit            int
	Tolerance               float64
	LevelFilters            map[int][]string
	IgnoreInvalidGeometries bool
}

// Filters returns the filters configured for level, if any.
func (g *GenerationParams) Filters(level int) []string {
	if g == nil || g.LevelFilters == nil {
		return nil
	}
	return g.LevelFilters[level]
}

// TransientParams are request-scoped and never cached.
type TransientParams struct {
	Filter string
	Fields []string
	Limit  int
}

func (t *TransientParams) empty() bool {
	return t == nil || (t.Filter == "" && len(t.Fields) == 0 && t.Limit <= 0)
}

// Query is the unit of work passed through the provider chain.
type Query struct {
	Coordinates
	Layer      string
	MediaType  MediaType
	Generation *GenerationParams
	Transient  *TransientParams
}

func NewQuery(layer string, c Coordinates, mt MediaType) Query {
	return Query{Coordinates: c, Layer: layer, MediaType: mt}
}

// IsTransient reports whether the query carries request-scoped parameters.
// Transient queries must never be written to a shared cache.
func (q Query) IsTransient() bool {
	return !q.Transient.empty()
}

// WithTransient returns a copy of q carrying p.
func (q Query) WithTransient(p *TransientParams) Query {
	if p != nil {
		cp := *p
		cp.Fields = slices.Clone(p.Fields)
		p = &cp
	}
	q.Transient = p
	return q
}

func (q Query) String() string {
	s := fmt.Sprintf("%s/%s.%s", q.Layer, q.Coordinates, q.MediaType.Extension)
	if q.IsTransient() {
		s += " (transient)"
	}
	return s
}
