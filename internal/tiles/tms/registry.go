package tms

import (
	"fmt"
	"sort"
)

// Registry is an immutable lookup of tile matrix sets, built once at startup.
type Registry struct {
	sets map[string]*TileMatrixSet
}

func NewRegistry(sets ...*TileMatrixSet) (*Registry, error) {
	r := &Registry{sets: make(map[string]*TileMatrixSet, len(sets))}
	for _, s := range sets {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.sets[s.ID]; dup {
			return nil, fmt.Errorf("duplicate tile matrix set %q", s.ID)
		}
		r.sets[s.ID] = s
	}
	return r, nil
}

// DefaultRegistry holds the built-in tile matrix sets.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(WebMercatorQuad(24), WorldCRS84Quad(17))
	if err != nil {
		panic(err)
	}
	return r
}

// LoadRegistry holds the built-in sets plus the OGC TMS JSON documents at paths.
func LoadRegistry(paths ...string) (*Registry, error) {
	sets := []*TileMatrixSet{WebMercatorQuad(24), WorldCRS84Quad(17)}
	for _, p := range paths {
		s, err := LoadFile(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		sets = append(sets, s)
	}
	return NewRegistry(sets...)
}

func (r *Registry) Get(id string) (*TileMatrixSet, error) {
	s, ok := r.sets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTileMatrixSet, id)
	}
	return s, nil
}

func (r *Registry) IDs() []string {
	out := make([]string, 0, len(r.sets))
	for id := range r.sets {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
