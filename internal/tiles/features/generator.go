package features

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

const defaultBuffer = 64

// Part is one tile layer of a generated tile and the collection it reads.
type Part struct {
	Name       string
	Collection string
}

// Generator builds vector tiles for layers backed by feature collections.
// A combined layer lists several parts and gets one tile layer per part.
type Generator struct {
	source Source
	sets   *tms.Registry
	layers map[string][]Part
	encode Encoder
	log    *slog.Logger
}

func NewGenerator(source Source, sets *tms.Registry, layers map[string][]Part, encode Encoder, log *slog.Logger) *Generator {
	if encode == nil {
		encode = EncodeMVT
	}
	if log == nil {
		log = slog.Default()
	}
	return &Generator{source: source, sets: sets, layers: layers, encode: encode, log: log}
}

func (g *Generator) Generate(ctx context.Context, q tile.Query) tile.Result {
	if !q.MediaType.IsVector() {
		return tile.Errorf("layer %s cannot be generated as %s", q.Layer, q.MediaType)
	}
	parts, ok := g.layers[q.Layer]
	if !ok || len(parts) == 0 {
		return tile.NotFound()
	}
	set, err := g.sets.Get(q.TileMatrixSet)
	if err != nil {
		return tile.OutsideLimits("%v", err)
	}
	bound, err := set.TileBoundingBox(q.Level, q.Row, q.Col)
	if err != nil {
		return tile.OutsideLimits("%v", err)
	}

	layers, err := g.fetch(ctx, q, set.CRS, bound, parts)
	if err != nil {
		return tile.Errorf("query features for %s: %v", q, err)
	}
	n := 0
	for _, fc := range layers {
		n += len(fc.Features)
	}
	if n == 0 {
		return tile.Empty(nil)
	}

	opts := EncodeOptions{Buffer: defaultBuffer}
	if q.Generation != nil {
		opts.Tolerance = q.Generation.Tolerance
	}
	b, err := g.encode(layers, bound, opts)
	if err != nil {
		return tile.Errorf("encode %s: %v", q, err)
	}
	return tile.Found(b)
}

// fetch queries every part of the layer concurrently, keyed by part name.
func (g *Generator) fetch(ctx context.Context, q tile.Query, crs string, bound orb.Bound, parts []Part) (map[string]*geojson.FeatureCollection, error) {
	base := Query{CRS: crs, Bound: bound, Filters: q.Generation.Filters(q.Level)}
	if q.Generation != nil {
		base.Limit = q.Generation.FeatureLimit
	}
	if t := q.Transient; t != nil {
		if t.Filter != "" {
			base.Filters = append(append([]string(nil), base.Filters...), t.Filter)
		}
		base.Fields = t.Fields
		if t.Limit > 0 && (base.Limit == 0 || t.Limit < base.Limit) {
			base.Limit = t.Limit
		}
	}
	ignoreInvalid := q.Generation != nil && q.Generation.IgnoreInvalidGeometries

	var mu sync.Mutex
	out := make(map[string]*geojson.FeatureCollection, len(parts))
	eg, ctx := errgroup.WithContext(ctx)
	for _, part := range parts {
		fq := base
		fq.Collection = part.Collection
		eg.Go(func() error {
			fc, err := g.source.Features(ctx, fq)
			if err != nil {
				return err
			}
			fc, err = g.validGeometries(fc, part.Collection, ignoreInvalid)
			if err != nil {
				return err
			}
			mu.Lock()
			out[part.Name] = fc
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

var errInvalidGeometry = errors.New("feature without geometry")

func (g *Generator) validGeometries(fc *geojson.FeatureCollection, collection string, ignore bool) (*geojson.FeatureCollection, error) {
	if fc == nil {
		return geojson.NewFeatureCollection(), nil
	}
	kept := fc.Features[:0]
	dropped := 0
	for _, f := range fc.Features {
		if f == nil || f.Geometry == nil {
			if !ignore {
				return nil, errInvalidGeometry
			}
			dropped++
			continue
		}
		kept = append(kept, f)
	}
	if dropped > 0 {
		g.log.Debug("dropped invalid geometries", slog.String("collection", collection), slog.Int("count", dropped))
	}
	fc.Features = kept
	return fc, nil
}
