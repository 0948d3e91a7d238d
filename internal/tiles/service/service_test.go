package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/features"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/providerdata"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type countingSource struct {
	calls atomic.Int64
}

func (s *countingSource) Features(_ context.Context, q features.Query) (*geojson.FeatureCollection, error) {
	s.calls.Add(1)
	fc := geojson.NewFeatureCollection()
	fc.Append(geojson.NewFeature(orb.Point{5, 5}))
	return fc, nil
}

func stubEncoder(layers map[string]*geojson.FeatureCollection, _ orb.Bound, _ features.EncodeOptions) ([]byte, error) {
	return []byte(fmt.Sprintf("mvt:%d", len(layers))), nil
}

func wmq(lo, hi int) map[string]providerdata.LevelRange {
	return map[string]providerdata.LevelRange{tms.WebMercatorQuadID: {Min: lo, Max: hi}}
}

// vectorConfig serves roads over the 0..10 degree north-east square, levels 0..5, seeding 0..2.
func vectorConfig() *providerdata.Config {
	return &providerdata.Config{Providers: map[string]providerdata.TileProviderData{
		"vector": {
			ID:     "vector",
			Kind:   providerdata.KindFeatures,
			WFSURL: "http://geoserver.invalid/geoserver",
			Layers: map[string]providerdata.LayerOptions{
				"roads": {
					Collection:    "topp:roads",
					Levels:        wmq(0, 5),
					SeedingLevels: wmq(0, 2),
					Extent:        &providerdata.Extent{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10},
				},
			},
			Cache:   providerdata.CacheConfig{Type: providerdata.CacheDynamic, Storage: providerdata.StoragePlain},
			Seeding: providerdata.SeedingOptions{MaxThreads: 2},
		},
	}}
}

func newService(t *testing.T, cfg *providerdata.Config, src features.Source) *Service {
	t.Helper()
	s, err := New(cfg, Deps{
		StoreRoot:  t.TempDir(),
		MemorySize: 16,
		Features:   src,
		Encoder:    stubEncoder,
		Log:        discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func roadsRequest(level, row, col int) Request {
	return Request{Layer: "roads", TileMatrixSet: tms.WebMercatorQuadID, Level: level, Row: row, Col: col, MediaType: tile.MVT}
}

func TestGet_CachesGeneratedTiles(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{}
	s := newService(t, vectorConfig(), src)

	r := s.Get(ctx, roadsRequest(1, 0, 1))
	if r.Status != tile.StatusFound || string(r.Content) != "mvt:1" {
		t.Fatalf("Get = %v %q", r.Status, r.Content)
	}
	if r := s.Get(ctx, roadsRequest(1, 0, 1)); r.Status != tile.StatusFound {
		t.Fatalf("second Get = %v", r.Status)
	}
	if src.calls.Load() != 1 {
		t.Fatalf("source queried %d times, want 1", src.calls.Load())
	}
	p, _ := s.Provider("vector")
	q := tile.NewQuery("roads", roadsRequest(1, 0, 1).coordinates(), tile.MVT)
	if ok, err := p.Store().Has(ctx, q); err != nil || !ok {
		t.Fatalf("tile not in store: %v %v", ok, err)
	}
}

func TestGet_Validation(t *testing.T) {
	ctx := context.Background()
	s := newService(t, vectorConfig(), &countingSource{})

	cases := []struct {
		name string
		req  Request
		want tile.Status
	}{
		{"level above range", roadsRequest(6, 0, 32), tile.StatusNotFound},
		{"row outside matrix", roadsRequest(1, 2, 0), tile.StatusOutsideLimits},
		{"negative col", roadsRequest(1, 0, -1), tile.StatusOutsideLimits},
		{"outside dataset limits", roadsRequest(1, 1, 0), tile.StatusNotFound},
		{"unknown layer", Request{Layer: "rivers", TileMatrixSet: tms.WebMercatorQuadID, MediaType: tile.MVT}, tile.StatusNotFound},
		{"unserved format", Request{Layer: "roads", TileMatrixSet: tms.WebMercatorQuadID, MediaType: tile.PNG}, tile.StatusNotFound},
		{"unserved tile matrix set", Request{Layer: "roads", TileMatrixSet: tms.WorldCRS84QuadID, MediaType: tile.MVT}, tile.StatusNotFound},
	}
	for _, c := range cases {
		if got := s.Get(ctx, c.req); got.Status != c.want {
			t.Errorf("%s: status = %v, want %v", c.name, got.Status, c.want)
		}
	}
}

func TestGet_BypassesCache(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{}
	s := newService(t, vectorConfig(), src)

	transient := roadsRequest(0, 0, 0)
	transient.Transient = &tile.TransientParams{Filter: "type='primary'"}
	extra := roadsRequest(0, 0, 0)
	extra.ExtraParams = true
	for range 2 {
		if r := s.Get(ctx, transient); r.Status != tile.StatusFound {
			t.Fatalf("transient Get = %v", r.Status)
		}
		if r := s.Get(ctx, extra); r.Status != tile.StatusFound {
			t.Fatalf("Get with parameters = %v", r.Status)
		}
	}
	if src.calls.Load() != 4 {
		t.Fatalf("source queried %d times, want 4", src.calls.Load())
	}
	p, _ := s.Provider("vector")
	if ok, _ := p.Store().Has(ctx, tile.NewQuery("roads", transient.coordinates(), tile.MVT)); ok {
		t.Fatal("uncacheable request was cached")
	}
}

func TestGet_CacheDisabled(t *testing.T) {
	cfg := vectorConfig()
	v := cfg.Providers["vector"]
	v.Cache.Type = providerdata.CacheNone
	cfg.Providers["vector"] = v
	src := &countingSource{}
	s := newService(t, cfg, src)
	for range 2 {
		s.Get(context.Background(), roadsRequest(0, 0, 0))
	}
	if src.calls.Load() != 2 {
		t.Fatalf("source queried %d times, want 2", src.calls.Load())
	}
	p, _ := s.Provider("vector")
	if ok, why := p.CanSeed(); ok || why == "" {
		t.Fatalf("CanSeed = %v %q", ok, why)
	}
}

func TestCanSeed_RequiresSeedingLevels(t *testing.T) {
	cfg := vectorConfig()
	v := cfg.Providers["vector"]
	roads := v.Layers["roads"]
	roads.Levels, roads.SeedingLevels, roads.Extent = nil, nil, nil
	v.Layers["roads"] = roads
	cfg.Providers["vector"] = v
	s := newService(t, cfg, &countingSource{})

	p, _ := s.Provider("vector")
	if ok, why := p.CanSeed(); ok || why != "no seeding range configured" {
		t.Fatalf("CanSeed = %v %q", ok, why)
	}
	if got := p.seedLayers(); len(got) != 0 {
		t.Fatalf("seed layers = %+v", got)
	}
	if _, err := s.Seed(context.Background(), "vector", SeedOptions{}); !errors.Is(err, ErrSeedingDisabled) {
		t.Fatalf("Seed err = %v", err)
	}

	v.Layers["roads"] = providerdata.LayerOptions{Collection: "topp:roads", SeedingLevels: wmq(0, 1)}
	s = newService(t, cfg, &countingSource{})
	p, _ = s.Provider("vector")
	if ok, why := p.CanSeed(); !ok {
		t.Fatalf("explicit seeding levels: CanSeed = false %q", why)
	}
}

func TestSeedAndInvalidate(t *testing.T) {
	ctx := context.Background()
	src := &countingSource{}
	s := newService(t, vectorConfig(), src)

	sum, err := s.Seed(ctx, "vector", SeedOptions{})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	// one tile per level over the 0..10 degree square
	if sum.Total != 3 || sum.Stored != 3 {
		t.Fatalf("summary = %+v", sum)
	}
	sum, err = s.Seed(ctx, "vector", SeedOptions{})
	if err != nil || sum.Skipped != 3 || src.calls.Load() != 3 {
		t.Fatalf("second run: %+v calls=%d err=%v", sum, src.calls.Load(), err)
	}

	n, err := s.Invalidate(ctx, "roads", orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{2, 2}}, tms.CRS84)
	if err != nil || n != 6 {
		t.Fatalf("Invalidate = %d, %v", n, err)
	}
	p, _ := s.Provider("vector")
	q := tile.NewQuery("roads", roadsRequest(2, 1, 2).coordinates(), tile.MVT)
	if ok, _ := p.Store().Has(ctx, q); ok {
		t.Fatal("invalidated tile still cached")
	}
	if _, err := s.Invalidate(ctx, "rivers", orb.Bound{}, tms.CRS84); err == nil {
		t.Fatal("unknown layer invalidated")
	}
}

type versionSource struct {
	version atomic.Int64
}

func (s *versionSource) Features(_ context.Context, _ features.Query) (*geojson.FeatureCollection, error) {
	f := geojson.NewFeature(orb.Point{5, 5})
	f.Properties["v"] = s.version.Load()
	fc := geojson.NewFeatureCollection()
	fc.Append(f)
	return fc, nil
}

func versionEncoder(layers map[string]*geojson.FeatureCollection, _ orb.Bound, _ features.EncodeOptions) ([]byte, error) {
	for _, fc := range layers {
		return []byte(fmt.Sprintf("v%v", fc.Features[0].Properties["v"])), nil
	}
	return nil, nil
}

func TestSeed_ReseedRefreshesMemory(t *testing.T) {
	ctx := context.Background()
	src := &versionSource{}
	src.version.Store(1)
	s, err := New(vectorConfig(), Deps{
		StoreRoot:  t.TempDir(),
		MemorySize: 16,
		Features:   src,
		Encoder:    versionEncoder,
		Log:        discard,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	if r := s.Get(ctx, roadsRequest(0, 0, 0)); string(r.Content) != "v1" {
		t.Fatalf("first Get = %v %q", r.Status, r.Content)
	}
	src.version.Store(2)
	if _, err := s.Seed(ctx, "vector", SeedOptions{Reseed: true}); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	if r := s.Get(ctx, roadsRequest(0, 0, 0)); string(r.Content) != "v2" {
		t.Fatalf("Get after reseed = %v %q, want v2", r.Status, r.Content)
	}
}

func TestStatus(t *testing.T) {
	s := newService(t, vectorConfig(), &countingSource{})
	st := s.Status()
	if len(st) != 1 || !st[0].CanSeed || st[0].Seeding || st[0].Staging {
		t.Fatalf("status = %+v", st)
	}
}

func writeArchive(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "basemap.mbtiles")
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	stmts := []string{
		"CREATE TABLE metadata (name TEXT, value TEXT)",
		"CREATE TABLE tiles (zoom_level INTEGER, tile_column INTEGER, tile_row INTEGER, tile_data BLOB)",
		"INSERT INTO metadata VALUES ('format', 'pbf'), ('minzoom', '0'), ('maxzoom', '3'), ('bounds', '0,0,10,10')",
		// row 0 of level 1, stored bottom-up
		"INSERT INTO tiles VALUES (1, 1, 1, x'6172')",
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			t.Fatalf("%s: %v", q, err)
		}
	}
	return path
}

func TestArchiveProvider(t *testing.T) {
	ctx := context.Background()
	cfg := &providerdata.Config{Providers: map[string]providerdata.TileProviderData{
		"base": {
			ID:     "base",
			Kind:   providerdata.KindMBTiles,
			Layers: map[string]providerdata.LayerOptions{"basemap": {Source: writeArchive(t), SeedingLevels: wmq(0, 3)}},
			Cache:  providerdata.CacheConfig{Type: providerdata.CacheDynamic, Storage: providerdata.StorageMBTiles},
		},
	}}
	s := newService(t, cfg, nil)

	req := Request{Layer: "basemap", TileMatrixSet: tms.WebMercatorQuadID, Level: 1, Row: 0, Col: 1, MediaType: tile.MVT}
	if r := s.Get(ctx, req); r.Status != tile.StatusFound || string(r.Content) != "ar" {
		t.Fatalf("Get = %v %q", r.Status, r.Content)
	}
	req.Level = 4
	req.Row, req.Col = 7, 8
	if r := s.Get(ctx, req); !r.IsNotFound() {
		t.Fatalf("level beyond archive maxzoom = %v", r.Status)
	}
	p, _ := s.Provider("base")
	if ok, why := p.CanSeed(); !ok {
		t.Fatalf("archive provider cannot seed: %s", why)
	}
}

func TestTileServerProvider(t *testing.T) {
	var gotPath atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		_, _ = w.Write([]byte("remote"))
	}))
	defer srv.Close()

	cfg := &providerdata.Config{Providers: map[string]providerdata.TileProviderData{
		"remote": {
			ID:            "remote",
			Kind:          providerdata.KindTileServer,
			TileServerURL: srv.URL + "/",
			Layers:        map[string]providerdata.LayerOptions{"osm": {Source: "openmaptiles"}},
			Cache:         providerdata.CacheConfig{Type: providerdata.CacheNone},
		},
	}}
	s, err := New(cfg, Deps{StoreRoot: t.TempDir(), HTTPClient: srv.Client(), Log: discard})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = s.Close() }()

	r := s.Get(context.Background(), Request{Layer: "osm", TileMatrixSet: tms.WebMercatorQuadID, Level: 2, Row: 1, Col: 3, MediaType: tile.MVT})
	if r.Status != tile.StatusFound || string(r.Content) != "remote" {
		t.Fatalf("Get = %v %q", r.Status, r.Content)
	}
	if got := gotPath.Load(); got != "/data/openmaptiles/2/3/1.pbf" {
		t.Fatalf("upstream path = %v", got)
	}
	p, _ := s.Provider("remote")
	if ok, _ := p.CanSeed(); ok {
		t.Fatal("remote provider must not be seeded")
	}
}

func TestNew_DuplicateLayer(t *testing.T) {
	cfg := vectorConfig()
	other := cfg.Providers["vector"]
	other.ID = "other"
	cfg.Providers["other"] = other
	if _, err := New(cfg, Deps{StoreRoot: t.TempDir(), Features: &countingSource{}, Log: discard}); err == nil {
		t.Fatal("layer served by two providers accepted")
	}
}

func TestFeatureParts_CombinedLayersUseSubLayerNames(t *testing.T) {
	data := providerdata.TileProviderData{Layers: map[string]providerdata.LayerOptions{
		"roads":  {Collection: "osm"},
		"rivers": {Collection: "osm"},
		"base":   {Combine: []string{"roads", "rivers"}},
	}}
	got := featureParts(data, "base")
	want := []features.Part{{Name: "roads", Collection: "osm"}, {Name: "rivers", Collection: "osm"}}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("base parts = %+v, want %+v", got, want)
	}
	if got := featureParts(data, "roads"); len(got) != 1 || got[0] != (features.Part{Name: "osm", Collection: "osm"}) {
		t.Fatalf("roads parts = %+v", got)
	}
}
