package providerdata

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func ptr[T any](v T) *T { return &v }

func TestMergeInto(t *testing.T) {
	base := TileProviderData{
		ID:   "vector",
		Kind: KindFeatures,
		Layers: map[string]LayerOptions{
			"roads":  {Collection: "topp:roads", TileMatrixSets: []string{"WebMercatorQuad"}, FeatureLimit: 1000},
			"rivers": {Collection: "topp:rivers"},
		},
		Cache:   CacheConfig{Type: CacheDynamic, Storage: StoragePlain, DoNotSeed: ptr(true)},
		Seeding: SeedingOptions{MaxThreads: 2, RunOnStartup: ptr(true)},
	}
	over := TileProviderData{
		Layers: map[string]LayerOptions{
			"roads": {TileMatrixSets: []string{"WorldCRS84Quad", "WebMercatorQuad"}, Tolerance: 0.5},
			"lakes": {Collection: "topp:lakes"},
		},
		Cache:   CacheConfig{Storage: StorageMBTiles, DoNotSeed: ptr(false)},
		Seeding: SeedingOptions{Schedule: "@daily"},
	}
	got := over.MergeInto(base)

	want := TileProviderData{
		ID:   "vector",
		Kind: KindFeatures,
		Layers: map[string]LayerOptions{
			"roads": {
				Collection:     "topp:roads",
				TileMatrixSets: []string{"WebMercatorQuad", "WorldCRS84Quad"},
				FeatureLimit:   1000,
				Tolerance:      0.5,
			},
			"rivers": {Collection: "topp:rivers"},
			"lakes":  {Collection: "topp:lakes"},
		},
		Cache:   CacheConfig{Type: CacheDynamic, Storage: StorageMBTiles, DoNotSeed: ptr(false)},
		Seeding: SeedingOptions{MaxThreads: 2, RunOnStartup: ptr(true), Schedule: "@daily"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("MergeInto mismatch (-want +got):\n%s", diff)
	}
	if len(base.Layers["roads"].TileMatrixSets) != 1 {
		t.Fatal("MergeInto modified its base")
	}
}

func TestLayerDefaults(t *testing.T) {
	p := TileProviderData{
		LayerDefaults: LayerOptions{Levels: map[string]LevelRange{"WebMercatorQuad": {Min: 0, Max: 12}}},
		Layers:        map[string]LayerOptions{"roads": {Levels: map[string]LevelRange{"WorldCRS84Quad": {Min: 0, Max: 8}}}},
	}
	l, ok := p.Layer("roads")
	if !ok {
		t.Fatal("layer missing")
	}
	if len(l.Levels) != 2 || l.TileMatrixSets[0] != "WebMercatorQuad" || l.Formats[0] != "MVT" {
		t.Fatalf("effective layer = %+v", l)
	}
	if _, ok := p.Layer("nope"); ok {
		t.Fatal("unknown layer found")
	}
}

func TestRangesFallback(t *testing.T) {
	p := TileProviderData{Cache: CacheConfig{Levels: map[string]LevelRange{"WebMercatorQuad": {Min: 0, Max: 10}}}}
	l := LayerOptions{Levels: map[string]LevelRange{"WebMercatorQuad": {Min: 0, Max: 16}}}
	if got := p.SeedingRanges(l); len(got) != 0 {
		t.Fatalf("seeding without seeding levels = %+v, want none", got)
	}
	l.SeedingLevels = map[string]LevelRange{"WebMercatorQuad": {Min: 2, Max: 4}}
	if got := p.SeedingRanges(l)["WebMercatorQuad"]; got.Max != 4 {
		t.Fatalf("layer seeding levels win, got %+v", got)
	}
	p.Cache.Levels = nil
	if got := p.CacheRanges(LayerOptions{Levels: l.Levels})["WebMercatorQuad"]; got.Max != 16 {
		t.Fatalf("cache levels fall back to generation levels, got %+v", got)
	}
}

func TestGeneration(t *testing.T) {
	l := LayerOptions{FeatureLimit: 10, LevelFilters: map[string][]string{"5": {"a=1"}}, IgnoreInvalidGeometries: ptr(true)}
	g, err := l.Generation()
	if err != nil {
		t.Fatal(err)
	}
	if g.Filters(5)[0] != "a=1" || !g.IgnoreInvalidGeometries || g.FeatureLimit != 10 {
		t.Fatalf("generation = %+v", g)
	}
	l.LevelFilters = map[string][]string{"five": {"a=1"}}
	if _, err := l.Generation(); err == nil {
		t.Fatal("non-numeric level filter key must fail")
	}
}

func TestValidate(t *testing.T) {
	good := TileProviderData{
		ID: "vector", Kind: KindFeatures, WFSURL: "http://gs/ows",
		Layers: map[string]LayerOptions{"roads": {}, "base": {Combine: []string{"roads"}}},
		Cache:  CacheConfig{Type: CacheDynamic},
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := good
	bad.Kind = "wms"
	bad.Layers = map[string]LayerOptions{"base": {Combine: []string{"missing"}, Formats: []string{"gif"}}}
	bad.Cache.Storage = "s3"
	bad.Seeding.Schedule = "every day"
	err := bad.Validate()
	if err == nil {
		t.Fatal("invalid config accepted")
	}
	for _, want := range []string{"unknown kind", "unknown tile format", "unknown cache storage", "seeding schedule"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}

	mb := TileProviderData{ID: "mb", Kind: KindMBTiles, Layers: map[string]LayerOptions{"roads": {}}}
	if err := mb.Validate(); err == nil || !strings.Contains(err.Error(), "source archive") {
		t.Fatalf("mbtiles layer without source: %v", err)
	}
}

const baseYAML = `
providers:
  vector:
    wfs_url: http://geoserver:8080/geoserver/ows
    layer_defaults:
      levels:
        WebMercatorQuad: {min: 0, max: 14}
    layers:
      roads:
        collection: topp:roads
        level_filters:
          "5": ["kind='motorway'"]
      rivers:
        collection: topp:rivers
      base:
        combine: [roads, rivers]
    cache:
      storage: mbtiles
    seeding:
      run_on_startup: true
      schedule: "0 3 * * *"
      max_threads: 4
`

const overrideYAML = `
providers:
  vector:
    layers:
      roads:
        tile_matrix_sets: [WorldCRS84Quad]
    seeding:
      max_threads: 6
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeFile(t, "tiles.yaml", baseYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p, ok := cfg.Providers["vector"]
	if !ok {
		t.Fatalf("providers = %v", cfg.ProviderIDs())
	}
	if p.ID != "vector" || p.Kind != KindFeatures || p.Cache.Type != CacheDynamic || p.Cache.Storage != StorageMBTiles {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if !p.Seeding.OnStartup() || p.Seeding.MaxThreads != 4 {
		t.Fatalf("seeding = %+v", p.Seeding)
	}
	base, _ := p.Layer("base")
	if diff := cmp.Diff([]string{"roads", "rivers"}, base.Collections("base")); diff != "" {
		t.Fatalf("combined collections (-want +got):\n%s", diff)
	}
	roads, _ := p.Layer("roads")
	if roads.Levels["WebMercatorQuad"].Max != 14 {
		t.Fatalf("layer defaults not applied: %+v", roads.Levels)
	}
}

func TestLoad_OverrideFileAndEnv(t *testing.T) {
	t.Setenv("TILES_PROVIDERS__VECTOR__CACHE__TYPE", "none")
	cfg, err := Load(writeFile(t, "tiles.yaml", baseYAML), writeFile(t, "override.yaml", overrideYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	p := cfg.Providers["vector"]
	if p.Seeding.MaxThreads != 6 || p.Seeding.Schedule != "0 3 * * *" {
		t.Fatalf("override not merged: %+v", p.Seeding)
	}
	roads, _ := p.Layer("roads")
	if roads.Collection != "topp:roads" || len(roads.TileMatrixSets) != 1 || roads.TileMatrixSets[0] != "WorldCRS84Quad" {
		t.Fatalf("roads = %+v", roads)
	}
	if p.CacheEnabled() || p.SeedingEnabled() {
		t.Fatal("env override of cache type ignored")
	}
}

func TestLoad_InvalidProvider(t *testing.T) {
	path := writeFile(t, "tiles.yaml", "providers:\n  broken:\n    kind: features\n")
	if _, err := Load(path); err == nil {
		t.Fatal("provider without layers or wfs_url must fail")
	}
}
