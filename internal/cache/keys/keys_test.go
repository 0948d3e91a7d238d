package keys

import (
	"regexp"
	"strings"
	"testing"
	"unicode"
)

func TestTile_Deterministic(t *testing.T) {
	k1 := Tile("roads", "WebMercatorQuad", 8, 90, 135, "pbf", "")
	k2 := Tile("roads", "WebMercatorQuad", 8, 90, 135, "pbf", "")
	if k1 != k2 {
		t.Fatalf("determinism failed:\n k1=%s\n k2=%s", k1, k2)
	}
	if k1 != "tile:roads:WebMercatorQuad:8:90:135:pbf" {
		t.Fatalf("unexpected key %s", k1)
	}
}

func TestTile_FilterSpacingVariantsProduceSameKey(t *testing.T) {
	fA := "  kind  =    'motorway'   AND  lanes > 2  "
	fB := "kind='motorway' AND lanes>2"
	k1 := Tile(" roads ", "WebMercatorQuad", 8, 1, 2, "pbf", fA)
	k2 := Tile("roads", "WebMercatorQuad", 8, 1, 2, "pbf", fB)
	if k1 != k2 {
		t.Fatalf("normalized keys differ:\n k1=%s\n k2=%s", k1, k2)
	}
	if !strings.Contains(k1, ":f=") {
		t.Fatalf("filtered key must carry a hash suffix: %s", k1)
	}
	if k1 == Tile("roads", "WebMercatorQuad", 8, 1, 2, "pbf", "lanes>2 AND kind='motorway'") {
		t.Fatal("different filters must produce different keys")
	}
}

func TestTile_UnsafeLayerNames(t *testing.T) {
	k := Tile("rivers:göta älv*", "WebMercatorQuad", 3, 1, 1, "pbf", "")
	for _, r := range k {
		if r > unicode.MaxASCII {
			t.Fatalf("non-ASCII rune leaked into key: %q in %s", r, k)
		}
	}
	if strings.Count(k, ":") != 6 {
		t.Fatalf("layer name must not add separators: %s", k)
	}
	if !regexp.MustCompile(`^[A-Za-z0-9:_=.\-]+$`).MatchString(k) {
		t.Fatalf("key contains disallowed characters: %s", k)
	}
}

func TestRowColAndPatterns(t *testing.T) {
	k := Tile("roads", "WorldCRS84Quad", 5, 7, 11, "png", "x=1")
	row, col, ok := RowCol(k)
	if !ok || row != 7 || col != 11 {
		t.Fatalf("RowCol(%s) = %d,%d,%v", k, row, col, ok)
	}
	if _, _, ok := RowCol("tile:roads:broken"); ok {
		t.Fatal("malformed key must not parse")
	}
	if p := LevelPattern("roads", "WorldCRS84Quad", 5); !strings.HasPrefix(k, strings.TrimSuffix(p, "*")) {
		t.Fatalf("pattern %s does not prefix %s", p, k)
	}
	if p := LayerPattern("roads"); p != "tile:roads:*" {
		t.Fatalf("layer pattern = %s", p)
	}
}
