package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
)

func assertHasMetricLine(t *testing.T, body, metric string, wantLabels ...string) {
	t.Helper()
	for ln := range strings.SplitSeq(body, "\n") {
		if !strings.HasPrefix(ln, metric+"{") {
			continue
		}
		ok := true
		for _, s := range wantLabels {
			if !strings.Contains(ln, s) {
				ok = false
				break
			}
		}
		if ok && (len(ln) > 0 && ln[len(ln)-1] >= '0' && ln[len(ln)-1] <= '9') {
			return
		}
	}
	t.Fatalf("expected a %s line with labels %v; got:\n%s", metric, wantLabels, body)
}

func Test_TileMetrics_CustomRegistry_Smoke(t *testing.T) {
	p := Init(Config{Enabled: true, Build: BuildInfo{Version: "test"}})

	start := time.Now()
	observability.ObserveHTTP("GET", "/tiles/{layer}/{tileMatrixSetId}/{level}/{row}/{col}", 200, time.Since(start).Seconds())
	observability.ObserveTileResult("store", "found")
	observability.ObserveTileResult("generator", "empty")
	observability.ObserveStoreOp("mbtiles", "put", nil, 0.002)
	observability.AddSeedTiles("roads", "stored", 7)
	observability.SetSeedProgress("vector/startup", 0.25)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	body := rr.Body.String()
	mustContain := []string{
		`http_request_duration_seconds_bucket`,
		`tile_store_op_duration_seconds_count{op="put",store="mbtiles"}`,
		`tile_seed_progress_ratio{label="vector/startup"} 0.25`,
	}
	for _, s := range mustContain {
		if !strings.Contains(body, s) {
			t.Fatalf("expected metrics to contain %q;\n---\n%s", s, body)
		}
	}

	assertHasMetricLine(t, body, "tile_results_total", `source="store"`, `status="found"`)
	assertHasMetricLine(t, body, "tile_results_total", `source="generator"`, `status="empty"`)
	assertHasMetricLine(t, body, "tile_seed_tiles_total", `layer="roads"`, `outcome="stored"`)
	assertHasMetricLine(t, body, "app_build_info", `version="test"`)
}

func Test_TileMetrics_Disabled(t *testing.T) {
	p := Init(Config{Enabled: false})
	rr := httptest.NewRecorder()
	p.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if strings.Contains(rr.Body.String(), "tile_results_total") {
		t.Fatal("tile metrics exported while disabled")
	}
}
