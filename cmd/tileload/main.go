// Command tileload replays a skewed tile request workload against a tile
// server and writes per-request samples and a latency summary.
package main

import (
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/httpclient"
)

type Config struct {
	BaseURL        string
	Layer          string
	Format         string
	Concurrency    int
	Duration       time.Duration
	ZipfS          float64
	ZipfV          float64
	Tiles          int
	MinLevel       int
	MaxLevel       int
	Area           string
	OutputPrefix   string
	RequestTimeout time.Duration
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "target", "http://localhost:8090", "tile server base URL")
	flag.StringVar(&cfg.Layer, "layer", "roads", "layer name")
	flag.StringVar(&cfg.Format, "f", "", "format parameter (empty: server default)")
	flag.IntVar(&cfg.Concurrency, "concurrency", 32, "concurrent workers")
	flag.DurationVar(&cfg.Duration, "duration", 60*time.Second, "test duration")
	flag.Float64Var(&cfg.ZipfS, "zipf-s", 1.3, "Zipf parameter s (>1)")
	flag.Float64Var(&cfg.ZipfV, "zipf-v", 1.0, "Zipf parameter v (>=1)")
	flag.IntVar(&cfg.Tiles, "tiles", 512, "distinct tiles in pool")
	flag.IntVar(&cfg.MinLevel, "min-level", 8, "lowest requested level")
	flag.IntVar(&cfg.MaxLevel, "max-level", 14, "highest requested level")
	flag.StringVar(&cfg.Area, "area", "11,55,24,66", "lon/lat area of the cold tiles: minx,miny,maxx,maxy")
	flag.StringVar(&cfg.OutputPrefix, "out", "results/tileload", "output file prefix (JSON/CSV)")
	flag.DurationVar(&cfg.RequestTimeout, "timeout", 10*time.Second, "per-request timeout")
	flag.Parse()
	return cfg
}

func parseArea(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("area: expected minx,miny,maxx,maxy, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("area: %w", err)
		}
		v[i] = f
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, nil
}

type sample struct {
	Timestamp time.Time
	Latency   time.Duration
	Status    int
	ErrorMsg  string
	Tile      target
}

type summary struct {
	StartTime     time.Time `json:"start"`
	EndTime       time.Time `json:"end"`
	DurationSec   float64   `json:"duration_sec"`
	TotalRequests int64     `json:"total"`
	SuccessCount  int64     `json:"success"`
	ErrorCount    int64     `json:"errors"`
	ThroughputRPS float64   `json:"throughput_rps"`
	P50Ms         float64   `json:"p50_ms"`
	P95Ms         float64   `json:"p95_ms"`
	P99Ms         float64   `json:"p99_ms"`
	Concurrency   int       `json:"concurrency"`
	ZipfS         float64   `json:"zipf_s"`
	ZipfV         float64   `json:"zipf_v"`
	Tiles         int       `json:"tiles"`
	Target        string    `json:"target"`
	Layer         string    `json:"layer"`
}

type aggregatedResult struct {
	total   int64
	success int64
	errors  int64
	latMs   []float64
}

func main() {
	cfg := loadConfig()
	area, err := parseArea(cfg.Area)
	if err != nil {
		log.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.OutputPrefix), 0o750); err != nil {
		log.Fatalf("mkdir results: %v", err)
	}
	prefix := fmt.Sprintf("%s_%s", cfg.OutputPrefix, time.Now().UTC().Format("20060102_150405Z"))

	seed := time.Now().UnixNano()
	tiles := makeTargets(cfg.Tiles, cfg.MinLevel, cfg.MaxLevel, area, rand.New(rand.NewSource(seed)))
	if len(tiles) == 0 {
		log.Fatalf("no tiles generated")
	}
	imax := uint64(len(tiles)) - 1
	base := strings.TrimRight(cfg.BaseURL, "/")
	query := ""
	if cfg.Format != "" {
		query = "?f=" + cfg.Format
	}

	client := httpclient.NewOutbound(cfg.RequestTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Duration)
	defer cancel()

	csvPath := prefix + "_samples.csv"
	jsonPath := prefix + "_summary.json"
	csvFile, err := os.Create(filepath.Clean(csvPath))
	if err != nil {
		log.Fatalf("open csv: %v", err)
	}
	defer func() { _ = csvFile.Close() }()
	csvWriter := csv.NewWriter(csvFile)

	samplesChan := make(chan sample, 4096)
	resultsChan := make(chan aggregatedResult, 1)
	go func() {
		_ = csvWriter.Write([]string{"timestamp", "latency_ms", "status", "error", "level", "row", "col"})
		var agg aggregatedResult
		for s := range samplesChan {
			agg.total++
			ms := float64(s.Latency.Microseconds()) / 1000.0
			if s.ErrorMsg == "" {
				agg.success++
				agg.latMs = append(agg.latMs, ms)
			} else {
				agg.errors++
			}
			_ = csvWriter.Write([]string{
				s.Timestamp.UTC().Format(time.RFC3339Nano),
				fmt.Sprintf("%.3f", ms),
				strconv.Itoa(s.Status),
				s.ErrorMsg,
				strconv.Itoa(s.Tile.Level),
				strconv.Itoa(s.Tile.Row),
				strconv.Itoa(s.Tile.Col),
			})
		}
		csvWriter.Flush()
		if err := csvWriter.Error(); err != nil {
			log.Printf("csv flush error: %v", err)
		}
		resultsChan <- agg
	}()

	startTime := time.Now()
	log.Printf("tileload start target=%s layer=%s dur=%s conc=%d zipf(s=%.2f,v=%.2f) tiles=%d levels=%d..%d",
		base, cfg.Layer, cfg.Duration, cfg.Concurrency, cfg.ZipfS, cfg.ZipfV, len(tiles), cfg.MinLevel, cfg.MaxLevel)

	var wg sync.WaitGroup
	for id := range cfg.Concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			zipf := rand.NewZipf(rand.New(rand.NewSource(seed+int64(id)+1)), cfg.ZipfS, cfg.ZipfV, imax)
			for ctx.Err() == nil {
				v := zipf.Uint64()
				if v > uint64(math.MaxInt) || int(v) >= len(tiles) {
					continue
				}
				t := tiles[v]
				s := fetch(ctx, client, base+t.path(cfg.Layer)+query)
				s.Tile = t
				select {
				case samplesChan <- s:
				case <-ctx.Done():
					return
				}
			}
		}()
	}

	go func() {
		<-ctx.Done()
		wg.Wait()
		close(samplesChan)
	}()

	agg := <-resultsChan
	endTime := time.Now()
	elapsed := endTime.Sub(startTime).Seconds()

	sort.Float64s(agg.latMs)
	run := summary{
		StartTime:     startTime.UTC(),
		EndTime:       endTime.UTC(),
		DurationSec:   elapsed,
		TotalRequests: agg.total,
		SuccessCount:  agg.success,
		ErrorCount:    agg.errors,
		ThroughputRPS: float64(agg.total) / elapsed,
		P50Ms:         percentile(agg.latMs, 50),
		P95Ms:         percentile(agg.latMs, 95),
		P99Ms:         percentile(agg.latMs, 99),
		Concurrency:   cfg.Concurrency,
		ZipfS:         cfg.ZipfS,
		ZipfV:         cfg.ZipfV,
		Tiles:         len(tiles),
		Target:        base,
		Layer:         cfg.Layer,
	}

	if b, err := json.MarshalIndent(run, "", "  "); err == nil {
		if err := os.WriteFile(filepath.Clean(jsonPath), b, 0o600); err != nil {
			log.Printf("write summary: %v", err)
		}
	}

	log.Printf("done: total=%d succ=%d err=%d thr=%.2f rps p50=%.1fms p95=%.1fms p99=%.1fms",
		agg.total, agg.success, agg.errors, run.ThroughputRPS, run.P50Ms, run.P95Ms, run.P99Ms)
	log.Printf("wrote %s and %s", jsonPath, csvPath)
}

// fetch requests one tile. 200 and 204 count as success; 404 is an error
// because the pool only holds tiles inside the layer.
func fetch(ctx context.Context, client *http.Client, u string) sample {
	start := time.Now()
	s := sample{Timestamp: start}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	resp, err := client.Do(req)
	s.Latency = time.Since(start)
	if err != nil {
		s.ErrorMsg = err.Error()
		return s
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	s.Status = resp.StatusCode
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		s.ErrorMsg = fmt.Sprintf("status=%d", resp.StatusCode)
	}
	return s
}
