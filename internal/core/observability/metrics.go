package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream tile and feature calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	tileResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_results_total",
			Help: "Tile results by the provider link that produced them and status.",
		},
		[]string{"source", "status"},
	)

	storeOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_store_op_total",
			Help: "Tile store operations by store kind, operation and result.",
		},
		[]string{"store", "op", "result"},
	)

	storeOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_store_op_duration_seconds",
			Help:    "Duration of tile store operations in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
		[]string{"store", "op"},
	)

	seedTiles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_seed_tiles_total",
			Help: "Tiles visited by seeding runs, by layer and outcome.",
		},
		[]string{"layer", "outcome"},
	)

	seedProgress = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tile_seed_progress_ratio",
			Help: "Completed fraction of the current seeding run.",
		},
		[]string{"label"},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		tileResults, storeOps, storeOpDuration, seedTiles, seedProgress,
	}
}

var initMu sync.Mutex

// Init registers the tile metrics on reg. Observations are recorded either way;
// they are only exported once registered.
func Init(reg prometheus.Registerer, enabled bool) {
	if !enabled || reg == nil {
		return
	}
	initMu.Lock()
	defer initMu.Unlock()
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			panic(err)
		}
	}
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveTileResult(source, status string) {
	tileResults.WithLabelValues(source, status).Inc()
}

func ObserveStoreOp(store, op string, err error, durationSeconds float64) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	storeOps.WithLabelValues(store, op, result).Inc()
	storeOpDuration.WithLabelValues(store, op).Observe(durationSeconds)
}

func AddSeedTiles(layer, outcome string, n int) {
	if n <= 0 {
		return
	}
	seedTiles.WithLabelValues(layer, outcome).Add(float64(n))
}

func SetSeedProgress(label string, ratio float64) {
	seedProgress.WithLabelValues(label).Set(ratio)
}
