// Package config reads the process configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled bool
	Driver  string
	Topic   string
	Brokers string
	GroupID string
}

type SeedEventsCfg struct {
	Enabled bool
	Topic   string
	Brokers string
}

type Config struct {
	Addr       string
	LogLevel   string
	LogConsole bool
	LogSampleN int

	MetricsEnabled bool
	MetricsPath    string

	// TilesConfig is the tile provider file; TilesOverrides are applied on top in order.
	TilesConfig    string
	TilesOverrides []string
	StoreRoot      string

	RedisAddr       string
	RedisTileTTL    time.Duration
	MemoryCacheSize int
	UpstreamTimeout time.Duration
	// SeedMaxParallel overrides every provider's max_threads when positive.
	SeedMaxParallel int
	SeedOnStart     bool
	AdminEnabled    bool

	Invalidation InvalidationCfg
	SeedEvents   SeedEventsCfg
}

func FromEnv() Config {
	brokers := getenv("KAFKA_BROKERS", "localhost:9092")
	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),

		MetricsEnabled: getbool("METRICS_ENABLED", true),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),

		TilesConfig:    getenv("TILES_CONFIG", "tiles.yaml"),
		TilesOverrides: splitList(getenv("TILES_CONFIG_OVERRIDES", "")),
		StoreRoot:      getenv("STORE_ROOT", "data/tiles"),

		RedisAddr:       getenv("REDIS_ADDR", ""),
		RedisTileTTL:    getduration("REDIS_TILE_TTL", 24*time.Hour),
		MemoryCacheSize: getint("MEMORY_CACHE_SIZE", 4096),
		UpstreamTimeout: getduration("UPSTREAM_TIMEOUT", 30*time.Second),
		SeedMaxParallel: getint("SEED_MAX_PARALLEL", 0),
		SeedOnStart:     getbool("SEED_ON_START", true),
		AdminEnabled:    getbool("ADMIN_ENABLED", false),

		Invalidation: InvalidationCfg{
			Enabled: getbool("INVALIDATION_ENABLED", false),
			Driver:  getenv("INVALIDATION_DRIVER", "none"),
			Topic:   getenv("KAFKA_TOPIC", "tile-invalidation"),
			Brokers: brokers,
			GroupID: getenv("KAFKA_GROUP_ID", "tile-invalidator"),
		},
		SeedEvents: SeedEventsCfg{
			Enabled: getbool("SEED_EVENTS_ENABLED", false),
			Topic:   getenv("SEED_EVENTS_TOPIC", "tile-seeding"),
			Brokers: brokers,
		},
	}
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

// splitList parses "a,b, c" and drops empty items.
func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
