// Command tileserver serves cached and generated map tiles and seeds the
// configured tile caches in the background.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/health"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/server"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/logger"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/metrics"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/seedevents"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/providerdata"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/scheduler"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/service"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
	invkafka "github.com/mohammed-shakir/spatial-tile-cache/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

// admin joins the operator actions of the scheduler and the service.
type admin struct {
	*scheduler.Scheduler
	*service.Service
}

func run() int {
	configFlag := flag.String("config", "", "tile provider config file (overrides TILES_CONFIG)")
	flag.Parse()

	cfg := config.FromEnv()
	if *configFlag != "" {
		cfg.TilesConfig = strings.TrimSpace(*configFlag)
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   "tileserver",
		Component: "tileserver",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	mp := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Path:    cfg.MetricsPath,
		Build: metrics.BuildInfo{
			Version:   Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tilesCfg, err := providerdata.Load(cfg.TilesConfig, cfg.TilesOverrides...)
	if err != nil {
		appLog.Error("load tile providers", "err", err, "path", cfg.TilesConfig)
		return 1
	}
	sets, err := tms.LoadRegistry(tilesCfg.TileMatrixSets...)
	if err != nil {
		appLog.Error("load tile matrix sets", "err", err)
		return 1
	}

	deps := service.Deps{
		Sets:       sets,
		Limits:     tms.NewLimitsGenerator(nil, appLog),
		HTTPClient: httpclient.NewOutbound(cfg.UpstreamTimeout),
		RedisTTL:   cfg.RedisTileTTL,
		StoreRoot:  cfg.StoreRoot,
		MemorySize: cfg.MemoryCacheSize,
		Log:        appLog,
	}
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			appLog.Error("redis connect", "err", err, "addr", cfg.RedisAddr)
			return 1
		}
		defer func() { _ = rc.Close() }()
		deps.Redis = rc
	}
	if cfg.SeedEvents.Enabled {
		pub, err := seedevents.NewPublisher(splitBrokers(cfg.SeedEvents.Brokers), cfg.SeedEvents.Topic, 0, appLog)
		if err != nil {
			appLog.Error("seed events publisher", "err", err)
			return 1
		}
		defer func() {
			if err := pub.Close(); err != nil {
				appLog.Warn("seed events close", "err", err)
			}
		}()
		deps.Events = pub
	}

	svc, err := service.New(tilesCfg, deps)
	if err != nil {
		appLog.Error("assemble tile providers", "err", err)
		return 1
	}
	defer func() {
		if err := svc.Close(); err != nil {
			appLog.Warn("close tile providers", "err", err)
		}
	}()

	plans := scheduler.PlansFor(svc, appLog)
	if !cfg.SeedOnStart {
		for i := range plans {
			plans[i].RunOnStartup = false
		}
	}
	sched, err := scheduler.New(svc, plans, appLog, scheduler.WithMaxParallel(cfg.SeedMaxParallel))
	if err != nil {
		appLog.Error("seeding scheduler", "err", err)
		return 1
	}
	sched.Start(ctx)
	defer sched.Stop()

	var consumers []health.ConsumerReporter
	invCfg := invkafka.ConfigFrom(cfg.Invalidation)
	inv := invkafka.New(invCfg, svc, invkafka.Options{Logger: appLog, Register: mp.Registerer()})
	if err := inv.Start(ctx); err != nil {
		appLog.Error("invalidation runner", "err", err)
		return 1
	}
	defer inv.Stop()
	if invCfg.Enabled && invCfg.Driver == invkafka.DriverKafka {
		consumers = append(consumers, inv)
	}

	opts := server.Options{
		Tiles:     svc,
		Status:    svc,
		Consumers: consumers,
	}
	if cfg.MetricsEnabled {
		opts.Metrics = mp.Handler()
	}
	if cfg.AdminEnabled {
		opts.Admin = admin{Scheduler: sched, Service: svc}
	}

	appLog.Info("starting tileserver",
		slog.String("addr", cfg.Addr),
		slog.String("version", Version),
		slog.Any("providers", svc.ProviderIDs()),
		slog.Int("scheduled", sched.Scheduled()))

	if err := server.Run(ctx, cfg, appLog, server.NewHandler(cfg, appLog, opts)); err != nil {
		appLog.Error("server stopped", "err", err)
		return 1
	}
	appLog.Info("shutdown complete")
	return 0
}

func splitBrokers(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
