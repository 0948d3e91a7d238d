package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/logger"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/providerdata"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/service"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// common holds the flags shared by every subcommand.
type common struct {
	configPath string
	providers  string
	storeRoot  string
}

func (c *common) setFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "tile provider config file (default TILES_CONFIG)")
	f.StringVar(&c.providers, "providers", "", "comma separated provider ids (default: every cached provider)")
	f.StringVar(&c.storeRoot, "store", "", "tile store root (default STORE_ROOT)")
}

// env is an opened tile service plus what it needs to be released.
type env struct {
	svc    *service.Service
	log    *slog.Logger
	ids    []string
	closer func()
}

func (c *common) open(ctx context.Context) (*env, error) {
	cfg := config.FromEnv()
	if c.configPath != "" {
		cfg.TilesConfig = c.configPath
	}
	if c.storeRoot != "" {
		cfg.StoreRoot = c.storeRoot
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   true,
		Service:   "tileseed",
		Component: "tileseed",
	}, os.Stderr)
	log := logger.NewSlog(&zl)

	tilesCfg, err := providerdata.Load(cfg.TilesConfig, cfg.TilesOverrides...)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", cfg.TilesConfig, err)
	}
	sets, err := tms.LoadRegistry(tilesCfg.TileMatrixSets...)
	if err != nil {
		return nil, err
	}
	deps := service.Deps{
		Sets:       sets,
		Limits:     tms.NewLimitsGenerator(nil, log),
		HTTPClient: httpclient.NewOutbound(cfg.UpstreamTimeout),
		RedisTTL:   cfg.RedisTileTTL,
		StoreRoot:  cfg.StoreRoot,
		Log:        log,
	}
	closers := []func(){}
	if cfg.RedisAddr != "" {
		rc, err := redisstore.New(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
	}
	svc, err := service.New(tilesCfg, deps)
	if err != nil {
		for _, f := range closers {
			f()
		}
		return nil, err
	}
	closers = append([]func(){func() { _ = svc.Close() }}, closers...)

	ids, err := c.selected(svc)
	if err != nil {
		for _, f := range closers {
			f()
		}
		return nil, err
	}
	return &env{svc: svc, log: log, ids: ids, closer: func() {
		for _, f := range closers {
			f()
		}
	}}, nil
}

// selected resolves -providers; by default every provider with a cache.
func (c *common) selected(svc *service.Service) ([]string, error) {
	if c.providers == "" {
		var out []string
		for _, id := range svc.ProviderIDs() {
			if p, _ := svc.Provider(id); p != nil && p.CacheEnabled() {
				out = append(out, id)
			}
		}
		return out, nil
	}
	var out []string
	for id := range strings.SplitSeq(c.providers, ",") {
		id = strings.TrimSpace(id)
		if id == "" || slices.Contains(out, id) {
			continue
		}
		if _, err := svc.Provider(id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
