// Package server wires the HTTP routes and runs the listener.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/spatial-tile-cache/internal/core/middleware"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/router"
)

type Options struct {
	Tiles router.TileReader
	// Admin enables the /admin routes when non-nil.
	Admin     router.Admin
	Status    health.StatusReporter
	Consumers []health.ConsumerReporter
	// Metrics is mounted at cfg.MetricsPath when non-nil.
	Metrics http.Handler
}

func NewHandler(cfg config.Config, logger *slog.Logger, opts Options) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	if opts.Status != nil {
		r.Get("/readyz", health.Readiness(opts.Status, opts.Consumers...))
	}
	if opts.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, opts.Metrics)
	}
	router.Mount(r, logger, opts.Tiles, opts.Admin)
	return r
}

// Run serves handler on cfg.Addr until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config, logger *slog.Logger, handler http.Handler) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
