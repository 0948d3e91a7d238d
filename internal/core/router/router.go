// Package router exposes the tile read path and the admin operations over HTTP.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
	mylog "github.com/mohammed-shakir/spatial-tile-cache/internal/logger"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/scheduler"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/service"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// TileReader resolves tile reads.
type TileReader interface {
	Get(ctx context.Context, req service.Request) tile.Result
	Formats(layer string) ([]tile.MediaType, bool)
}

// Admin is the operator surface: seeding triggers and invalidation.
type Admin interface {
	Trigger(provider string, reseed bool) error
	Invalidate(ctx context.Context, layer string, bound orb.Bound, crs string) (int, error)
}

const maxLimit = 100_000

// Mount registers the tile routes, and the admin routes when admin is non-nil.
func Mount(r chi.Router, logger *slog.Logger, tiles TileReader, admin Admin) {
	h := HandleTile(logger, tiles)
	r.Get("/tiles/{layer}/{tileMatrixSetId}/{level}/{row}/{col}", h)
	r.Get("/collections/{layer}/tiles/{tileMatrixSetId}/{level}/{row}/{col}", h)
	if admin != nil {
		r.Post("/admin/seed/{provider}", HandleSeed(logger, admin))
		r.Post("/admin/invalidate/{layer}", HandleInvalidate(logger, admin))
	}
}

// HandleTile serves a single tile.
func HandleTile(logger *slog.Logger, tiles TileReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/tiles", sw.code, time.Since(start).Seconds())
		}()

		req, err := ParseTileRequest(r, tiles)
		if err != nil {
			http.Error(sw, err.Error(), http.StatusBadRequest)
			return
		}
		ctx := mylog.WithLayer(r.Context(), req.Layer)
		res := tiles.Get(ctx, req)
		writeResult(ctx, logger, sw, req, res)
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func writeResult(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, req service.Request, res tile.Result) {
	switch res.Status {
	case tile.StatusFound, tile.StatusFull:
		w.Header().Set("Content-Type", req.MediaType.Type)
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Content)))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(res.Content)
	case tile.StatusEmpty:
		w.Header().Set("Content-Type", req.MediaType.Type)
		w.WriteHeader(http.StatusNoContent)
	case tile.StatusOutsideLimits:
		http.Error(w, res.Message, http.StatusBadRequest)
	case tile.StatusError:
		logger.ErrorContext(ctx, "tile request failed",
			slog.String("tile_matrix_set", req.TileMatrixSet), slog.Int("tile_level", req.Level),
			slog.Int("row", req.Row), slog.Int("col", req.Col), slog.String("err", res.Message))
		http.Error(w, "tile could not be produced", http.StatusInternalServerError)
	default:
		http.Error(w, "tile not found", http.StatusNotFound)
	}
}

// ParseTileRequest reads the path parameters, picks the media type and
// collects the request-scoped parameters.
//
// The format comes from the f parameter, then the Accept header, then the
// layer's first format. Any parameter other than f marks the request as
// carrying extra parameters.
func ParseTileRequest(r *http.Request, tiles TileReader) (service.Request, error) {
	req := service.Request{
		Layer:         chi.URLParam(r, "layer"),
		TileMatrixSet: chi.URLParam(r, "tileMatrixSetId"),
	}
	var err error
	if req.Level, err = pathInt(r, "level"); err != nil {
		return service.Request{}, err
	}
	if req.Row, err = pathInt(r, "row"); err != nil {
		return service.Request{}, err
	}
	if req.Col, err = pathInt(r, "col"); err != nil {
		return service.Request{}, err
	}

	query := r.URL.Query()
	formats, _ := tiles.Formats(req.Layer)
	if req.MediaType, err = negotiate(query.Get("f"), r.Header.Get("Accept"), formats); err != nil {
		return service.Request{}, err
	}

	for k := range query {
		if k != "f" {
			req.ExtraParams = true
			break
		}
	}
	if req.Transient, err = parseTransient(query.Get("filter"), query.Get("properties"), query.Get("limit")); err != nil {
		return service.Request{}, err
	}
	return req, nil
}

func pathInt(r *http.Request, name string) (int, error) {
	raw := chi.URLParam(r, name)
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s: %q", name, raw)
	}
	return n, nil
}

func negotiate(f, accept string, formats []tile.MediaType) (tile.MediaType, error) {
	if f != "" {
		mt, ok := tile.MediaTypeFor(f)
		if !ok {
			return tile.MediaType{}, fmt.Errorf("unsupported format: %q", f)
		}
		return mt, nil
	}
	for part := range strings.SplitSeq(accept, ",") {
		if mt, ok := tile.MediaTypeFor(part); ok && slices.Contains(formats, mt) {
			return mt, nil
		}
	}
	if len(formats) > 0 {
		return formats[0], nil
	}
	// unknown layer, the read path answers NotFound
	return tile.MVT, nil
}

func parseTransient(filter, properties, limit string) (*tile.TransientParams, error) {
	p := &tile.TransientParams{Filter: strings.TrimSpace(filter)}
	for f := range strings.SplitSeq(properties, ",") {
		if f = strings.TrimSpace(f); f != "" {
			p.Fields = append(p.Fields, f)
		}
	}
	if limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n <= 0 || n > maxLimit {
			return nil, fmt.Errorf("invalid limit: %q", limit)
		}
		p.Limit = n
	}
	if p.Filter == "" && len(p.Fields) == 0 && p.Limit == 0 {
		return nil, nil
	}
	return p, nil
}

// HandleSeed starts a seeding run for a provider. reseed=true regenerates
// tiles that are already cached.
func HandleSeed(logger *slog.Logger, admin Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/admin/seed", sw.code, time.Since(start).Seconds())
		}()

		id := chi.URLParam(r, "provider")
		reseed, _ := strconv.ParseBool(r.URL.Query().Get("reseed"))
		err := admin.Trigger(id, reseed)
		switch {
		case err == nil:
			logger.InfoContext(r.Context(), "seeding triggered", slog.String("provider", id), slog.Bool("reseed", reseed))
			writeJSON(sw, http.StatusAccepted, map[string]any{"provider": id, "reseed": reseed})
		case errors.Is(err, scheduler.ErrUnknownPlan):
			http.Error(sw, err.Error(), http.StatusNotFound)
		case errors.Is(err, scheduler.ErrAlreadyRunning):
			http.Error(sw, err.Error(), http.StatusConflict)
		default:
			http.Error(sw, err.Error(), http.StatusServiceUnavailable)
		}
	}
}

// HandleInvalidate deletes the cached tiles of a layer intersecting
// bbox=x1,y1,x2,y2[,CRS]. The CRS defaults to CRS84.
func HandleInvalidate(logger *slog.Logger, admin Admin) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		defer func() {
			observability.ObserveHTTP(r.Method, "/admin/invalidate", sw.code, time.Since(start).Seconds())
		}()

		layer := chi.URLParam(r, "layer")
		bound, crs, err := parseBBOX(r.URL.Query().Get("bbox"))
		if err != nil {
			http.Error(sw, fmt.Sprintf("invalid bbox: %v", err), http.StatusBadRequest)
			return
		}
		ctx := mylog.WithLayer(r.Context(), layer)
		n, err := admin.Invalidate(ctx, layer, bound, crs)
		switch {
		case errors.Is(err, service.ErrUnknownLayer):
			http.Error(sw, err.Error(), http.StatusNotFound)
		case err != nil:
			logger.ErrorContext(ctx, "invalidation failed", slog.Any("err", err))
			http.Error(sw, err.Error(), http.StatusInternalServerError)
		default:
			writeJSON(sw, http.StatusOK, map[string]any{"layer": layer, "ranges": n})
		}
	}
}

func parseBBOX(raw string) (orb.Bound, string, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 4 && len(parts) != 5 {
		return orb.Bound{}, "", errors.New("expected x1,y1,x2,y2[,CRS]")
	}
	var v [4]float64
	for i := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return orb.Bound{}, "", fmt.Errorf("coordinate %d: %w", i+1, err)
		}
		v[i] = f
	}
	if v[2] <= v[0] || v[3] <= v[1] {
		return orb.Bound{}, "", errors.New("coordinates must satisfy x2>x1 and y2>y1")
	}
	crs := tms.CRS84
	if len(parts) == 5 {
		crs = strings.ToUpper(strings.TrimSpace(parts[4]))
	}
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}, crs, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
