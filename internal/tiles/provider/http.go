package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
)

var maxTileBytes int64 = 16 << 20

var errUpstream = errors.New("upstream tile server error")

// HTTPLink fetches tiles from remote servers. Each layer has a URL template that may use
// {layer}, {tileMatrixSet}, {tileMatrix}, {tileRow}, {tileCol}, {fileExtension}
// or the {z}/{x}/{y} convention.
type HTTPLink struct {
	name      string
	client    *http.Client
	templates map[string]string
	levels    Levels
	cb        *gobreaker.CircuitBreaker[tile.Result]
	log       *slog.Logger
}

func NewHTTPLink(name string, client *http.Client, templates map[string]string, levels Levels, log *slog.Logger) *HTTPLink {
	if log == nil {
		log = slog.Default()
	}
	l := &HTTPLink{name: name, client: client, templates: templates, levels: levels, log: log}
	l.cb = gobreaker.NewCircuitBreaker[tile.Result](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("tile upstream circuit state changed",
				slog.String("link", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return l
}

func (l *HTTPLink) Name() string { return l.name }

func (l *HTTPLink) CanProvide(q tile.Query) bool {
	_, ok := l.templates[q.Layer]
	return ok && l.levels.Contains(q.TileMatrixSet, q.Level)
}

// URL expands the layer's template for q.
func (l *HTTPLink) URL(q tile.Query) string {
	level, row, col := strconv.Itoa(q.Level), strconv.Itoa(q.Row), strconv.Itoa(q.Col)
	return strings.NewReplacer(
		"{layer}", q.Layer,
		"{tileMatrixSet}", q.TileMatrixSet,
		"{tileMatrix}", level,
		"{tileRow}", row,
		"{tileCol}", col,
		"{fileExtension}", q.MediaType.Extension,
		"{z}", level,
		"{y}", row,
		"{x}", col,
	).Replace(l.templates[q.Layer])
}

func (l *HTTPLink) GetTile(ctx context.Context, q tile.Query) tile.Result {
	r, err := l.cb.Execute(func() (tile.Result, error) {
		return l.fetch(ctx, q)
	})
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return tile.Errorf("tile upstream %s unavailable: %v", l.name, err)
	case errors.Is(err, errUpstream):
		return r
	case err != nil:
		return tile.Errorf("fetch tile %s: %v", q, err)
	}
	return r
}

// fetch returns an error only for failures that count against the circuit breaker.
func (l *HTTPLink) fetch(ctx context.Context, q tile.Query) (tile.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.URL(q), nil)
	if err != nil {
		return tile.Errorf("build tile request: %v", err), nil
	}
	req.Header.Set("Accept", q.MediaType.Type)

	start := time.Now()
	resp, err := l.client.Do(req)
	observability.ObserveUpstreamLatency(l.name, time.Since(start).Seconds())
	if err != nil {
		return tile.Result{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return tile.NotFound(), nil
	case resp.StatusCode == http.StatusNoContent:
		return tile.Empty(nil), nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		b, err := io.ReadAll(io.LimitReader(resp.Body, maxTileBytes+1))
		if err != nil {
			return tile.Result{}, fmt.Errorf("read tile body: %w", err)
		}
		if int64(len(b)) > maxTileBytes {
			return tile.Errorf("tile from %s exceeds %d bytes", l.name, maxTileBytes), nil
		}
		if len(b) == 0 {
			return tile.Empty(b), nil
		}
		return tile.Found(b), nil
	case resp.StatusCode >= 500:
		return tile.Errorf("tile upstream %s returned %d", l.name, resp.StatusCode), errUpstream
	}
	return tile.Errorf("tile upstream %s returned %d", l.name, resp.StatusCode), nil
}

func (l *HTTPLink) ProcessDelegateResult(_ context.Context, _ tile.Query, r tile.Result) tile.Result {
	return r
}
