package features

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// WFSSource queries an OGC WFS 2.0 endpoint (e.g. GeoServer /ows) for GeoJSON.
type WFSSource struct {
	logger *slog.Logger
	client *http.Client
	owsURL *url.URL
}

func OWSEndpoint(base string) string {
	return strings.TrimRight(base, "/") + "/ows"
}

func NewWFSSource(logger *slog.Logger, client *http.Client, ows string) (*WFSSource, error) {
	u, err := url.Parse(ows)
	if err != nil {
		return nil, fmt.Errorf("parse ows url: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WFSSource{logger: logger, client: client, owsURL: u}, nil
}

func srsName(crs string) string {
	if tms.NormalizeCRS(crs) == tms.CRS84 {
		return "urn:ogc:def:crs:OGC:1.3:CRS84"
	}
	return crs
}

// GetFeatureParams builds the GetFeature request for q.
func GetFeatureParams(q Query) url.Values {
	params := url.Values{}
	params.Set("service", "WFS")
	params.Set("version", "2.0.0")
	params.Set("request", "GetFeature")
	params.Set("typeNames", q.Collection)
	params.Set("outputFormat", "application/json")
	if q.CRS != "" {
		srs := srsName(q.CRS)
		params.Set("srsName", srs)
		params.Set("bbox", fmt.Sprintf("%s,%s,%s,%s,%s",
			ftoa(q.Bound.Min.X()), ftoa(q.Bound.Min.Y()), ftoa(q.Bound.Max.X()), ftoa(q.Bound.Max.Y()), srs))
	}
	switch len(q.Filters) {
	case 0:
	case 1:
		params.Set("cql_filter", q.Filters[0])
	default:
		params.Set("cql_filter", "("+strings.Join(q.Filters, ") AND (")+")")
	}
	if len(q.Fields) > 0 {
		params.Set("propertyName", strings.Join(q.Fields, ","))
	}
	if q.Limit > 0 {
		params.Set("count", strconv.Itoa(q.Limit))
	}
	return params
}

func ftoa(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func (s *WFSSource) Features(ctx context.Context, q Query) (*geojson.FeatureCollection, error) {
	u := *s.owsURL
	u.RawQuery = GetFeatureParams(q).Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	dur := time.Since(start)
	observability.ObserveUpstreamLatency("wfs", dur.Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, fmt.Errorf("upstream status %d: %s", resp.StatusCode, string(b))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	fc := geojson.NewFeatureCollection()
	if err := json.Unmarshal(b, fc); err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	s.logger.Debug("wfs features fetched",
		slog.String("collection", q.Collection),
		slog.Int("features", len(fc.Features)),
		slog.Duration("duration", dur))
	return fc, nil
}
