// Package invalidation defines the change events that evict cached tiles.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// Event reports a change of the features behind a layer inside an area.
// Exactly one of BBox or Geometry is set.
type Event struct {
	Version   int             `json:"version"`
	Op        string          `json:"op"`
	Layer     string          `json:"layer"`
	TS        time.Time       `json:"ts"`
	FeatureID string          `json:"feature_id,omitempty"`
	Revision  uint64          `json:"revision,omitempty"`
	Source    string          `json:"source,omitempty"`
	BBox      *BBox           `json:"bbox,omitempty"`
	Geometry  json.RawMessage `json:"geometry,omitempty"`
}

type BBox struct {
	X1  float64 `json:"x1"`
	Y1  float64 `json:"y1"`
	X2  float64 `json:"x2"`
	Y2  float64 `json:"y2"`
	CRS string  `json:"crs,omitempty"`
}

// Crs returns the bbox CRS, CRS84 when unset.
func (b BBox) Crs() string {
	if b.CRS == "" {
		return tms.CRS84
	}
	return tms.NormalizeCRS(b.CRS)
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete":
	default:
		return errors.New("op must be insert|update|delete")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return errors.New("layer is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	hasBBox := e.BBox != nil
	hasGeom := len(e.Geometry) > 0
	if hasBBox == hasGeom {
		return errors.New("exactly one of bbox or geometry is required")
	}
	if hasBBox {
		return e.BBox.validate()
	}
	_, err := e.geometry()
	return err
}

func (b BBox) validate() error {
	switch b.Crs() {
	case tms.CRS84:
		if !(b.X1 >= -180 && b.X1 <= 180 && b.X2 >= -180 && b.X2 <= 180) {
			return errors.New("bbox longitude out of range")
		}
		if !(b.Y1 >= -90 && b.Y1 <= 90 && b.Y2 >= -90 && b.Y2 <= 90) {
			return errors.New("bbox latitude out of range")
		}
	case tms.CRSWebMercator:
	default:
		return fmt.Errorf("bbox.crs %q is not supported", b.CRS)
	}
	if !(b.X2 > b.X1 && b.Y2 > b.Y1) {
		return errors.New("bbox must satisfy x2>x1 and y2>y1")
	}
	return nil
}

func (e Event) geometry() (orb.Geometry, error) {
	g, err := geojson.UnmarshalGeometry(e.Geometry)
	if err != nil {
		return nil, fmt.Errorf("geometry parse: %w", err)
	}
	switch g.Geometry().(type) {
	case orb.Polygon, orb.MultiPolygon:
		return g.Geometry(), nil
	}
	return nil, errors.New("geometry.type must be Polygon or MultiPolygon")
}

// Area returns the area to evict and its CRS. GeoJSON geometries are CRS84.
func (e Event) Area() (orb.Bound, string, error) {
	if e.BBox != nil {
		b := orb.Bound{Min: orb.Point{e.BBox.X1, e.BBox.Y1}, Max: orb.Point{e.BBox.X2, e.BBox.Y2}}
		return b, e.BBox.Crs(), nil
	}
	g, err := e.geometry()
	if err != nil {
		return orb.Bound{}, "", err
	}
	return g.Bound(), tms.CRS84, nil
}

// DedupeKey identifies the feature whose revisions are ordered; empty when
// the event carries no revision.
func (e Event) DedupeKey() string {
	if e.Revision == 0 || e.FeatureID == "" {
		return ""
	}
	return e.Layer + "/" + e.FeatureID
}
