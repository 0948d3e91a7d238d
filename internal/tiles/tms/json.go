package tms

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/paulmach/orb"
)

type crsRef string

func (c *crsRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*c = crsRef(s)
		return nil
	}
	var obj struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("crs: %w", err)
	}
	*c = crsRef(obj.URI)
	return nil
}

type tmsDocument struct {
	ID          string `json:"id"`
	CRS         crsRef `json:"crs"`
	BoundingBox *struct {
		LowerLeft  [2]float64 `json:"lowerLeft"`
		UpperRight [2]float64 `json:"upperRight"`
	} `json:"boundingBox"`
	TileMatrices []struct {
		ID               string     `json:"id"`
		ScaleDenominator float64    `json:"scaleDenominator"`
		CellSize         float64    `json:"cellSize"`
		CornerOfOrigin   string     `json:"cornerOfOrigin"`
		PointOfOrigin    [2]float64 `json:"pointOfOrigin"`
		TileWidth        int        `json:"tileWidth"`
		TileHeight       int        `json:"tileHeight"`
		MatrixWidth      int        `json:"matrixWidth"`
		MatrixHeight     int        `json:"matrixHeight"`
	} `json:"tileMatrices"`
}

// Decode reads an OGC 2D tile matrix set JSON document.
func Decode(r io.Reader) (*TileMatrixSet, error) {
	var doc tmsDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode tile matrix set: %w", err)
	}
	s := &TileMatrixSet{ID: doc.ID, CRS: NormalizeCRS(string(doc.CRS))}
	if doc.BoundingBox != nil {
		s.BoundingBox = orb.Bound{
			Min: orb.Point(doc.BoundingBox.LowerLeft),
			Max: orb.Point(doc.BoundingBox.UpperRight),
		}
	}
	for _, m := range doc.TileMatrices {
		if c := strings.ToLower(m.CornerOfOrigin); c != "" && c != "topleft" {
			return nil, fmt.Errorf("tile matrix %s of %s: corner of origin %q is not supported", m.ID, doc.ID, m.CornerOfOrigin)
		}
		level, err := strconv.Atoi(m.ID)
		if err != nil {
			return nil, fmt.Errorf("tile matrix id %q of %s is not a level number", m.ID, doc.ID)
		}
		s.Matrices = append(s.Matrices, TileMatrix{
			Level:            level,
			Cols:             m.MatrixWidth,
			Rows:             m.MatrixHeight,
			ScaleDenominator: m.ScaleDenominator,
			CellSize:         m.CellSize,
			TopLeft:          orb.Point(m.PointOfOrigin),
			TileWidth:        m.TileWidth,
			TileHeight:       m.TileHeight,
		})
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func LoadFile(path string) (*TileMatrixSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tile matrix set: %w", err)
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}
