// Package tile defines the value types passed through the tile pipeline.
package tile

import (
	"fmt"
	"strings"
)

// Coordinates identifies a tile's grid position inside a tile matrix set.
type Coordinates struct {
	TileMatrixSet string
	Level         int
	Row           int
	Col           int
}

func (c Coordinates) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", c.TileMatrixSet, c.Level, c.Row, c.Col)
}

// MediaType is an encoded tile format.
type MediaType struct {
	Type      string
	Extension string
	Label     string
}

var (
	MVT  = MediaType{Type: "application/vnd.mapbox-vector-tile", Extension: "pbf", Label: "MVT"}
	PNG  = MediaType{Type: "image/png", Extension: "png", Label: "PNG"}
	JPEG = MediaType{Type: "image/jpeg", Extension: "jpeg", Label: "JPEG"}
	WebP = MediaType{Type: "image/webp", Extension: "webp", Label: "WebP"}
)

var mediaTypes = []MediaType{MVT, PNG, JPEG, WebP}

// MediaTypeFor resolves a content type, file extension or label ("mvt", "png", ...).
func MediaTypeFor(s string) (MediaType, bool) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return MediaType{}, false
	}
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	for _, mt := range mediaTypes {
		if s == mt.Type || s == mt.Extension || s == strings.ToLower(mt.Label) {
			return mt, true
		}
	}
	switch s {
	case "jpg":
		return JPEG, true
	case "mvt", "application/x-protobuf":
		return MVT, true
	}
	return MediaType{}, false
}

// IsVector reports whether tiles of this type are encoded from feature data.
func (m MediaType) IsVector() bool {
	return m.Type == MVT.Type
}

func (m MediaType) String() string {
	return m.Type
}
