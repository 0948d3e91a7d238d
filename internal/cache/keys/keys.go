// Package keys builds the Redis key scheme for cached tiles.
package keys

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

const prefix = "tile"

var filterPunct = regexp.MustCompile(`\s*([=<>!\.,\(\)])\s*`)

// Tile returns the key of one tile. Tiles generated with level filters get a
// hash suffix so differently filtered variants of a layer never collide.
func Tile(layer, tileMatrixSet string, level, row, col int, ext, filters string) string {
	k := fmt.Sprintf("%s:%s:%s:%d:%d:%d:%s", prefix, sanitize(strings.TrimSpace(layer)), sanitize(tileMatrixSet), level, row, col, sanitize(ext))
	if f := normalizeFilters(filters); f != "" {
		k += fmt.Sprintf(":f=%016x", xxhash.Sum64String(f))
	}
	return k
}

// LevelPattern matches every tile of a layer at one level.
func LevelPattern(layer, tileMatrixSet string, level int) string {
	return fmt.Sprintf("%s:%s:%s:%d:*", prefix, sanitize(strings.TrimSpace(layer)), sanitize(tileMatrixSet), level)
}

// LayerPattern matches every tile of a layer.
func LayerPattern(layer string) string {
	return fmt.Sprintf("%s:%s:*", prefix, sanitize(strings.TrimSpace(layer)))
}

// RowCol extracts the grid position from a key produced by Tile.
func RowCol(key string) (row, col int, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 7 || parts[0] != prefix {
		return 0, 0, false
	}
	r, err1 := strconv.Atoi(parts[4])
	c, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return r, c, true
}

func normalizeFilters(s string) string {
	if s == "" {
		return ""
	}
	s = collapseASCIIWhitespace(strings.TrimSpace(s))
	return filterPunct.ReplaceAllString(s, "$1")
}

// sanitize keeps keys ASCII and free of the ':' separator and glob characters.
func sanitize(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.':
			out = r
		default:
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
