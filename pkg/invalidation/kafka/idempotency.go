package kafka

import (
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/invalidation"
)

// revisions remembers the last applied revision per invalidation subject, so
// redelivered or reordered events do not evict the same tiles again.
type revisions struct {
	mu   sync.Mutex
	last *lru.Cache[uint64, uint64]
}

func newRevisions(size int) *revisions {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[uint64, uint64](size)
	return &revisions{last: c}
}

// subject keys a revisioned event by layer and feature, or by layer and area
// when it names no feature. Events without a revision are never deduplicated.
func subject(ev invalidation.Event, area orb.Bound, crs string) (uint64, bool) {
	if ev.Revision == 0 {
		return 0, false
	}
	if k := ev.DedupeKey(); k != "" {
		return xxhash.Sum64String(k), true
	}
	b := make([]byte, 0, 96)
	b = append(b, ev.Layer...)
	b = append(b, '@')
	b = append(b, crs...)
	for _, v := range []float64{area.Min.X(), area.Min.Y(), area.Max.X(), area.Max.Y()} {
		b = append(b, ',')
		b = strconv.AppendFloat(b, v, 'g', -1, 64)
	}
	return xxhash.Sum64(b), true
}

// stale reports whether rev is not newer than the last applied revision of key.
func (r *revisions) stale(key, rev uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.last.Get(key)
	return ok && rev <= last
}

// applied records rev once the tiles are gone.
func (r *revisions) applied(key, rev uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.last.Get(key); ok && last >= rev {
		return
	}
	r.last.Add(key, rev)
}
