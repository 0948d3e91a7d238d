package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

// RedisStore shares cached tiles between instances. It has no staging support.
type RedisStore struct {
	client *redisstore.Client
	ttl    time.Duration
}

func NewRedisStore(client *redisstore.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, ttl: ttl}
}

func redisKey(q tile.Query) string {
	return keys.Tile(q.Layer, q.TileMatrixSet, q.Level, q.Row, q.Col, q.MediaType.Extension,
		strings.Join(q.Generation.Filters(q.Level), " AND "))
}

func (s *RedisStore) Has(ctx context.Context, q tile.Query) (bool, error) {
	return s.client.Exists(ctx, redisKey(q))
}

func (s *RedisStore) Get(ctx context.Context, q tile.Query) tile.Result {
	b, ok, err := s.client.Get(ctx, redisKey(q))
	switch {
	case err != nil:
		return tile.Errorf("read tile %s: %v", q, err)
	case !ok:
		return tile.NotFound()
	case len(b) == 0:
		return tile.Empty(b)
	}
	return tile.Found(b)
}

func (s *RedisStore) IsEmpty(ctx context.Context, q tile.Query) (bool, bool, error) {
	key := redisKey(q)
	ok, err := s.client.Exists(ctx, key)
	if err != nil || !ok {
		return false, false, err
	}
	n, err := s.client.StrLen(ctx, key)
	if err != nil {
		return false, false, err
	}
	return n == 0, true, nil
}

func (s *RedisStore) Put(ctx context.Context, q tile.Query, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	return s.client.Set(ctx, redisKey(q), content, s.ttl)
}

func (s *RedisStore) Delete(ctx context.Context, q tile.Query) error {
	return s.client.Del(ctx, redisKey(q))
}

func (s *RedisStore) DeleteLimits(ctx context.Context, layer, tileMatrixSet string, limits tms.Limits, inverse bool) error {
	_, err := s.client.DeleteMatching(ctx, keys.LevelPattern(layer, tileMatrixSet, limits.Level), func(k string) bool {
		row, col, ok := keys.RowCol(k)
		return ok && limits.Contains(row, col) != inverse
	})
	if err != nil {
		return fmt.Errorf("delete %s/%s level %d: %w", layer, tileMatrixSet, limits.Level, err)
	}
	return nil
}

func (s *RedisStore) Purge(ctx context.Context, layer string) error {
	if _, err := s.client.DeleteMatching(ctx, keys.LayerPattern(layer), nil); err != nil {
		return fmt.Errorf("purge layer %s: %w", layer, err)
	}
	return nil
}
