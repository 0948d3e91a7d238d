// Package service assembles tile providers from configuration and serves the tile read path.
package service

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"path/filepath"
	"slices"
	"time"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/features"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/provider"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/providerdata"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/store"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tile"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tilecache"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tms"
)

var (
	ErrUnknownProvider = errors.New("unknown tile provider")
	ErrUnknownLayer    = errors.New("unknown tile layer")
)

// Deps are the collaborators shared by every provider.
type Deps struct {
	Sets       *tms.Registry
	Limits     *tms.LimitsGenerator
	HTTPClient *http.Client
	Redis      *redisstore.Client
	RedisTTL   time.Duration
	// StoreRoot holds one cache directory per provider.
	StoreRoot  string
	MemorySize int
	// Features replaces the WFS feature source of features providers.
	Features features.Source
	Encoder  features.Encoder
	Events   tilecache.EventSink
	Log      *slog.Logger
}

// Service serves the layers of all configured providers. Layer names are unique across providers.
type Service struct {
	deps      Deps
	providers map[string]*Provider
	byLayer   map[string]*Provider
	closers   []io.Closer
}

// Provider is one assembled tile provider.
type Provider struct {
	data   providerdata.TileProviderData
	layers map[string]*layer
	// chain starts with the cache links; generate holds only the producing links.
	chain    *provider.Chain
	generate *provider.Chain
	memory   *provider.MemoryLink
	store    store.Store
	cache    *tilecache.TileCache
	log      *slog.Logger
}

type layer struct {
	name          string
	formats       []tile.MediaType
	sets          []string
	levels        provider.Levels
	cacheLevels   provider.Levels
	seedingLevels provider.Levels
	extent        *tms.Extent
	limits        map[string][]tms.Limits
	generation    *tile.GenerationParams
}

// New assembles every provider of cfg.
func New(cfg *providerdata.Config, deps Deps) (*Service, error) {
	if deps.Sets == nil {
		deps.Sets = tms.DefaultRegistry()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	if deps.Limits == nil {
		deps.Limits = tms.NewLimitsGenerator(nil, deps.Log)
	}
	if deps.HTTPClient == nil {
		deps.HTTPClient = http.DefaultClient
	}
	s := &Service{deps: deps, providers: map[string]*Provider{}, byLayer: map[string]*Provider{}}
	for _, id := range cfg.ProviderIDs() {
		p, err := s.assemble(cfg.Providers[id])
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("tile provider %s: %w", id, err)
		}
		s.providers[id] = p
		for name := range p.layers {
			if other, dup := s.byLayer[name]; dup {
				_ = s.Close()
				return nil, fmt.Errorf("layer %s is served by providers %s and %s", name, other.data.ID, id)
			}
			s.byLayer[name] = p
		}
	}
	return s, nil
}

func (s *Service) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

func (s *Service) ProviderIDs() []string {
	return slices.Sorted(maps.Keys(s.providers))
}

func (s *Service) Provider(id string) (*Provider, error) {
	p, ok := s.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	return p, nil
}

// Layers lists the served layer names.
func (s *Service) Layers() []string {
	return slices.Sorted(maps.Keys(s.byLayer))
}

func (p *Provider) ID() string { return p.data.ID }
func (p *Provider) Data() providerdata.TileProviderData { return p.data }
func (p *Provider) Chain() *provider.Chain { return p.chain }
func (p *Provider) Store() store.Store { return p.store }
func (p *Provider) Cache() *tilecache.TileCache { return p.cache }

func (p *Provider) CacheEnabled() bool { return p.store != nil }

// StagingInProgress reports whether the provider's store has an open staging session.
func (p *Provider) StagingInProgress() bool {
	if p.store == nil {
		return false
	}
	st, ok := store.CanStage(p.store)
	return ok && st.InProgress()
}

func storeDir(root, providerID string) string {
	return filepath.Join(root, providerID)
}
