// Package scheduler triggers seeding runs on startup and on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/seeding"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/service"
)

var (
	ErrAlreadyRunning = errors.New("seeding run already active")
	ErrNotStarted     = errors.New("scheduler not started")
	ErrUnknownPlan    = errors.New("provider has no seeding plan")
)

// Seeder runs one seeding pass for a provider.
type Seeder interface {
	Seed(ctx context.Context, providerID string, opts service.SeedOptions) (seeding.Summary, error)
}

// Plan is when a provider is seeded.
type Plan struct {
	Provider     string
	RunOnStartup bool
	// Schedule is a standard five-field cron expression or descriptor such as @daily.
	Schedule string
}

// PlansFor returns a plan for every provider that can be seeded. Providers
// that cannot are logged and left out.
func PlansFor(svc *service.Service, log *slog.Logger) []Plan {
	var out []Plan
	for _, id := range svc.ProviderIDs() {
		p, err := svc.Provider(id)
		if err != nil {
			continue
		}
		if ok, why := p.CanSeed(); !ok {
			log.Debug("provider not seeded", slog.String("provider", id), slog.String("reason", why))
			continue
		}
		opts := p.Data().Seeding
		out = append(out, Plan{Provider: id, RunOnStartup: opts.OnStartup(), Schedule: opts.Schedule})
	}
	return out
}

// Scheduler runs at most one seeding pass per provider at a time.
type Scheduler struct {
	seeder Seeder
	plans  map[string]Plan
	cron   *cron.Cron
	log    *slog.Logger

	mu          sync.Mutex
	running     map[string]bool
	maxParallel int
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

type Option func(*Scheduler)

// WithMaxParallel overrides the partial task count of every run when n is positive.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) { s.maxParallel = n }
}

func New(seeder Seeder, plans []Plan, log *slog.Logger, opts ...Option) (*Scheduler, error) {
	if log == nil {
		log = slog.Default()
	}
	cl := cronLogger{log: log}
	s := &Scheduler{
		seeder:  seeder,
		plans:   map[string]Plan{},
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		log:     log,
		running: map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	for _, p := range plans {
		s.plans[p.Provider] = p
		if p.Schedule == "" {
			continue
		}
		id := p.Provider
		if _, err := s.cron.AddFunc(p.Schedule, func() { s.run(id, "schedule", false) }); err != nil {
			return nil, fmt.Errorf("seeding schedule for %s: %w", id, err)
		}
	}
	return s, nil
}

// Scheduled is the number of cron entries.
func (s *Scheduler) Scheduled() int { return len(s.cron.Entries()) }

// Start launches startup runs and the cron loop. Runs use a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	for id, p := range s.plans {
		if !p.RunOnStartup {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.run(id, "startup", false)
		}()
	}
	s.cron.Start()
}

// Stop cancels active runs and waits for them to end.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.cron.Stop().Done()
	s.wg.Wait()
}

// Trigger starts a run for provider in the background.
func (s *Scheduler) Trigger(provider string, reseed bool) error {
	if _, ok := s.plans[provider]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPlan, provider)
	}
	ctx, err := s.claim(provider)
	if err != nil {
		return err
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.seed(ctx, provider, "manual", reseed)
	}()
	return nil
}

// Running reports whether a run for provider is active.
func (s *Scheduler) Running(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[provider]
}

// claim marks provider as running and returns the run context.
func (s *Scheduler) claim(provider string) (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.ctx == nil || s.ctx.Err() != nil:
		return nil, ErrNotStarted
	case s.running[provider]:
		return nil, ErrAlreadyRunning
	}
	s.running[provider] = true
	return s.ctx, nil
}

func (s *Scheduler) run(provider, trigger string, reseed bool) {
	ctx, err := s.claim(provider)
	if err != nil {
		s.log.Info("seeding run skipped", slog.String("provider", provider), slog.String("trigger", trigger), slog.Any("reason", err))
		return
	}
	s.seed(ctx, provider, trigger, reseed)
}

func (s *Scheduler) seed(ctx context.Context, provider, trigger string, reseed bool) {
	defer func() {
		s.mu.Lock()
		delete(s.running, provider)
		s.mu.Unlock()
	}()

	label := provider + "/" + trigger
	sum, err := s.seeder.Seed(ctx, provider, service.SeedOptions{Reseed: reseed, Label: label, MaxParallel: s.maxParallel})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("seeding run failed", slog.String("provider", provider), slog.String("trigger", trigger), slog.Any("err", err))
		return
	}
	s.log.Info("seeding run ended", slog.String("provider", provider), slog.String("trigger", trigger),
		slog.Int64("done", sum.Done), slog.Int64("total", sum.Total))
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
