// Package kafka consumes tile invalidation events from a Kafka topic.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/invalidation"
	mylog "github.com/mohammed-shakir/spatial-tile-cache/internal/logger"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/service"
)

// Invalidator deletes the cached tiles of a layer inside an area.
type Invalidator interface {
	Invalidate(ctx context.Context, layer string, bound orb.Bound, crs string) (int, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	target   Invalidator
	ms       *metricSet
	revs     *revisions
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	// DedupeSize bounds the number of features or areas whose last revision is remembered.
	DedupeSize int
}

func New(cfg InvalidationConfig, target Invalidator, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.DedupeSize <= 0 {
		opts.DedupeSize = 8192
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		target: target,
		ms:     newMetricSet(opts.Register),
		revs:   newRevisions(opts.DedupeSize),
		assign: map[int32]struct{}{},
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.target == nil {
		return errors.New("kafka runner: invalidation target is required")
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = r.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = r.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = r.cfg.RebalanceTimeout
	if r.cfg.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			claims := sess.Claims()
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range claims {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", slog.Any("err", err))
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				r.log.Error("kafka consume error", slog.Any("err", err))
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			r.log.Error("kafka group error", slog.Any("err", err))
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()
	if !msg.Timestamp.IsZero() {
		r.ms.lagGauge.Set(time.Since(msg.Timestamp).Seconds())
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.skip(msg, "decode", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.skip(msg, "validate", err)
		return nil
	}
	err := r.apply(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	return err
}

// skip drops a message that can never be applied so the partition keeps moving.
func (r *Runner) skip(msg *sarama.ConsumerMessage, kind string, err error) {
	r.ms.msgs.WithLabelValues("error").Inc()
	r.ms.apply.WithLabelValues("skip_" + kind).Inc()
	r.log.Warn("invalid invalidation event dropped",
		slog.String("kind", kind),
		slog.String("topic", msg.Topic),
		slog.Int("partition", int(msg.Partition)),
		slog.Int64("offset", msg.Offset),
		slog.Any("err", err))
}

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Runner) apply(ctx context.Context, ev invalidation.Event) error {
	bound, crs, err := ev.Area()
	if err != nil {
		return err
	}
	key, revisioned := subject(ev, bound, crs)
	if revisioned && r.revs.stale(key, ev.Revision) {
		r.ms.apply.WithLabelValues("skip_version").Inc()
		return nil
	}
	ctx = mylog.WithLayer(mylog.WithComponent(ctx, "invalidation"), ev.Layer)
	n, err := r.target.Invalidate(ctx, ev.Layer, bound, crs)
	if errors.Is(err, service.ErrUnknownLayer) {
		r.ms.apply.WithLabelValues("skip_layer").Inc()
		r.log.DebugContext(ctx, "invalidation for unserved layer ignored")
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalidate %s: %w", ev.Layer, err)
	}
	if revisioned {
		r.revs.applied(key, ev.Revision)
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(n))
	r.log.DebugContext(ctx, "tiles invalidated", slog.String("op", ev.Op), slog.Int("ranges", n))
	return nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
