// Package seedevents publishes seeding run events to Kafka.
package seedevents

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/tilecache"
)

// Event is the wire form of a tilecache.RunEvent.
type Event struct {
	Label   string    `json:"label"`
	Phase   string    `json:"phase"`
	Layers  []string  `json:"layers"`
	Total   int64     `json:"total"`
	Done    int64     `json:"done"`
	Skipped int64     `json:"skipped"`
	Stored  int64     `json:"stored"`
	Missing int64     `json:"missing"`
	Failed  int64     `json:"failed"`
	Error   string    `json:"error,omitempty"`
	TS      time.Time `json:"ts"`
}

func fromRun(ev tilecache.RunEvent) Event {
	return Event{
		Label:   ev.Label,
		Phase:   string(ev.Phase),
		Layers:  ev.Layers,
		Total:   ev.Summary.Total,
		Done:    ev.Summary.Done,
		Skipped: ev.Summary.Skipped,
		Stored:  ev.Summary.Stored,
		Missing: ev.Summary.Missing,
		Failed:  ev.Summary.Failed,
		Error:   ev.Err,
		TS:      ev.At.UTC(),
	}
}

// Publisher implements tilecache.EventSink on a sarama async producer.
// Publish never blocks; events are dropped when the queue is full.
type Publisher struct {
	topic   string
	log     *slog.Logger
	events  chan Event
	prod    sarama.AsyncProducer
	stopped chan struct{}
	errDone chan struct{}
}

func NewPublisher(brokers []string, topic string, queueSize int, log *slog.Logger) (*Publisher, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.Return.Errors = true
	cfg.Producer.Return.Successes = false

	prod, err := sarama.NewAsyncProducer(brokers, cfg)
	if err != nil {
		return nil, fmt.Errorf("seedevents: create async producer: %w", err)
	}
	return newPublisher(prod, topic, queueSize, log), nil
}

func newPublisher(prod sarama.AsyncProducer, topic string, queueSize int, log *slog.Logger) *Publisher {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Publisher{
		topic:   topic,
		log:     log,
		events:  make(chan Event, queueSize),
		prod:    prod,
		stopped: make(chan struct{}),
		errDone: make(chan struct{}),
	}

	go func() {
		defer close(p.stopped)
		for ev := range p.events {
			b, err := json.Marshal(ev)
			if err != nil {
				p.log.Error("seedevents: marshal", slog.Any("err", err))
				continue
			}
			// keyed by label so the events of one run stay ordered
			p.prod.Input() <- &sarama.ProducerMessage{
				Topic: p.topic,
				Key:   sarama.StringEncoder(ev.Label),
				Value: sarama.ByteEncoder(b),
			}
		}
	}()

	go func() {
		defer close(p.errDone)
		for err := range p.prod.Errors() {
			if err != nil {
				p.log.Warn("seedevents: producer error", slog.Any("err", err))
			}
		}
	}()

	return p
}

func (p *Publisher) Publish(ev tilecache.RunEvent) {
	select {
	case p.events <- fromRun(ev):
	default:
		p.log.Warn("seedevents: queue full, event dropped",
			slog.String("label", ev.Label), slog.String("phase", string(ev.Phase)))
	}
}

// Close flushes queued events and closes the producer. Publish must not be
// called afterwards.
func (p *Publisher) Close() error {
	close(p.events)
	<-p.stopped
	err := p.prod.Close()
	<-p.errDone
	if err != nil {
		return fmt.Errorf("seedevents: close producer: %w", err)
	}
	return nil
}
