// Command tileinvalidate publishes a tile invalidation event for a layer and
// an area to the invalidation topic.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/spatial-tile-cache/internal/invalidation"
)

type options struct {
	layer     string
	bbox      string
	geometry  string
	op        string
	featureID string
	revision  uint64
	dryRun    bool
}

func main() {
	var o options
	flag.StringVar(&o.layer, "layer", "", "layer to invalidate")
	flag.StringVar(&o.bbox, "bbox", "", "area as x1,y1,x2,y2[,CRS] (default CRS84)")
	flag.StringVar(&o.geometry, "geometry", "", "area as a GeoJSON Polygon or MultiPolygon")
	flag.StringVar(&o.op, "op", "update", "insert|update|delete")
	flag.StringVar(&o.featureID, "feature", "", "changed feature id")
	flag.Uint64Var(&o.revision, "revision", 0, "feature revision; older revisions are ignored by consumers")
	flag.BoolVar(&o.dryRun, "dry-run", false, "print the event instead of publishing it")
	flag.Parse()

	if err := run(o, config.FromEnv().Invalidation); err != nil {
		fmt.Fprintln(os.Stderr, "tileinvalidate:", err)
		os.Exit(1)
	}
}

func run(o options, cfg config.InvalidationCfg) error {
	ev, err := buildEvent(o, time.Now().UTC())
	if err != nil {
		return err
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if o.dryRun {
		fmt.Println(string(b))
		return nil
	}

	sc := sarama.NewConfig()
	sc.Version = sarama.V2_5_0_0
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	prod, err := sarama.NewSyncProducer(splitList(cfg.Brokers), sc)
	if err != nil {
		return fmt.Errorf("producer create: %w", err)
	}
	defer func() { _ = prod.Close() }()

	part, off, err := prod.SendMessage(&sarama.ProducerMessage{
		Topic: cfg.Topic,
		Key:   sarama.StringEncoder(ev.Layer),
		Value: sarama.ByteEncoder(b),
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	fmt.Printf("published to %s partition=%d offset=%d\n", cfg.Topic, part, off)
	return nil
}

func buildEvent(o options, now time.Time) (invalidation.Event, error) {
	ev := invalidation.Event{
		Version:   1,
		Op:        o.op,
		Layer:     strings.TrimSpace(o.layer),
		TS:        now,
		FeatureID: o.featureID,
		Revision:  o.revision,
		Source:    "tileinvalidate",
	}
	switch {
	case o.bbox != "" && o.geometry != "":
		return ev, errors.New("use either -bbox or -geometry")
	case o.bbox != "":
		bb, err := parseBBox(o.bbox)
		if err != nil {
			return ev, err
		}
		ev.BBox = &bb
	case o.geometry != "":
		ev.Geometry = json.RawMessage(o.geometry)
	}
	if err := ev.Validate(); err != nil {
		return ev, fmt.Errorf("invalid event: %w", err)
	}
	return ev, nil
}

func parseBBox(s string) (invalidation.BBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 && len(parts) != 5 {
		return invalidation.BBox{}, errors.New("bbox: expected x1,y1,x2,y2[,CRS]")
	}
	var v [4]float64
	for i := range v {
		f, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return invalidation.BBox{}, fmt.Errorf("bbox: %w", err)
		}
		v[i] = f
	}
	bb := invalidation.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	if len(parts) == 5 {
		bb.CRS = strings.TrimSpace(parts[4])
	}
	return bb, nil
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
