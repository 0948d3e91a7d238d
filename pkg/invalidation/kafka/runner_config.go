package kafka

import (
	"strings"
	"time"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/config"
)

type Driver string

const (
	DriverNone  Driver = "none"
	DriverKafka Driver = "kafka"
)

type InvalidationConfig struct {
	Enabled bool
	Driver  Driver

	Brokers []string
	Topic   string
	GroupID string

	SessionTimeout   time.Duration
	Heartbeat        time.Duration
	RebalanceTimeout time.Duration
	InitialOldest    bool
}

// ConfigFrom completes the process-level settings with the consumer group timings.
func ConfigFrom(c config.InvalidationCfg) InvalidationConfig {
	driver := Driver(strings.TrimSpace(c.Driver))
	if driver == "" {
		driver = DriverNone
	}
	return InvalidationConfig{
		Enabled:          c.Enabled,
		Driver:           driver,
		Brokers:          split(c.Brokers),
		Topic:            c.Topic,
		GroupID:          c.GroupID,
		SessionTimeout:   30 * time.Second,
		Heartbeat:        3 * time.Second,
		RebalanceTimeout: 30 * time.Second,
		InitialOldest:    true,
	}
}

func split(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
