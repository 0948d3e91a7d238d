// Package health serves the liveness and readiness probes.
package health

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/tiles/service"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// StatusReporter reports the seeding state of every tile provider.
type StatusReporter interface {
	Status() []service.Status
}

// ConsumerReporter is a background consumer that is ready once it holds
// partitions.
type ConsumerReporter interface {
	Readiness() (ready bool, partitions []int32)
}

type readiness struct {
	Status     string           `json:"status"`
	Providers  []service.Status `json:"providers"`
	Partitions []int32          `json:"partitions,omitempty"`
}

// Readiness is ready when every consumer holds partitions. Seeding runs and
// staging sessions are reported but do not affect readiness: tiles keep being
// served from the visible store while a run is active.
func Readiness(sr StatusReporter, consumers ...ConsumerReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		out := readiness{Status: "ready", Providers: sr.Status()}
		ready := true
		for _, c := range consumers {
			ok, parts := c.Readiness()
			if !ok {
				ready = false
				continue
			}
			out.Partitions = append(out.Partitions, parts...)
		}
		w.Header().Set("Content-Type", "application/json")
		if !ready {
			out.Status = "not_ready"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
