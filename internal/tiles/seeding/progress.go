package seeding

import (
	"sync/atomic"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/core/observability"
)

// Outcome classifies a visited tile.
type Outcome int

const (
	// Skipped tiles were already cached.
	Skipped Outcome = iota
	Stored
	// Missing tiles resolved to NotFound or OutsideLimits and stored nothing.
	Missing
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Skipped:
		return "skipped"
	case Stored:
		return "stored"
	case Missing:
		return "missing"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Progress counts the tiles of a seeding run. It is safe for concurrent use.
type Progress struct {
	label     string
	total     int64
	done      atomic.Int64
	outcomes  [4]atomic.Int64
	onAdvance func(done, total int64)
}

func NewProgress(label string, total int64) *Progress {
	return &Progress{label: label, total: total}
}

// OnAdvance registers fn to be called after every advance. It must be set before the run starts.
func (p *Progress) OnAdvance(fn func(done, total int64)) { p.onAdvance = fn }

func (p *Progress) Label() string { return p.label }
func (p *Progress) Total() int64  { return p.total }
func (p *Progress) Done() int64   { return p.done.Load() }

func (p *Progress) Count(o Outcome) int64 {
	if o < 0 || int(o) >= len(p.outcomes) {
		return 0
	}
	return p.outcomes[o].Load()
}

// Ratio is the completed fraction, 1 for an empty run.
func (p *Progress) Ratio() float64 {
	if p.total <= 0 {
		return 1
	}
	return float64(p.Done()) / float64(p.total)
}

// Advance records one visited tile of layer.
func (p *Progress) Advance(layer string, o Outcome) {
	if o >= 0 && int(o) < len(p.outcomes) {
		p.outcomes[o].Add(1)
	}
	done := p.done.Add(1)
	observability.AddSeedTiles(layer, o.String(), 1)
	observability.SetSeedProgress(p.label, p.Ratio())
	if p.onAdvance != nil {
		p.onAdvance(done, p.total)
	}
}

// Summary is a snapshot of a Progress.
type Summary struct {
	Label   string
	Total   int64
	Done    int64
	Skipped int64
	Stored  int64
	Missing int64
	Failed  int64
}

func (p *Progress) Summary() Summary {
	return Summary{
		Label:   p.label,
		Total:   p.total,
		Done:    p.Done(),
		Skipped: p.Count(Skipped),
		Stored:  p.Count(Stored),
		Missing: p.Count(Missing),
		Failed:  p.Count(Failed),
	}
}
