package main

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// target is one WebMercatorQuad tile address.
type target struct {
	Level, Row, Col int
}

func (t target) path(layer string) string {
	return fmt.Sprintf("/tiles/%s/WebMercatorQuad/%d/%d/%d", layer, t.Level, t.Row, t.Col)
}

var centers = []orb.Point{
	{18.0686, 59.3293}, // Stockholm
	{11.9746, 57.7089}, // Göteborg
	{13.0038, 55.6050}, // Malmö
	{22.1547, 65.5848}, // Luleå
}

// makeTargets builds a pool of count tiles between minLevel and maxLevel. The
// first quarter (at least 8) sit on the hot centers so a Zipf pick favours
// them; the rest are spread over the area.
func makeTargets(count, minLevel, maxLevel int, area orb.Bound, r *rand.Rand) []target {
	if maxLevel < minLevel {
		maxLevel = minLevel
	}
	out := make([]target, 0, count)
	levels := maxLevel - minLevel + 1
	hot := int(math.Max(8, float64(count/4)))

	for i := 0; i < hot && len(out) < count; i++ {
		c := centers[i%len(centers)]
		p := orb.Point{c[0] + (r.Float64()-0.5)*0.2, c[1] + (r.Float64()-0.5)*0.2}
		out = append(out, at(p, minLevel+r.Intn(levels)))
	}
	for len(out) < count {
		p := orb.Point{
			area.Min[0] + r.Float64()*(area.Max[0]-area.Min[0]),
			area.Min[1] + r.Float64()*(area.Max[1]-area.Min[1]),
		}
		out = append(out, at(p, minLevel+r.Intn(levels)))
	}
	return out
}

func at(p orb.Point, level int) target {
	t := maptile.At(p, maptile.Zoom(level))
	return target{Level: level, Row: int(t.Y), Col: int(t.X)}
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
