package main

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mohammed-shakir/spatial-tile-cache/internal/invalidation"
)

func TestBuildEvent_BBox(t *testing.T) {
	now := time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC)
	ev, err := buildEvent(options{layer: " roads ", bbox: "10,50,11,51,EPSG:4326", op: "delete", featureID: "7", revision: 2}, now)
	if err != nil {
		t.Fatalf("buildEvent: %v", err)
	}
	want := invalidation.Event{
		Version: 1, Op: "delete", Layer: "roads", TS: now, FeatureID: "7", Revision: 2, Source: "tileinvalidate",
		BBox: &invalidation.BBox{X1: 10, Y1: 50, X2: 11, Y2: 51, CRS: "EPSG:4326"},
	}
	if diff := cmp.Diff(want, ev); diff != "" {
		t.Fatalf("event (-want +got):\n%s", diff)
	}
}

func TestBuildEvent_Rejects(t *testing.T) {
	now := time.Now()
	cases := []options{
		{layer: "roads", op: "update"},
		{layer: "roads", op: "update", bbox: "0,0,1,1", geometry: `{"type":"Polygon","coordinates":[]}`},
		{layer: "roads", op: "rename", bbox: "0,0,1,1"},
		{layer: "", op: "update", bbox: "0,0,1,1"},
		{layer: "roads", op: "update", bbox: "0,0,1"},
	}
	for _, o := range cases {
		if _, err := buildEvent(o, now); err == nil {
			t.Fatalf("%+v: expected error", o)
		}
	}
}
