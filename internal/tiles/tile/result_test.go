package tile

import "testing"

func TestCheck_ContentRequiredForAvailableStatuses(t *testing.T) {
	for _, st := range []Status{StatusFound, StatusEmpty, StatusFull} {
		r := Result{Status: st}
		if err := r.Check(); err == nil {
			t.Fatalf("status %s without content must fail validation", st)
		}
		r.Content = []byte{}
		if err := r.Check(); err != nil {
			t.Fatalf("status %s with empty content: %v", st, err)
		}
		if !r.IsAvailable() {
			t.Fatalf("status %s with content must be available", st)
		}
	}
}

func TestCheck_MessageRequiredForFailureStatuses(t *testing.T) {
	for _, st := range []Status{StatusError, StatusOutsideLimits} {
		r := Result{Status: st}
		if err := r.Check(); err == nil {
			t.Fatalf("status %s without message must fail validation", st)
		}
		r.Message = "boom"
		if err := r.Check(); err != nil {
			t.Fatalf("status %s with message: %v", st, err)
		}
		if r.IsAvailable() {
			t.Fatalf("status %s must never be available", st)
		}
	}
}

func TestConstructors_SatisfyInvariants(t *testing.T) {
	results := []Result{
		Found([]byte("x")),
		Empty(nil),
		Full([]byte("y")),
		NotFound(),
		OutsideLimits("row %d outside", 9),
		Errorf("generation failed: %s", "timeout"),
	}
	for _, r := range results {
		if err := r.Check(); err != nil {
			t.Fatalf("%s: %v", r.Status, err)
		}
	}
	if Errorf("x").Err() == nil {
		t.Fatalf("error result must convert to a Go error")
	}
	if Found([]byte("x")).Err() != nil {
		t.Fatalf("found result must not convert to a Go error")
	}
}
