package uvc_test

import (
	"math"
	"testing"
	"time"

	uvc "github.com/edgeimpulse/linux-uvc-go"
)

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRateFilter(t *testing.T) {
	f0 := &uvc.RateFilter{}
	_, err := f0.Update(0)
	if err == nil {
		t.Errorf("missing error for RateFilter created without NewRateFilter")
	}

	f0, err = uvc.NewRateFilter(3)
	if err != nil {
		t.Fatalf("making new RateFilter: %v", err)
	}

	r, err := f0.Update(time.Second)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if r != 0 {
		t.Fatalf("unexpected rate after first timestamp: %v", r)
	}
	r, _ = f0.Update(time.Second + 100*time.Millisecond)
	if !near(r, 10) {
		t.Fatalf("unexpected rate after Update: %v", r)
	}
	r, _ = f0.Update(time.Second + 300*time.Millisecond)
	if !near(r, 2/0.3) {
		t.Fatalf("unexpected rate after Update: %v", r)
	}
	r, _ = f0.Update(time.Second + 400*time.Millisecond)
	if !near(r, 3/0.4) {
		t.Fatalf("unexpected rate after Update: %v", r)
	}
	// History of three: the first 100ms interval drops out.
	r, _ = f0.Update(time.Second + 500*time.Millisecond)
	if !near(r, 3/0.4) {
		t.Fatalf("unexpected rate after Update: %v", r)
	}

	_, err = f0.Update(time.Second)
	if err == nil {
		t.Fatalf("missing error for timestamp going backwards")
	}
	if !near(f0.FPS(), 3/0.4) {
		t.Fatalf("rejected timestamp changed rate to %v", f0.FPS())
	}

	f0.Reset()
	if f0.FPS() != 0 {
		t.Fatalf("rate after reset: %v", f0.FPS())
	}

	_, err = uvc.NewRateFilter(0)
	if err == nil {
		t.Fatalf("missing error for new RateFilter with size 0")
	}
}
