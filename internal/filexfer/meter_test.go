package filexfer

import (
	"testing"
	"time"
)

func TestMeterRateAndETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := newMeter(func() time.Time { return now })

	now = now.Add(1 * time.Second)
	m.observe(1000)

	rate, eta := m.snapshot(1000)
	if rate < 900 || rate > 1100 {
		t.Fatalf("expected rate around 1000 B/s, got %.2f", rate)
	}
	if eta < 900*time.Millisecond || eta > 1100*time.Millisecond {
		t.Fatalf("expected ETA around 1s, got %s", eta)
	}
}

func TestMeterSmoothing(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := newMeter(func() time.Time { return now })

	now = now.Add(1 * time.Second)
	m.observe(1000)

	now = now.Add(1 * time.Second)
	m.observe(4000)

	rate, _ := m.snapshot(6000)
	if rate < 1300 || rate > 1500 {
		t.Fatalf("expected smoothed rate around 1400 B/s, got %.2f", rate)
	}
}

func TestMeterNoProgressNoETA(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := newMeter(func() time.Time { return now })

	rate, eta := m.snapshot(1000)
	if rate != 0 {
		t.Fatalf("expected rate 0, got %.2f", rate)
	}
	if eta != 0 {
		t.Fatalf("expected ETA 0, got %s", eta)
	}
}

func TestMeterRewindKeepsRate(t *testing.T) {
	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	m := newMeter(func() time.Time { return now })

	now = now.Add(1 * time.Second)
	m.observe(1000)
	before, _ := m.snapshot(0)

	// A resume rewind moves the offset backwards.
	m.observe(200)
	after, _ := m.snapshot(0)
	if after != before {
		t.Fatalf("rate changed across rewind: %.2f -> %.2f", before, after)
	}

	// Progress from the rewound offset feeds the estimate again.
	now = now.Add(1 * time.Second)
	m.observe(1200)
	rate, _ := m.snapshot(0)
	if rate == 0 {
		t.Fatal("expected a rate after post-rewind progress")
	}
}
