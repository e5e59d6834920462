package misc

import (
	"testing"
	"time"
)

func TestStats_Durations(t *testing.T) {
	// Durations are triggered in nanoseconds and displayed in milliseconds.
	s := NewStats(reactorStatsDisplayFormat)
	if s.Format() != "0.000/0.000/0.000,0.000(0)" {
		t.Fatal(s.Format())
	}
	s.Trigger(float64(-time.Millisecond))
	if s.Count() != 0 {
		t.Fatal("a negative duration must be discarded")
	}
	for _, d := range []time.Duration{2 * time.Millisecond, 500 * time.Microsecond, 3500 * time.Microsecond} {
		s.Trigger(float64(d.Nanoseconds()))
	}
	if s.Count() != 3 {
		t.Fatal(s.Count())
	}
	if got := s.Format(); got != "0.500/2.000/3.500,6.000(3)" {
		t.Fatal(got)
	}
	value := s.DisplayValue()
	if value.Lowest != 0.5 || value.Highest != 3.5 || value.Count != 3 || value.Summary != s.Format() {
		t.Fatalf("%+v", value)
	}
}

func TestStats_DefaultFormat(t *testing.T) {
	s := NewStats(StatsDisplayFormat{})
	s.Trigger(0)
	s.Trigger(4)
	if got := s.Format(); got != "4/2/4,4(2)" {
		t.Fatal(got)
	}
}
