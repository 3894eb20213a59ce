package clock

import (
	"testing"
	"time"
)

func TestElapsed(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		totalPaused time.Duration
		pausedAt    *time.Time
		now         time.Time
		expected    time.Duration
	}{
		{"no pauses", 0, nil, start.Add(45 * time.Minute), 45 * time.Minute},
		{"completed pause subtracted", 10 * time.Minute, nil, start.Add(45 * time.Minute), 35 * time.Minute},
		{"ongoing pause frozen", 0, timePtr(start.Add(30 * time.Minute)), start.Add(45 * time.Minute), 30 * time.Minute},
		{"ongoing plus completed pause", 5 * time.Minute, timePtr(start.Add(30 * time.Minute)), start.Add(45 * time.Minute), 25 * time.Minute},
		{"clamped at zero", 2 * time.Hour, nil, start.Add(45 * time.Minute), 0},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Elapsed(start, tc.totalPaused, tc.pausedAt, tc.now)
			if got != tc.expected {
				t.Errorf("Expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestReconcilerSkewIndependence(t *testing.T) {
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := serverNow.Add(-20 * time.Minute)

	// A client whose wall clock runs 7 minutes fast must still see the
	// true elapsed time.
	localNow := serverNow.Add(7 * time.Minute)
	r := NewReconciler(serverNow, localNow)

	later := localNow.Add(10 * time.Minute)
	got := r.Elapsed(start, 0, nil, later)
	if got != 30*time.Minute {
		t.Errorf("Expected 30m elapsed, got %v", got)
	}

	// Same session observed from a client running 3 minutes slow.
	slowLocal := serverNow.Add(-3 * time.Minute)
	r2 := NewReconciler(serverNow, slowLocal)
	got2 := r2.Elapsed(start, 0, nil, slowLocal.Add(10*time.Minute))
	if got2 != 30*time.Minute {
		t.Errorf("Expected 30m elapsed on slow clock, got %v", got2)
	}

	if got != got2 {
		t.Errorf("Elapsed should be independent of local skew: %v vs %v", got, got2)
	}
}

func TestReconcilerPauseResumeElapsed(t *testing.T) {
	// Session paused for 10 minutes then resumed: elapsed must be wall
	// time since start minus the pause duration.
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	start := serverNow.Add(-60 * time.Minute)
	r := NewReconciler(serverNow, serverNow)

	got := r.Elapsed(start, 10*time.Minute, nil, serverNow)
	if got != 50*time.Minute {
		t.Errorf("Expected 50m elapsed after 10m pause, got %v", got)
	}
}

func TestSinceLastSeen(t *testing.T) {
	serverNow := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	localNow := serverNow.Add(-2 * time.Minute) // slow client
	r := NewReconciler(serverNow, localNow)

	last := serverNow.Add(-8 * time.Minute)
	got := r.SinceLastSeen(last, localNow)
	if got != 8*time.Minute {
		t.Errorf("Expected 8m since last seen, got %v", got)
	}

	// Never negative, even if the record's timestamp is slightly ahead.
	got = r.SinceLastSeen(serverNow.Add(time.Second), localNow)
	if got != 0 {
		t.Errorf("Expected 0 for future last-seen, got %v", got)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
