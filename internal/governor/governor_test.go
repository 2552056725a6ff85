package governor

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"uplink/internal/agent"
	"uplink/internal/config"
	"uplink/internal/testutil"
)

func TestParseClock(t *testing.T) {
	cases := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"00:00", 0, false},
		{"08:30", 510, false},
		{"23:59", 1439, false},
		{"24:00", 0, true},
		{"12:60", 0, true},
		{"noon", 0, true},
		{"", 0, true},
	}
	for _, tc := range cases {
		got, err := parseClock(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseClock(%q) should fail", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseClock(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseClock(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestInWindow(t *testing.T) {
	at := func(h, m int) time.Time {
		return time.Date(2025, 3, 10, h, m, 0, 0, time.Local)
	}

	t.Run("daytime window", func(t *testing.T) {
		start, end := 8*60, 18*60
		if !inWindow(at(12, 0), start, end) {
			t.Errorf("noon should be inside 08:00-18:00")
		}
		if !inWindow(at(8, 0), start, end) {
			t.Errorf("start minute is inclusive")
		}
		if inWindow(at(18, 0), start, end) {
			t.Errorf("end minute is exclusive")
		}
		if inWindow(at(3, 0), start, end) {
			t.Errorf("03:00 is outside 08:00-18:00")
		}
	})

	t.Run("window crossing midnight", func(t *testing.T) {
		start, end := 22*60, 6*60
		if !inWindow(at(23, 30), start, end) {
			t.Errorf("23:30 should be inside 22:00-06:00")
		}
		if !inWindow(at(2, 0), start, end) {
			t.Errorf("02:00 should be inside 22:00-06:00")
		}
		if inWindow(at(12, 0), start, end) {
			t.Errorf("noon is outside 22:00-06:00")
		}
	})
}

func TestGovernor_Schedule(t *testing.T) {
	t.Run("throttled outside quiet hours", func(t *testing.T) {
		cfg := config.GovernorConfig{
			BandwidthBytesPerSec: 1000,
			ThrottledBytesPerSec: 100,
			QuietHoursStart:      "01:00",
			QuietHoursEnd:        "02:00",
		}
		g, err := New(cfg, 8, testutil.FixedClock(), agent.NewNopLogger())
		if err != nil {
			t.Fatal(err)
		}

		// Inside the window the full rate applies, outside the throttled.
		g.applySchedule(time.Date(2025, 3, 10, 1, 30, 0, 0, time.Local))
		if g.bandwidth.Limit() != rate.Limit(1000) {
			t.Errorf("quiet-hours limit = %v, want 1000", g.bandwidth.Limit())
		}
		g.applySchedule(time.Date(2025, 3, 10, 13, 0, 0, 0, time.Local))
		if g.bandwidth.Limit() != rate.Limit(100) {
			t.Errorf("daytime limit = %v, want 100", g.bandwidth.Limit())
		}
	})

	t.Run("no quiet hours means full rate always", func(t *testing.T) {
		g, err := New(config.GovernorConfig{BandwidthBytesPerSec: 500}, 8,
			testutil.FixedClock(), agent.NewNopLogger())
		if err != nil {
			t.Fatal(err)
		}
		g.applySchedule(time.Date(2025, 3, 10, 13, 0, 0, 0, time.Local))
		if g.bandwidth.Limit() != rate.Limit(500) {
			t.Errorf("limit = %v, want 500", g.bandwidth.Limit())
		}
	})

	t.Run("bad quiet hours rejected", func(t *testing.T) {
		cfg := config.GovernorConfig{QuietHoursStart: "25:00", QuietHoursEnd: "06:00"}
		if _, err := New(cfg, 8, testutil.FixedClock(), agent.NewNopLogger()); err == nil {
			t.Errorf("New() with invalid quiet hours should fail")
		}
	})
}

func TestGovernor_LimitReader(t *testing.T) {
	t.Run("unlimited is a passthrough", func(t *testing.T) {
		g, err := New(config.GovernorConfig{}, 8, testutil.FixedClock(), agent.NewNopLogger())
		if err != nil {
			t.Fatal(err)
		}
		src := bytes.NewReader([]byte("data"))
		if r := g.LimitReader(context.Background(), src); r != io.Reader(src) {
			t.Errorf("unlimited LimitReader should return the reader unchanged")
		}
	})

	t.Run("limited reader delivers all bytes intact", func(t *testing.T) {
		g, err := New(config.GovernorConfig{BandwidthBytesPerSec: 1 << 30}, 8,
			testutil.FixedClock(), agent.NewNopLogger())
		if err != nil {
			t.Fatal(err)
		}

		data := bytes.Repeat([]byte("x"), 64*1024)
		r := g.LimitReader(context.Background(), bytes.NewReader(data))
		got, err := io.ReadAll(r)
		if err != nil {
			t.Fatalf("ReadAll() error = %v", err)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("metered read corrupted data (%d vs %d bytes)", len(got), len(data))
		}
	})

	t.Run("cancelled context stops a metered read", func(t *testing.T) {
		g, err := New(config.GovernorConfig{BandwidthBytesPerSec: 1}, 8,
			testutil.FixedClock(), agent.NewNopLogger())
		if err != nil {
			t.Fatal(err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		r := g.LimitReader(ctx, bytes.NewReader(bytes.Repeat([]byte("x"), 10)))
		if _, err := io.ReadAll(r); err == nil {
			t.Errorf("read with cancelled context should fail")
		}
	})
}

func TestGovernor_Suggestion(t *testing.T) {
	g, err := New(config.GovernorConfig{CPUCeilingPercent: 50}, 8,
		testutil.FixedClock(), agent.NewNopLogger())
	if err != nil {
		t.Fatal(err)
	}

	if g.Paused() {
		t.Errorf("fresh governor should not be paused")
	}
	if g.SuggestedWorkers() != 0 {
		t.Errorf("fresh governor suggestion = %d, want 0 (no cap)", g.SuggestedWorkers())
	}

	// Drive the pressure logic directly; sampling itself is the OS's job.
	g.mu.Lock()
	g.paused = true
	g.suggested = 4
	g.mu.Unlock()

	if !g.Paused() {
		t.Errorf("Paused() = false after pressure")
	}
	if g.SuggestedWorkers() != 4 {
		t.Errorf("SuggestedWorkers() = %d, want 4", g.SuggestedWorkers())
	}
}
