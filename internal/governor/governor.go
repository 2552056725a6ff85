package governor

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/time/rate"

	"uplink/internal/agent"
	"uplink/internal/config"
)

// Governor samples the agent's own CPU and memory use, caps the uploader
// pool when either crosses its ceiling, and meters upload bandwidth with
// a token bucket so the shared link never saturates. A configured local
// quiet-hours window runs at the full rate; outside it the throttled rate
// applies.
type Governor struct {
	cpuCeiling float64
	memCeiling uint64 // bytes
	maxWorkers int

	fullRate      rate.Limit
	throttledRate rate.Limit
	bandwidth     *rate.Limiter

	quietStart int // minutes since midnight; -1 = no quiet hours
	quietEnd   int

	sampleInterval time.Duration
	proc           *process.Process
	clock          agent.Clock
	logger         agent.Logger

	mu        sync.Mutex
	paused    bool
	suggested int // 0 = no cap
}

// New creates a Governor from config. maxWorkers bounds how far the
// suggestion recovers after pressure subsides.
func New(cfg config.GovernorConfig, maxWorkers int, clock agent.Clock, logger agent.Logger) (*Governor, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("opening own process for sampling: %w", err)
	}

	quietStart, quietEnd := -1, -1
	if cfg.QuietHoursStart != "" && cfg.QuietHoursEnd != "" {
		quietStart, err = parseClock(cfg.QuietHoursStart)
		if err != nil {
			return nil, fmt.Errorf("quiet_hours_start: %w", err)
		}
		quietEnd, err = parseClock(cfg.QuietHoursEnd)
		if err != nil {
			return nil, fmt.Errorf("quiet_hours_end: %w", err)
		}
	}

	fullRate := rate.Inf
	if cfg.BandwidthBytesPerSec > 0 {
		fullRate = rate.Limit(cfg.BandwidthBytesPerSec)
	}
	throttledRate := fullRate
	if cfg.ThrottledBytesPerSec > 0 {
		throttledRate = rate.Limit(cfg.ThrottledBytesPerSec)
	}

	burst := int(cfg.BandwidthBytesPerSec)
	if burst <= 0 {
		burst = 1 << 20
	}

	interval := time.Duration(cfg.SampleIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}

	g := &Governor{
		cpuCeiling:     cfg.CPUCeilingPercent,
		memCeiling:     cfg.MemoryCeilingMB * 1024 * 1024,
		maxWorkers:     maxWorkers,
		fullRate:       fullRate,
		throttledRate:  throttledRate,
		bandwidth:      rate.NewLimiter(fullRate, burst),
		quietStart:     quietStart,
		quietEnd:       quietEnd,
		sampleInterval: interval,
		proc:           proc,
		clock:          clock,
		logger:         logger,
	}
	g.applySchedule(clock.Now())
	return g, nil
}

// Run samples periodically until ctx is done.
func (g *Governor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-g.clock.After(g.sampleInterval):
		}
		g.Sample()
	}
}

// Sample takes one CPU/memory reading and adjusts the pause flag, the
// worker-count suggestion, and the bandwidth rate for the current time.
func (g *Governor) Sample() {
	g.applySchedule(g.clock.Now())

	cpuPct, err := g.proc.CPUPercent()
	if err != nil {
		g.logger.Warn("cpu sample failed", "error", err)
		return
	}
	var rss uint64
	if mem, err := g.proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}

	over := (g.cpuCeiling > 0 && cpuPct > g.cpuCeiling) ||
		(g.memCeiling > 0 && rss > g.memCeiling)

	g.mu.Lock()
	defer g.mu.Unlock()

	if over {
		if !g.paused {
			g.logger.Warn("resource ceiling exceeded, throttling uploads",
				"cpu_pct", cpuPct, "rss_bytes", rss)
		}
		g.paused = true
		if g.suggested == 0 || g.suggested > 1 {
			next := g.suggested / 2
			if g.suggested == 0 {
				next = g.maxWorkers / 2
			}
			if next < 1 {
				next = 1
			}
			g.suggested = next
		}
		return
	}

	if g.paused {
		g.logger.Info("resource pressure subsided", "cpu_pct", cpuPct, "rss_bytes", rss)
	}
	g.paused = false
	if g.suggested > 0 {
		g.suggested++
		if g.suggested >= g.maxWorkers {
			g.suggested = 0 // fully recovered, no cap
		}
	}
}

// Paused reports whether new chunk submission should hold off while
// resource pressure subsides.
func (g *Governor) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// SuggestedWorkers returns the governor's cap on upload concurrency.
// Zero means no cap. The orchestrator composes this with the retry
// limiter's own suggestion, taking the more conservative of the two.
func (g *Governor) SuggestedWorkers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.suggested
}

// LimitReader wraps r so reads consume bandwidth tokens. With no
// bandwidth limit configured this is a passthrough.
func (g *Governor) LimitReader(ctx context.Context, r io.Reader) io.Reader {
	if g.bandwidth.Limit() == rate.Inf {
		return r
	}
	return &limitedReader{ctx: ctx, r: r, limiter: g.bandwidth}
}

// applySchedule sets the bandwidth rate for the local time: full rate
// inside quiet hours (or when none are configured), throttled outside.
func (g *Governor) applySchedule(now time.Time) {
	target := g.fullRate
	if g.quietStart >= 0 && !inWindow(now, g.quietStart, g.quietEnd) {
		target = g.throttledRate
	}
	if g.bandwidth.Limit() != target {
		g.bandwidth.SetLimit(target)
	}
}

// inWindow reports whether now's local wall-clock minute falls inside
// [start, end), handling windows that cross midnight.
func inWindow(now time.Time, start, end int) bool {
	minute := now.Hour()*60 + now.Minute()
	if start == end {
		return true
	}
	if start < end {
		return minute >= start && minute < end
	}
	return minute >= start || minute < end
}

// parseClock parses "HH:MM" into minutes since midnight.
func parseClock(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %q", s)
	}
	return h*60 + m, nil
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	// Cap individual waits at the limiter's burst.
	if burst := l.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// Compile-time check that Governor implements agent.Governor
var _ agent.Governor = (*Governor)(nil)
