package retry

import (
	"context"
	"sync"
)

// Window is a rolling success/failure record of recent upload attempts.
// It is safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	size    int
	results []bool // true = success
	next    int
	filled  int
}

// NewWindow creates a rolling window over the last size attempts.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{size: size, results: make([]bool, size)}
}

// Record adds one attempt outcome.
func (w *Window) Record(success bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.results[w.next] = success
	w.next = (w.next + 1) % w.size
	if w.filled < w.size {
		w.filled++
	}
}

// ErrorRate returns the fraction of recorded attempts that failed.
// Returns 0 until anything is recorded.
func (w *Window) ErrorRate() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.filled == 0 {
		return 0
	}
	failures := 0
	for i := 0; i < w.filled; i++ {
		if !w.results[i] {
			failures++
		}
	}
	return float64(failures) / float64(w.filled)
}

// Error-rate thresholds for resizing the uploader pool. Hysteresis between
// shrink and grow keeps the pool from oscillating on a noisy link.
const (
	shrinkErrorRate = 0.5
	growErrorRate   = 0.1
)

// AdaptiveLimiter is a resizable concurrency gate for the uploader pool.
// Sustained failures shrink the limit toward 1, sustained success grows it
// toward max. It also accepts an external cap (the resource governor's
// suggestion); the effective limit is the more conservative of the two.
type AdaptiveLimiter struct {
	mu       sync.Mutex
	cond     *sync.Cond
	window   *Window
	limit    int // adaptive suggestion
	cap      int // external (governor) cap; 0 = uncapped
	max      int
	inflight int
}

// NewAdaptiveLimiter creates a limiter starting at initial workers and
// growing to at most max.
func NewAdaptiveLimiter(initial, max int, window *Window) *AdaptiveLimiter {
	if max < 1 {
		max = 1
	}
	if initial < 1 {
		initial = 1
	}
	if initial > max {
		initial = max
	}
	l := &AdaptiveLimiter{window: window, limit: initial, max: max}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Limit returns the current effective concurrency limit.
func (l *AdaptiveLimiter) Limit() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.effective()
}

func (l *AdaptiveLimiter) effective() int {
	limit := l.limit
	if l.cap > 0 && l.cap < limit {
		limit = l.cap
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

// SetCap applies an external concurrency cap (0 removes it).
func (l *AdaptiveLimiter) SetCap(n int) {
	l.mu.Lock()
	l.cap = n
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Record feeds an attempt outcome into the window and adjusts the limit:
// a high error rate halves it toward 1, a low error rate grows it by one
// toward max. Adjustment only happens once the window has data.
func (l *AdaptiveLimiter) Record(success bool) {
	l.window.Record(success)
	rate := l.window.ErrorRate()

	l.mu.Lock()
	switch {
	case rate >= shrinkErrorRate && l.limit > 1:
		l.limit = l.limit / 2
		if l.limit < 1 {
			l.limit = 1
		}
	case rate <= growErrorRate && l.limit < l.max:
		l.limit++
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}

// Acquire blocks until a concurrency slot is free or ctx is done.
// Every successful Acquire must be paired with Release.
func (l *AdaptiveLimiter) Acquire(ctx context.Context) error {
	// Wake the cond wait on cancellation.
	stop := context.AfterFunc(ctx, func() { l.cond.Broadcast() })
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()
	for l.inflight >= l.effective() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.cond.Wait()
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	l.inflight++
	return nil
}

// Release frees a slot taken by Acquire.
func (l *AdaptiveLimiter) Release() {
	l.mu.Lock()
	if l.inflight > 0 {
		l.inflight--
	}
	l.mu.Unlock()
	l.cond.Broadcast()
}
