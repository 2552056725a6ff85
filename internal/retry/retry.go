package retry

import (
	"context"
	"errors"
	"net"
	"syscall"
	"time"

	"uplink/internal/agent"
	"uplink/internal/cloud"
)

// Policy describes an exponential backoff schedule: Floor, doubling each
// attempt, capped at Ceiling, for at most MaxAttempts attempts.
type Policy struct {
	Floor       time.Duration
	Ceiling     time.Duration
	MaxAttempts int
}

// DefaultPolicy matches a satellite link: patient floor, doubling, half
// hour ceiling.
var DefaultPolicy = Policy{
	Floor:       30 * time.Second,
	Ceiling:     30 * time.Minute,
	MaxAttempts: 8,
}

// Backoff returns the delay before the given attempt (attempt 1 is the
// first retry).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.Floor
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.Ceiling {
			return p.Ceiling
		}
	}
	if d > p.Ceiling {
		return p.Ceiling
	}
	return d
}

// Retryable reports whether err is transient and worth retrying: network
// timeouts, connection resets/refusals, and the retryable HTTP statuses
// (408, 429, 5xx family per the protocol). Validation-class 4xx responses
// are permanent and never retried.
func Retryable(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *cloud.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Retryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Context cancellation is a shutdown signal, not a transient failure.
	if errors.Is(err, context.Canceled) {
		return false
	}

	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// AttemptRecorder receives the outcome of every individual attempt, not
// just the final result of a Do call. The AdaptiveLimiter implements it,
// so sustained transient failures shrink upload concurrency within one
// retry budget instead of after several exhausted ones.
type AttemptRecorder interface {
	Record(success bool)
}

// Retrier runs operations under a Policy, sleeping on the injected clock
// so backoff is deterministic in tests.
type Retrier struct {
	policy   Policy
	clock    agent.Clock
	logger   agent.Logger
	recorder AttemptRecorder
}

// NewRetrier creates a Retrier with the given policy. recorder may be nil
// when no one is watching attempt outcomes.
func NewRetrier(policy Policy, clock agent.Clock, logger agent.Logger, recorder AttemptRecorder) *Retrier {
	if policy.Floor <= 0 {
		policy.Floor = DefaultPolicy.Floor
	}
	if policy.Ceiling < policy.Floor {
		policy.Ceiling = DefaultPolicy.Ceiling
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	return &Retrier{policy: policy, clock: clock, logger: logger, recorder: recorder}
}

// Do runs op with bounded retry on transient errors. Non-retryable errors
// return immediately. The context bounds total retry time: on cancellation
// the context error is returned and retries stop.
func (r *Retrier) Do(ctx context.Context, label string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			backoff := r.policy.Backoff(attempt)
			r.logger.Warn("transient failure, backing off",
				"op", label, "attempt", attempt, "backoff", backoff.String(), "error", lastErr)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(backoff):
			}
		}

		err := op(ctx)
		if err == nil {
			r.record(true)
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			return err
		}
		// Each transient failure feeds the window immediately; waiting
		// for the whole budget to drain would adapt concurrency too late.
		r.record(false)
	}
	return lastErr
}

// record reports one attempt outcome. Non-retryable errors and shutdown
// are not recorded: they say nothing about link health.
func (r *Retrier) record(success bool) {
	if r.recorder != nil {
		r.recorder.Record(success)
	}
}

// Compile-time check that Retrier implements agent.Retrier
var _ agent.Retrier = (*Retrier)(nil)

// Compile-time check that AdaptiveLimiter implements agent.UploadLimiter
var _ agent.UploadLimiter = (*AdaptiveLimiter)(nil)
