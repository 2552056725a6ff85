package retry

import (
	"context"
	"net"
	"time"

	"uplink/internal/agent"
)

// Probe detects full network loss by dialing a known-reachable address.
// While offline, upload attempts are suspended instead of burning through
// retry budgets against a dead link.
type Probe struct {
	address     string
	dialTimeout time.Duration
	interval    time.Duration
	clock       agent.Clock
	logger      agent.Logger
	dial        func(network, address string, timeout time.Duration) (net.Conn, error)
}

// NewProbe creates a connectivity probe against address (host:port).
func NewProbe(address string, clock agent.Clock, logger agent.Logger) *Probe {
	return &Probe{
		address:     address,
		dialTimeout: 5 * time.Second,
		interval:    30 * time.Second,
		clock:       clock,
		logger:      logger,
		dial:        net.DialTimeout,
	}
}

// Online reports whether the probe address is currently reachable.
func (p *Probe) Online() bool {
	conn, err := p.dial("tcp", p.address, p.dialTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// WaitOnline blocks until connectivity returns or ctx is done. Returns
// immediately when already online.
func (p *Probe) WaitOnline(ctx context.Context) error {
	if p.Online() {
		return nil
	}

	p.logger.Warn("network unreachable, suspending uploads", "probe", p.address)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.clock.After(p.interval):
		}
		if p.Online() {
			p.logger.Info("network restored, resuming uploads", "probe", p.address)
			return nil
		}
	}
}

// Compile-time check that Probe implements agent.ConnectivityProbe
var _ agent.ConnectivityProbe = (*Probe)(nil)
