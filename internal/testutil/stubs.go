package testutil

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"uplink/internal/agent"
)

// StubGovernor is an agent.Governor with directly settable state and a
// passthrough bandwidth limiter.
type StubGovernor struct {
	mu      sync.Mutex
	paused  bool
	workers int
}

func NewStubGovernor() *StubGovernor {
	return &StubGovernor{}
}

func (g *StubGovernor) SetPaused(paused bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = paused
}

func (g *StubGovernor) SetSuggestedWorkers(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.workers = n
}

func (g *StubGovernor) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func (g *StubGovernor) SuggestedWorkers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.workers
}

func (g *StubGovernor) LimitReader(_ context.Context, r io.Reader) io.Reader { return r }

var _ agent.Governor = (*StubGovernor)(nil)

// StubProbe is an agent.ConnectivityProbe with settable reachability.
type StubProbe struct {
	mu     sync.Mutex
	online bool
}

func NewStubProbe() *StubProbe {
	return &StubProbe{online: true}
}

func (p *StubProbe) SetOnline(online bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.online = online
}

func (p *StubProbe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

func (p *StubProbe) WaitOnline(ctx context.Context) error {
	if p.Online() {
		return nil
	}
	return ctx.Err()
}

var _ agent.ConnectivityProbe = (*StubProbe)(nil)

// WriteTree creates the given files under root, creating parent
// directories as needed. Paths are slash-separated and relative to root.
func WriteTree(t *testing.T, root string, files map[string][]byte) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			t.Fatalf("creating directory for %s: %v", rel, err)
		}
		if err := os.WriteFile(path, content, 0644); err != nil {
			t.Fatalf("writing %s: %v", rel, err)
		}
	}
}
