package testutil

import (
	"testing"

	"uplink/internal/agent"
	"uplink/internal/manifest"
)

// NewTestManifest creates a new in-memory SQLite manifest with the schema
// applied. The manifest is automatically closed when the test completes.
func NewTestManifest(t *testing.T) agent.Manifest {
	t.Helper()

	m, err := manifest.NewSQLiteManifest(":memory:")
	if err != nil {
		t.Fatalf("failed to open manifest: %v", err)
	}
	if err := m.Migrate(); err != nil {
		m.Close()
		t.Fatalf("failed to apply schema: %v", err)
	}

	t.Cleanup(func() {
		m.Close()
	})

	return m
}
