package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"uplink/internal/agent"
	"uplink/internal/config"
)

// NewManifestFromConfig creates a Manifest implementation based on the manifest config type.
// The schema is migrated to the latest version on open.
func NewManifestFromConfig(cfg config.ManifestConfig, siteID string) (agent.Manifest, error) {
	switch cfg.Type {
	case "sqlite":
		if cfg.DataDir == "" {
			return nil, fmt.Errorf("data_dir required for sqlite manifest")
		}
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return nil, fmt.Errorf("creating manifest data dir: %w", err)
		}
		return open(filepath.Join(cfg.DataDir, siteID+".db"))
	case "memory":
		return open(":memory:")
	default:
		return nil, fmt.Errorf("unknown manifest type: %s", cfg.Type)
	}
}

func open(path string) (*SQLiteManifest, error) {
	m, err := NewSQLiteManifest(path)
	if err != nil {
		return nil, err
	}
	if err := m.Migrate(); err != nil {
		m.Close()
		return nil, fmt.Errorf("migrating manifest: %w", err)
	}
	return m, nil
}
