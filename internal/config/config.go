package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the main configuration for the uplink agent.
type Config struct {
	SiteID   string         `toml:"site_id"`
	BaseDir  string         `toml:"base_dir"`
	LogDir   string         `toml:"log_dir"`
	Scan     ScanConfig     `toml:"scan"`
	Chunk    ChunkConfig    `toml:"chunk"`
	Upload   UploadConfig   `toml:"upload"`
	Retry    RetryConfig    `toml:"retry"`
	Governor GovernorConfig `toml:"governor"`
	Cloud    CloudConfig    `toml:"cloud"`
	Manifest ManifestConfig `toml:"manifest"`
	Secrets  SecretsConfig  `toml:"secrets"`
}

// ScanConfig controls directory traversal.
type ScanConfig struct {
	Roots             []string `toml:"roots"`
	IncludeExtensions []string `toml:"include_extensions"` // empty = all files
	ExcludeGlobs      []string `toml:"exclude_globs"`
	IntervalSeconds   int      `toml:"interval_seconds"` // daemon rescan period
}

// ChunkConfig controls file splitting and compression.
type ChunkConfig struct {
	SizeBytes          int64    `toml:"size_bytes"` // clamped to [1 MiB, 64 MiB]
	CompressExtensions []string `toml:"compress_extensions"`
}

// UploadConfig controls the uploader worker pool and network timeouts.
type UploadConfig struct {
	MaxWorkers             int `toml:"max_workers"`
	InitialWorkers         int `toml:"initial_workers"`
	ChunkTimeoutSeconds    int `toml:"chunk_timeout_seconds"`
	CompleteTimeoutSeconds int `toml:"complete_timeout_seconds"`
	CheckTimeoutSeconds    int `toml:"check_timeout_seconds"`
}

// RetryConfig controls the backoff schedule and the adaptive window.
type RetryConfig struct {
	BackoffFloorSeconds   int `toml:"backoff_floor_seconds"`
	BackoffCeilingSeconds int `toml:"backoff_ceiling_seconds"`
	MaxAttempts           int `toml:"max_attempts"`
	WindowSize            int `toml:"window_size"` // rolling success/failure window
}

// GovernorConfig controls resource ceilings and bandwidth limits.
type GovernorConfig struct {
	CPUCeilingPercent     float64 `toml:"cpu_ceiling_percent"`
	MemoryCeilingMB       uint64  `toml:"memory_ceiling_mb"`
	BandwidthBytesPerSec  int64   `toml:"bandwidth_bytes_per_sec"`  // 0 = unlimited
	ThrottledBytesPerSec  int64   `toml:"throttled_bytes_per_sec"`  // applied outside quiet hours
	SampleIntervalSeconds int     `toml:"sample_interval_seconds"`
	QuietHoursStart       string  `toml:"quiet_hours_start"` // "HH:MM", empty disables
	QuietHoursEnd         string  `toml:"quiet_hours_end"`
}

// CloudConfig points the agent at the cloud receiver.
type CloudConfig struct {
	BaseURL string `toml:"base_url"`
	// ProbeAddress is a host:port dialed to detect full network loss.
	// Defaults to the base URL's host when empty.
	ProbeAddress string `toml:"probe_address"`
}

// ManifestConfig represents configuration for the manifest store.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type ManifestConfig struct {
	Type    string `toml:"type"`               // "sqlite" or "memory"
	DataDir string `toml:"data_dir,omitempty"` // only used for type=sqlite
}

// SecretsConfig represents configuration for the secret store backend.
// This uses a tagged union pattern - the Type field determines which other fields are relevant.
type SecretsConfig struct {
	Type string `toml:"type"`           // "file" or "memory"
	Path string `toml:"path,omitempty"` // only used for type=file
}

// NewConfig creates a new Config with the provided values and sensible defaults.
func NewConfig(siteID, baseDir string) *Config {
	return &Config{
		SiteID:  siteID,
		BaseDir: baseDir,
		LogDir:  filepath.Join(baseDir, "log"),
		Scan: ScanConfig{
			IntervalSeconds: 300,
		},
		Chunk: ChunkConfig{
			SizeBytes:          8 << 20,
			CompressExtensions: []string{".txt", ".md", ".csv", ".tsv", ".json", ".xml", ".html", ".log"},
		},
		Upload: UploadConfig{
			MaxWorkers:             8,
			InitialWorkers:         3,
			ChunkTimeoutSeconds:    600,
			CompleteTimeoutSeconds: 60,
			CheckTimeoutSeconds:    10,
		},
		Retry: RetryConfig{
			BackoffFloorSeconds:   30,
			BackoffCeilingSeconds: 1800,
			MaxAttempts:           8,
			WindowSize:            20,
		},
		Governor: GovernorConfig{
			CPUCeilingPercent:     50,
			MemoryCeilingMB:       512,
			SampleIntervalSeconds: 15,
		},
		Manifest: ManifestConfig{
			Type:    "sqlite",
			DataDir: filepath.Join(baseDir, "data"),
		},
		Secrets: SecretsConfig{
			Type: "file",
			Path: filepath.Join(baseDir, "secrets.age"),
		},
	}
}

// Manager handles reading and writing configuration.
type Manager struct{}

// Read decodes a Config from the provided reader.
func (m *Manager) Read(r io.Reader) (*Config, error) {
	var cfg Config
	if _, err := toml.NewDecoder(r).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Write encodes a Config to the provided writer.
func (m *Manager) Write(w io.Writer, cfg *Config) error {
	if err := toml.NewEncoder(w).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// ReadFromFile reads a Config from the specified file path.
func ReadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	cfg, err := m.Read(f)
	if err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return cfg, nil
}

// writeToFile writes a Config to the specified file path.
// This is an internal helper and should not be exported.
func writeToFile(path string, cfg *Config) error {
	// Ensure the directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	m := &Manager{}
	if err := m.Write(f, cfg); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}
	return nil
}

// Init initializes a new config file at the specified path with the provided Config.
func Init(path string, cfg *Config) error {
	// Check if config already exists
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}

	if err := writeToFile(path, cfg); err != nil {
		return fmt.Errorf("initializing config: %w", err)
	}
	return nil
}
