package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"uplink/internal/agent"
	"uplink/internal/chunker"
	"uplink/internal/cloud"
	"uplink/internal/config"
	"uplink/internal/governor"
	"uplink/internal/manifest"
	"uplink/internal/retry"
	"uplink/internal/scanner"
	"uplink/internal/secrets"
)

// UplinkApp is the application layer between the CLI and the agent
// service. It constructs all dependencies from config, exposes high-level
// operations, and manages the manifest lifecycle on Close.
type UplinkApp struct {
	cfg      *config.Config
	manifest agent.Manifest
	secrets  agent.SecretStore
	governor *governor.Governor
	service  *agent.Service
	logFile  *os.File
}

// NewUplinkApp creates a fully wired UplinkApp from the given config.
// operation identifies the CLI command being run (e.g. "Scan", "Sync").
// promptPassphrase is invoked when the secret store needs a passphrase
// that the environment doesn't provide. The caller must call Close when done.
func NewUplinkApp(cfg *config.Config, operation string, promptPassphrase func() (string, error)) (*UplinkApp, error) {
	if cfg.SiteID == "" {
		return nil, fmt.Errorf("site_id not configured")
	}
	if cfg.Cloud.BaseURL == "" {
		return nil, fmt.Errorf("cloud base_url not configured")
	}

	opID := time.Now().UTC().Format("20060102T150405Z") + "-" + operation
	slogger, logFile, err := newLogger(cfg.LogDir, opID)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: slogger}

	store, err := secrets.NewStoreFromConfig(cfg.Secrets, promptPassphrase)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening secret store: %w", err)
	}

	man, err := manifest.NewManifestFromConfig(cfg.Manifest, cfg.SiteID)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("opening manifest: %w", err)
	}

	clock := agent.RealClock{}
	idgen := agent.UUIDGenerator{}

	client := cloud.NewClient(cfg.Cloud.BaseURL, cfg.SiteID, store, cloud.Timeouts{
		Chunk:    time.Duration(cfg.Upload.ChunkTimeoutSeconds) * time.Second,
		Complete: time.Duration(cfg.Upload.CompleteTimeoutSeconds) * time.Second,
		Check:    time.Duration(cfg.Upload.CheckTimeoutSeconds) * time.Second,
	})

	chk := chunker.New(filepath.Join(cfg.BaseDir, "staging"),
		cfg.Chunk.SizeBytes, cfg.Chunk.CompressExtensions, logger)

	limiter := retry.NewAdaptiveLimiter(cfg.Upload.InitialWorkers, cfg.Upload.MaxWorkers,
		retry.NewWindow(cfg.Retry.WindowSize))

	// The limiter is the retrier's attempt recorder, so every transient
	// failure adjusts upload concurrency, not just final outcomes.
	retrier := retry.NewRetrier(retry.Policy{
		Floor:       time.Duration(cfg.Retry.BackoffFloorSeconds) * time.Second,
		Ceiling:     time.Duration(cfg.Retry.BackoffCeilingSeconds) * time.Second,
		MaxAttempts: cfg.Retry.MaxAttempts,
	}, clock, logger, limiter)

	gov, err := governor.New(cfg.Governor, cfg.Upload.MaxWorkers, clock, logger)
	if err != nil {
		man.Close()
		logFile.Close()
		return nil, fmt.Errorf("creating governor: %w", err)
	}

	probeAddr, err := probeAddress(cfg.Cloud)
	if err != nil {
		man.Close()
		logFile.Close()
		return nil, fmt.Errorf("resolving probe address: %w", err)
	}
	probe := retry.NewProbe(probeAddr, clock, logger)

	scan := scanner.New(cfg.Scan.Roots, cfg.Scan.IncludeExtensions, cfg.Scan.ExcludeGlobs, logger)
	detector := agent.NewChangeDetector(man, clock, idgen, logger)
	orch := agent.NewOrchestrator(man, client, chk, retrier, limiter, gov, clock, idgen, logger)
	svc := agent.NewService(scan, detector, orch, man, probe, clock, logger,
		cfg.Upload.MaxWorkers, time.Duration(cfg.Scan.IntervalSeconds)*time.Second)

	return &UplinkApp{
		cfg:      cfg,
		manifest: man,
		secrets:  store,
		governor: gov,
		service:  svc,
		logFile:  logFile,
	}, nil
}

// probeAddress returns the host:port dialed by the connectivity probe,
// derived from the receiver base URL unless configured explicitly.
func probeAddress(cfg config.CloudConfig) (string, error) {
	if cfg.ProbeAddress != "" {
		return cfg.ProbeAddress, nil
	}

	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parsing base_url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("base_url %q has no host", cfg.BaseURL)
	}
	port := u.Port()
	if port == "" {
		if u.Scheme == "http" {
			port = "80"
		} else {
			port = "443"
		}
	}
	return host + ":" + port, nil
}

// Scan runs one scan pass and returns its summary.
func (a *UplinkApp) Scan(ctx context.Context) (*agent.ScanStats, error) {
	return a.service.ScanOnce(ctx)
}

// Sync runs one full scan-hash-upload pass. The governor samples resource
// pressure for the duration of the pass.
func (a *UplinkApp) Sync(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.governor.Run(ctx)
	return a.service.SyncOnce(ctx)
}

// Run executes sync passes until ctx is cancelled.
func (a *UplinkApp) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.governor.Run(ctx)
	return a.service.Run(ctx)
}

// Status reports per-state file counts and any permanently failed files.
func (a *UplinkApp) Status() (*agent.StatusReport, error) {
	return a.service.Status()
}

// SetSecret stores one credential in the secret store.
func (a *UplinkApp) SetSecret(key, value string) error {
	return a.secrets.Set(key, value)
}

// DeleteSecret removes one credential from the secret store.
func (a *UplinkApp) DeleteSecret(key string) error {
	return a.secrets.Delete(key)
}

// Close closes all resources.
func (a *UplinkApp) Close() error {
	var firstErr error
	if err := a.manifest.Close(); err != nil {
		firstErr = fmt.Errorf("closing manifest: %w", err)
	}
	if a.logFile != nil {
		a.logFile.Close()
	}
	return firstErr
}
