package agent

import (
	"context"
	"fmt"
	"sort"
	"time"

	"uplink/internal/hasher"
	"uplink/internal/model"
)

// Service is the top-level agent pipeline: scan the share, hash new
// content, and drive queued files through upload. Each stage records its
// progress in the manifest, so any pass can be interrupted and the next
// one picks up where it stopped.
type Service struct {
	scanner      Scanner
	detector     *ChangeDetector
	orchestrator *Orchestrator
	manifest     Manifest
	probe        ConnectivityProbe
	clock        Clock
	logger       Logger
	hashWorkers  int
	scanInterval time.Duration
}

// NewService wires a service from its collaborators.
func NewService(scanner Scanner, detector *ChangeDetector, orchestrator *Orchestrator,
	manifest Manifest, probe ConnectivityProbe, clock Clock, logger Logger,
	hashWorkers int, scanInterval time.Duration) *Service {
	if hashWorkers < 1 {
		hashWorkers = 1
	}
	if scanInterval <= 0 {
		scanInterval = 5 * time.Minute
	}
	return &Service{
		scanner:      scanner,
		detector:     detector,
		orchestrator: orchestrator,
		manifest:     manifest,
		probe:        probe,
		clock:        clock,
		logger:       logger,
		hashWorkers:  hashWorkers,
		scanInterval: scanInterval,
	}
}

// ScanStats summarizes one scan pass.
type ScanStats struct {
	Seen     int
	New      int
	Modified int
	Deleted  int
}

// ScanOnce walks the share and reconciles the manifest against what is
// actually there. Running it twice back to back with no filesystem
// changes is a no-op the second time.
func (s *Service) ScanOnce(ctx context.Context) (*ScanStats, error) {
	stats := &ScanStats{}
	seen := make(map[string]bool)

	err := s.scanner.Scan(func(entry ScanEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		seen[entry.Path] = true
		stats.Seen++

		kind, err := s.detector.Apply(entry)
		if err != nil {
			return err
		}
		switch kind {
		case ChangeNew:
			stats.New++
		case ChangeModified:
			stats.Modified++
		}
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("scan pass: %w", err)
	}

	deleted, err := s.detector.MarkMissing(seen)
	if err != nil {
		return stats, fmt.Errorf("reconciling missing files: %w", err)
	}
	stats.Deleted = deleted

	s.logger.Info("scan pass finished",
		"seen", stats.Seen, "new", stats.New,
		"modified", stats.Modified, "deleted", stats.Deleted)
	return stats, nil
}

// HashPending computes content hashes for every discovered file and moves
// them to queued. Files are marked hashing first so a crash mid-hash is
// visible; failures are logged and the file returns to discovered for the
// next pass. Files left in hashing by an earlier interrupted run are swept
// back to discovered first, so a crash never strands them.
func (s *Service) HashPending(ctx context.Context) (int, error) {
	stranded, err := s.manifest.FilesByStatus(model.FileHashing)
	if err != nil {
		return 0, fmt.Errorf("listing interrupted hashes: %w", err)
	}
	for _, rec := range stranded {
		s.logger.Warn("hash interrupted by earlier run, retrying", "path", rec.Path)
		if err := s.manifest.SetFileStatus(rec.ID, model.FileDiscovered); err != nil {
			return 0, fmt.Errorf("recovering interrupted hash: %w", err)
		}
	}

	pending, err := s.manifest.FilesByStatus(model.FileDiscovered)
	if err != nil {
		return 0, fmt.Errorf("listing discovered files: %w", err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	byPath := make(map[string]*model.FileRecord, len(pending))
	paths := make([]string, 0, len(pending))
	for _, rec := range pending {
		if err := s.manifest.SetFileStatus(rec.ID, model.FileHashing); err != nil {
			return 0, fmt.Errorf("marking file hashing: %w", err)
		}
		byPath[rec.Path] = rec
		paths = append(paths, rec.Path)
	}

	hashed := 0
	for _, res := range hasher.HashAll(paths, s.hashWorkers) {
		rec := byPath[res.Path]
		if res.Err != nil {
			s.logger.Warn("hashing failed", "path", res.Path, "error", res.Err)
			if err := s.manifest.SetFileStatus(rec.ID, model.FileDiscovered); err != nil {
				return hashed, fmt.Errorf("returning file to discovered: %w", err)
			}
			continue
		}
		if err := s.manifest.SetFileHash(rec.ID, res.SHA256); err != nil {
			return hashed, fmt.Errorf("recording file hash: %w", err)
		}
		hashed++
	}

	s.logger.Info("hashing finished", "hashed", hashed, "failed", len(pending)-hashed)
	return hashed, nil
}

// SyncOnce runs one full pipeline pass: wait for connectivity, scan,
// hash, then upload. Interrupted uploads from a prior run go first, then
// the freshly queued files. A single file failing does not stop the pass;
// its error is logged and the file keeps its state for the next attempt.
func (s *Service) SyncOnce(ctx context.Context) error {
	if err := s.probe.WaitOnline(ctx); err != nil {
		return err
	}

	if _, err := s.ScanOnce(ctx); err != nil {
		return err
	}
	if _, err := s.HashPending(ctx); err != nil {
		return err
	}

	resumable, err := s.manifest.FilesByStatus(model.FileUploading)
	if err != nil {
		return fmt.Errorf("listing interrupted uploads: %w", err)
	}
	queued, err := s.manifest.FilesByStatus(model.FileQueued)
	if err != nil {
		return fmt.Errorf("listing queued files: %w", err)
	}

	work := append(resumable, queued...)
	uploaded, failed := 0, 0
	for _, rec := range work {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.probe.Online() {
			if err := s.probe.WaitOnline(ctx); err != nil {
				return err
			}
		}
		if err := s.orchestrator.UploadFile(ctx, rec); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failed++
			if _, rerr := s.manifest.IncrementFileRetry(rec.ID); rerr != nil {
				s.logger.Error("recording upload retry", "path", rec.Path, "error", rerr)
			}
			s.logger.Error("upload failed", "path", rec.Path, "error", err)
			continue
		}
		uploaded++
	}

	s.logger.Info("sync pass finished", "uploaded", uploaded, "failed", failed)
	return nil
}

// Run executes sync passes until ctx is cancelled, sleeping scanInterval
// between passes. Pass-level errors are logged, never fatal; only context
// cancellation stops the loop.
func (s *Service) Run(ctx context.Context) error {
	for {
		if err := s.SyncOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("sync pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(s.scanInterval):
		}
	}
}

// StatusReport is a point-in-time summary of the manifest.
type StatusReport struct {
	Counts map[model.SyncStatus]int64
	Failed []*model.FileRecord
}

// Status reports per-state file counts and the files stuck in failed,
// sorted by path.
func (s *Service) Status() (*StatusReport, error) {
	counts, err := s.manifest.StatusCounts()
	if err != nil {
		return nil, fmt.Errorf("counting files: %w", err)
	}
	failed, err := s.manifest.FilesByStatus(model.FileFailed)
	if err != nil {
		return nil, fmt.Errorf("listing failed files: %w", err)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i].Path < failed[j].Path })
	return &StatusReport{Counts: counts, Failed: failed}, nil
}
