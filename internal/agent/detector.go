package agent

import (
	"fmt"

	"uplink/internal/model"
)

// ChangeKind classifies one scanned file against the manifest.
type ChangeKind int

const (
	ChangeNew ChangeKind = iota
	ChangeModified
	ChangeUnchanged
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeNew:
		return "new"
	case ChangeModified:
		return "modified"
	case ChangeUnchanged:
		return "unchanged"
	}
	return "unknown"
}

// ChangeDetector diffs scan results against the manifest. Unchanged and
// already-completed files produce no work, which is what makes rescanning
// idempotent: running a scan twice with no filesystem changes queues
// nothing the second time.
type ChangeDetector struct {
	manifest Manifest
	clock    Clock
	idgen    IDGenerator
	logger   Logger
}

// NewChangeDetector creates a detector writing through the given manifest.
func NewChangeDetector(manifest Manifest, clock Clock, idgen IDGenerator, logger Logger) *ChangeDetector {
	return &ChangeDetector{
		manifest: manifest,
		clock:    clock,
		idgen:    idgen,
		logger:   logger,
	}
}

// Apply records one scanned file in the manifest and returns its
// classification. New files enter as discovered; modified files reset to
// discovered with their stale hash, chunks, and session invalidated;
// unchanged files are left untouched.
func (d *ChangeDetector) Apply(entry ScanEntry) (ChangeKind, error) {
	existing, err := d.manifest.FindFileByPath(entry.Path)
	if err != nil {
		return ChangeUnchanged, fmt.Errorf("looking up scanned file: %w", err)
	}

	if existing == nil {
		now := d.clock.Now()
		rec := &model.FileRecord{
			ID:         d.idgen.New(),
			Path:       entry.Path,
			SizeBytes:  entry.SizeBytes,
			ModTime:    entry.ModTime,
			SyncStatus: model.FileDiscovered,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := d.manifest.CreateFile(rec); err != nil {
			return ChangeNew, fmt.Errorf("recording new file: %w", err)
		}
		d.logger.Debug("file discovered", "path", entry.Path, "size", entry.SizeBytes)
		return ChangeNew, nil
	}

	if existing.SizeBytes == entry.SizeBytes && existing.ModTime.Equal(entry.ModTime) {
		// A file that previously vanished and reappeared unchanged is
		// revived rather than left soft-deleted.
		if existing.SyncStatus == model.FileDeleted {
			if err := d.revive(existing); err != nil {
				return ChangeModified, err
			}
			return ChangeModified, nil
		}
		return ChangeUnchanged, nil
	}

	// Content changed on disk: stale chunks and any open session are
	// worthless, so drop them before the file re-enters the pipeline.
	if err := d.invalidate(existing); err != nil {
		return ChangeModified, err
	}
	if err := d.manifest.UpdateFileScan(existing.ID, entry.SizeBytes, entry.ModTime); err != nil {
		return ChangeModified, fmt.Errorf("recording modified file: %w", err)
	}
	d.logger.Debug("file modified", "path", entry.Path, "size", entry.SizeBytes)
	return ChangeModified, nil
}

// MarkMissing soft-deletes every active file whose path was not seen in
// the current scan pass. Records are retained for audit, never purged.
// Returns the number of files marked.
func (d *ChangeDetector) MarkMissing(seen map[string]bool) (int, error) {
	active, err := d.manifest.ActiveFiles()
	if err != nil {
		return 0, fmt.Errorf("listing active files: %w", err)
	}

	marked := 0
	for _, rec := range active {
		if seen[rec.Path] {
			continue
		}
		if err := d.manifest.SetFileStatus(rec.ID, model.FileDeleted); err != nil {
			return marked, fmt.Errorf("marking file deleted: %w", err)
		}
		d.logger.Info("file vanished from share", "path", rec.Path)
		marked++
	}
	return marked, nil
}

func (d *ChangeDetector) revive(rec *model.FileRecord) error {
	if err := d.invalidate(rec); err != nil {
		return err
	}
	if err := d.manifest.UpdateFileScan(rec.ID, rec.SizeBytes, rec.ModTime); err != nil {
		return fmt.Errorf("reviving deleted file: %w", err)
	}
	d.logger.Info("deleted file reappeared", "path", rec.Path)
	return nil
}

func (d *ChangeDetector) invalidate(rec *model.FileRecord) error {
	if err := d.manifest.DeleteChunksForFile(rec.ID); err != nil {
		return fmt.Errorf("dropping stale chunks: %w", err)
	}
	sess, err := d.manifest.CurrentSession(rec.ID)
	if err != nil {
		return fmt.Errorf("finding open session: %w", err)
	}
	if sess != nil && sess.CompletedAt == nil {
		if err := d.manifest.AbandonSession(sess.ID); err != nil {
			return fmt.Errorf("abandoning stale session: %w", err)
		}
	}
	return nil
}
