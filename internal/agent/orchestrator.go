package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"uplink/internal/hasher"
	"uplink/internal/model"
)

// errVerificationFailed signals that the receiver could not verify the
// reassembled file. It is recoverable up to maxCorruptionRetries times.
var errVerificationFailed = errors.New("receiver verification failed")

// maxCorruptionRetries bounds how many times a file is re-chunked and
// re-uploaded from scratch after the receiver rejects the reassembly.
const maxCorruptionRetries = 3

// pauseInterval is how long the orchestrator waits between resource
// pressure checks when the governor has paused submissions.
const pauseInterval = 5 * time.Second

// Orchestrator drives a single file through the three-phase upload
// protocol: open a session, push chunks concurrently, close and verify.
// Every state transition is written to the manifest before the next step
// begins, so a crash at any point resumes instead of restarting.
type Orchestrator struct {
	manifest Manifest
	cloud    CloudClient
	chunker  Chunker
	retrier  Retrier
	limiter  UploadLimiter
	governor Governor
	clock    Clock
	idgen    IDGenerator
	logger   Logger
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(manifest Manifest, cloud CloudClient, chunker Chunker,
	retrier Retrier, limiter UploadLimiter, governor Governor,
	clock Clock, idgen IDGenerator, logger Logger) *Orchestrator {
	return &Orchestrator{
		manifest: manifest,
		cloud:    cloud,
		chunker:  chunker,
		retrier:  retrier,
		limiter:  limiter,
		governor: governor,
		clock:    clock,
		idgen:    idgen,
		logger:   logger,
	}
}

// UploadFile uploads one hashed file, resuming any prior session. The
// record must have a computed hash. Returns nil when the receiver holds
// a verified copy; a transient error leaves the file in uploading so the
// next pass resumes it; verification failures past the corruption bound
// mark the file failed.
func (o *Orchestrator) UploadFile(ctx context.Context, rec *model.FileRecord) error {
	if rec.SHA256 == "" {
		return fmt.Errorf("file %s has no content hash", rec.Path)
	}

	skip, err := o.alreadyUploaded(ctx, rec)
	if err != nil {
		o.logger.Warn("dedup check failed, uploading anyway", "path", rec.Path, "error", err)
	} else if skip {
		o.logger.Info("content already uploaded, skipping", "path", rec.Path, "sha256", rec.SHA256)
		if err := o.manifest.SetFileStatus(rec.ID, model.FileCompleted); err != nil {
			return fmt.Errorf("marking deduplicated file completed: %w", err)
		}
		return nil
	}

	for {
		err := o.uploadOnce(ctx, rec)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errVerificationFailed) {
			return err
		}

		retries, cerr := o.manifest.IncrementCorruptionRetries(rec.ID)
		if cerr != nil {
			return fmt.Errorf("recording corruption retry: %w", cerr)
		}
		if rerr := o.restartFromSource(rec); rerr != nil {
			return rerr
		}
		if retries >= maxCorruptionRetries {
			o.logger.Error("verification failed repeatedly, giving up",
				"path", rec.Path, "retries", retries)
			if serr := o.manifest.SetFileStatus(rec.ID, model.FileFailed); serr != nil {
				return fmt.Errorf("marking file failed: %w", serr)
			}
			return fmt.Errorf("upload of %s: verification failed %d times", rec.Path, retries)
		}
		o.logger.Warn("verification failed, re-chunking from source",
			"path", rec.Path, "retry", retries)
	}
}

// alreadyUploaded reports whether the receiver holds this content and our
// own records show an upload at least as recent as the file's mtime. With
// no local record the file is treated as newer and uploaded again.
func (o *Orchestrator) alreadyUploaded(ctx context.Context, rec *model.FileRecord) (bool, error) {
	var exists bool
	err := o.retrier.Do(ctx, "check "+rec.SHA256[:12], func(ctx context.Context) error {
		var cerr error
		exists, cerr = o.cloud.CheckExists(ctx, rec.SHA256)
		return cerr
	})
	if err != nil {
		return false, err
	}
	if !exists {
		return false, nil
	}

	uploadedAt, err := o.manifest.LatestUploadTime(rec.SHA256)
	if err != nil {
		return false, err
	}
	if uploadedAt.IsZero() {
		return false, nil
	}
	return !rec.ModTime.After(uploadedAt), nil
}

// uploadOnce runs one complete pass: stage chunks, open or resume a
// session, push every pending chunk, then complete and verify.
func (o *Orchestrator) uploadOnce(ctx context.Context, rec *model.FileRecord) error {
	if err := o.manifest.SetFileStatus(rec.ID, model.FileUploading); err != nil {
		return fmt.Errorf("marking file uploading: %w", err)
	}

	existing, err := o.manifest.ChunksForFile(rec.ID)
	if err != nil {
		return fmt.Errorf("loading chunk records: %w", err)
	}

	chunks, err := o.chunker.Prepare(rec.ID, rec.Path, existing)
	if err != nil {
		return fmt.Errorf("staging chunks for %s: %w", rec.Path, err)
	}
	for _, c := range chunks {
		if err := o.manifest.UpsertChunk(c); err != nil {
			return fmt.Errorf("recording chunk %d: %w", c.Index, err)
		}
	}

	sess, err := o.openOrResumeSession(ctx, rec, int64(len(chunks)))
	if err != nil {
		return err
	}

	if err := o.uploadChunks(ctx, rec, sess, chunks); err != nil {
		return err
	}

	return o.complete(ctx, rec, sess, int64(len(chunks)))
}

// openOrResumeSession reuses the most recent open session when its chunk
// count still matches, otherwise abandons it and opens a fresh one. The
// session row is persisted before any chunk is sent: the server-issued
// upload ID must survive a crash or the uploaded chunks are orphaned.
func (o *Orchestrator) openOrResumeSession(ctx context.Context, rec *model.FileRecord, totalChunks int64) (*model.SyncSession, error) {
	sess, err := o.manifest.CurrentSession(rec.ID)
	if err != nil {
		return nil, fmt.Errorf("loading current session: %w", err)
	}
	if sess != nil && sess.CompletedAt == nil {
		if sess.ExpectedChunks == totalChunks {
			o.logger.Info("resuming upload session",
				"path", rec.Path, "upload_id", sess.UploadID)
			return sess, nil
		}
		if err := o.manifest.AbandonSession(sess.ID); err != nil {
			return nil, fmt.Errorf("abandoning mismatched session: %w", err)
		}
		// A shrunken file leaves chunk rows past the new count; drop
		// them so stored chunks stay contiguous from 0..totalChunks-1.
		if sess.ExpectedChunks > totalChunks {
			if err := o.manifest.DeleteChunksFrom(rec.ID, totalChunks); err != nil {
				return nil, fmt.Errorf("dropping out-of-range chunks: %w", err)
			}
		}
	}

	var initRes *InitResult
	err = o.retrier.Do(ctx, "init "+filepath.Base(rec.Path), func(ctx context.Context) error {
		var ierr error
		initRes, ierr = o.cloud.Init(ctx, filepath.Base(rec.Path), rec.SHA256, rec.SizeBytes, totalChunks)
		return ierr
	})
	if err != nil {
		return nil, fmt.Errorf("opening upload session for %s: %w", rec.Path, err)
	}

	sess = &model.SyncSession{
		ID:             o.idgen.New(),
		FileID:         rec.ID,
		UploadID:       initRes.UploadID,
		ExpectedChunks: totalChunks,
		StartedAt:      o.clock.Now(),
	}
	if err := o.manifest.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}
	if err := o.manifest.SetFileSession(rec.ID, sess.ID); err != nil {
		return nil, fmt.Errorf("linking session to file: %w", err)
	}
	o.logger.Info("opened upload session",
		"path", rec.Path, "upload_id", sess.UploadID, "chunks", totalChunks)
	return sess, nil
}

// uploadChunks pushes every non-completed chunk through the limiter-gated
// worker pool. Chunks already marked completed in the manifest are never
// resent; that is the resume guarantee.
func (o *Orchestrator) uploadChunks(ctx context.Context, rec *model.FileRecord, sess *model.SyncSession, chunks []*model.ChunkRecord) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, chunk := range chunks {
		if chunk.UploadStatus == model.ChunkCompleted {
			continue
		}
		chunk := chunk
		g.Go(func() error {
			o.limiter.SetCap(o.governor.SuggestedWorkers())
			if err := o.waitResume(ctx); err != nil {
				return err
			}
			if err := o.limiter.Acquire(ctx); err != nil {
				return err
			}
			defer o.limiter.Release()
			return o.uploadChunk(ctx, rec, sess, chunk)
		})
	}

	return g.Wait()
}

// uploadChunk verifies, sends, and durably records one chunk.
func (o *Orchestrator) uploadChunk(ctx context.Context, rec *model.FileRecord, sess *model.SyncSession, chunk *model.ChunkRecord) error {
	data, err := o.verifiedChunkData(rec, chunk)
	if err != nil {
		return err
	}

	if err := o.manifest.SetChunkStatus(rec.ID, chunk.Index, model.ChunkUploading, ""); err != nil {
		return fmt.Errorf("marking chunk %d uploading: %w", chunk.Index, err)
	}
	if err := o.manifest.IncrementChunkAttempt(rec.ID, chunk.Index); err != nil {
		return fmt.Errorf("recording chunk attempt: %w", err)
	}

	label := fmt.Sprintf("chunk %d/%d of %s", chunk.Index+1, sess.ExpectedChunks, filepath.Base(rec.Path))
	err = o.retrier.Do(ctx, label, func(ctx context.Context) error {
		body := o.governor.LimitReader(ctx, bytes.NewReader(data))
		_, uerr := o.cloud.UploadChunk(ctx, sess.UploadID, chunk.Index, chunk.SHA256, chunk.Compressed, body, chunk.SizeBytes)
		return uerr
	})
	if err != nil {
		if serr := o.manifest.SetChunkStatus(rec.ID, chunk.Index, model.ChunkFailed, err.Error()); serr != nil {
			o.logger.Error("recording chunk failure", "index", chunk.Index, "error", serr)
		}
		return fmt.Errorf("uploading chunk %d: %w", chunk.Index, err)
	}

	// The completed mark must hit the manifest before the chunk counts as
	// done, otherwise a crash here re-sends it on resume. Re-sending is
	// safe but wasteful; the reverse (skipping a chunk the server never
	// got) would not be, and this ordering makes it impossible.
	if err := o.manifest.SetChunkStatus(rec.ID, chunk.Index, model.ChunkCompleted, ""); err != nil {
		return fmt.Errorf("marking chunk %d completed: %w", chunk.Index, err)
	}
	o.logger.Debug("chunk uploaded", "path", rec.Path, "index", chunk.Index, "bytes", chunk.SizeBytes)
	return nil
}

// verifiedChunkData reads a staged chunk and checks it against its
// recorded hash. A corrupted temp chunk is regenerated from the source
// before upload rather than sent broken.
func (o *Orchestrator) verifiedChunkData(rec *model.FileRecord, chunk *model.ChunkRecord) ([]byte, error) {
	path := o.chunker.ChunkPath(rec.ID, chunk.Index)
	data, err := os.ReadFile(path)
	if err == nil && hasher.ChunkHash(data) == chunk.SHA256 {
		return data, nil
	}
	if err != nil {
		o.logger.Warn("staged chunk unreadable, regenerating", "index", chunk.Index, "error", err)
	} else {
		o.logger.Warn("staged chunk corrupted, regenerating", "index", chunk.Index)
	}

	fresh, err := o.chunker.Rechunk(rec.ID, rec.Path, chunk.Index)
	if err != nil {
		return nil, fmt.Errorf("regenerating chunk %d: %w", chunk.Index, err)
	}
	if err := o.manifest.UpsertChunk(fresh); err != nil {
		return nil, fmt.Errorf("recording regenerated chunk: %w", err)
	}
	*chunk = *fresh

	data, err = os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading regenerated chunk %d: %w", chunk.Index, err)
	}
	return data, nil
}

// complete closes the session and checks the receiver's verification of
// the reassembled file.
func (o *Orchestrator) complete(ctx context.Context, rec *model.FileRecord, sess *model.SyncSession, totalChunks int64) error {
	var res *CompleteResult
	err := o.retrier.Do(ctx, "complete "+filepath.Base(rec.Path), func(ctx context.Context) error {
		var cerr error
		res, cerr = o.cloud.Complete(ctx, sess.UploadID, totalChunks, rec.SHA256)
		return cerr
	})
	if err != nil {
		return fmt.Errorf("completing upload of %s: %w", rec.Path, err)
	}

	if !res.Received {
		o.logger.Warn("receiver rejected reassembled file",
			"path", rec.Path,
			"chunks_received", res.Verification.ChunksReceived,
			"chunks_expected", res.Verification.ChunksExpected,
			"sha256_match", res.Verification.SHA256Match)
		return errVerificationFailed
	}

	if err := o.manifest.CompleteSession(sess.ID, o.clock.Now()); err != nil {
		return fmt.Errorf("recording session completion: %w", err)
	}
	if err := o.manifest.SetFileStatus(rec.ID, model.FileCompleted); err != nil {
		return fmt.Errorf("marking file completed: %w", err)
	}
	if err := o.chunker.Cleanup(rec.ID); err != nil {
		o.logger.Warn("cleaning staged chunks", "path", rec.Path, "error", err)
	}
	o.logger.Info("upload completed", "path", rec.Path, "chunks", totalChunks)
	return nil
}

// restartFromSource throws away everything derived from the file so the
// next pass re-chunks from scratch: open session abandoned, chunk records
// dropped, staged temp chunks removed.
func (o *Orchestrator) restartFromSource(rec *model.FileRecord) error {
	sess, err := o.manifest.CurrentSession(rec.ID)
	if err != nil {
		return fmt.Errorf("loading session for restart: %w", err)
	}
	if sess != nil && sess.CompletedAt == nil {
		if err := o.manifest.AbandonSession(sess.ID); err != nil {
			return fmt.Errorf("abandoning session for restart: %w", err)
		}
	}
	if err := o.manifest.DeleteChunksForFile(rec.ID); err != nil {
		return fmt.Errorf("dropping chunk records for restart: %w", err)
	}
	if err := o.chunker.Cleanup(rec.ID); err != nil {
		return fmt.Errorf("removing staged chunks for restart: %w", err)
	}
	return nil
}

// waitResume blocks while the governor has submissions paused.
func (o *Orchestrator) waitResume(ctx context.Context) error {
	for o.governor.Paused() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.clock.After(pauseInterval):
		}
	}
	return nil
}
