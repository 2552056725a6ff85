package agent

import (
	"time"

	"uplink/internal/model"
)

// Manifest provides durable storage for file, chunk, and session state.
// It is the single source of truth for resume: no chunk is treated as
// uploaded unless the manifest says so. All methods must be implemented
// with appropriate transaction handling; finders return (nil, nil) when
// the record does not exist.
type Manifest interface {
	// File operations

	// FindFileByPath returns a file record with an exact path match.
	FindFileByPath(path string) (*model.FileRecord, error)

	// CreateFile inserts a new file record.
	CreateFile(rec *model.FileRecord) error

	// UpdateFileScan records fresh size/mtime after a scan detected a
	// change, resets the hash, and moves the file back to discovered.
	UpdateFileScan(id string, sizeBytes int64, modTime time.Time) error

	// SetFileStatus transitions a file's sync status.
	SetFileStatus(id string, status model.SyncStatus) error

	// SetFileHash records the computed content hash and transitions the
	// file to queued.
	SetFileHash(id string, sha256 string) error

	// SetFileSession points a file at its current upload session.
	SetFileSession(id string, sessionID string) error

	// IncrementFileRetry bumps the retry counter and returns the new value.
	IncrementFileRetry(id string) (int64, error)

	// IncrementCorruptionRetries bumps the corruption counter and returns
	// the new value.
	IncrementCorruptionRetries(id string) (int64, error)

	// FilesByStatus returns all files in the given status.
	FilesByStatus(status model.SyncStatus) ([]*model.FileRecord, error)

	// ActiveFiles returns all files not marked deleted.
	ActiveFiles() ([]*model.FileRecord, error)

	// StatusCounts returns the number of files per sync status.
	StatusCounts() (map[model.SyncStatus]int64, error)

	// LatestUploadTime returns the completion time of the most recent
	// completed session for any file with the given content hash.
	// Returns (zero, nil) if no such upload exists.
	LatestUploadTime(sha256 string) (time.Time, error)

	// Chunk operations

	// UpsertChunk inserts or replaces a chunk record keyed by (file, index).
	UpsertChunk(c *model.ChunkRecord) error

	// ChunksForFile returns all chunk records for a file ordered by index.
	ChunksForFile(fileID string) ([]*model.ChunkRecord, error)

	// SetChunkStatus transitions a chunk's upload status. A non-empty
	// lastError is recorded alongside failed transitions.
	SetChunkStatus(fileID string, index int64, status model.UploadStatus, lastError string) error

	// IncrementChunkAttempt bumps a chunk's attempt counter.
	IncrementChunkAttempt(fileID string, index int64) error

	// DeleteChunksForFile removes all chunk records for a file. Used when
	// corruption recovery restarts chunking from the source.
	DeleteChunksForFile(fileID string) error

	// DeleteChunksFrom removes chunk records with index >= fromIndex.
	// Used when a file shrinks between sessions, so stored chunks stay
	// contiguous from 0 to the new count.
	DeleteChunksFrom(fileID string, fromIndex int64) error

	// Session operations

	// CreateSession inserts a new sync session.
	CreateSession(s *model.SyncSession) error

	// CurrentSession returns the most recent non-abandoned session for a
	// file, or (nil, nil) if none exists.
	CurrentSession(fileID string) (*model.SyncSession, error)

	// CompleteSession records the completion time of a session.
	CompleteSession(id string, at time.Time) error

	// AbandonSession marks a session abandoned so it is no longer
	// authoritative for resume.
	AbandonSession(id string) error

	// Close closes the underlying store.
	Close() error
}
