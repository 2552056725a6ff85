package model

import "time"

// SyncStatus is the lifecycle state of a tracked file.
type SyncStatus string

const (
	FileDiscovered SyncStatus = "discovered"
	FileHashing    SyncStatus = "hashing"
	FileQueued     SyncStatus = "queued"
	FileUploading  SyncStatus = "uploading"
	FileCompleted  SyncStatus = "completed"
	FileFailed     SyncStatus = "failed"
	FileDeleted    SyncStatus = "deleted"
)

// UploadStatus is the lifecycle state of a single chunk.
type UploadStatus string

const (
	ChunkPending   UploadStatus = "pending"
	ChunkUploading UploadStatus = "uploading"
	ChunkCompleted UploadStatus = "completed"
	ChunkFailed    UploadStatus = "failed"
)

// FileRecord tracks one file on the source share. Records are never purged:
// a file that vanishes from the share transitions to FileDeleted so upload
// history stays auditable.
type FileRecord struct {
	ID                string // UUID
	Path              string // Absolute path, unique
	SizeBytes         int64
	ModTime           time.Time
	SHA256            string // Empty until hashed
	SyncStatus        SyncStatus
	UploadSessionID   string // Empty until a session is opened
	RetryCount        int64
	CorruptionRetries int64 // Server-side verification failures for this file
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ChunkRecord tracks one chunk of a file. Indices are contiguous 0..N-1;
// the index is the only ordering the receiver relies on for reassembly.
type ChunkRecord struct {
	FileID       string
	Index        int64
	SHA256       string // Hash of the stored (possibly compressed) bytes
	SizeBytes    int64  // Stored size (after compression, if any)
	RawSizeBytes int64  // Size of the original byte range
	Compressed   bool
	UploadStatus UploadStatus
	AttemptCount int64
	LastError    string
}

// SyncSession is one upload attempt of a file, identified by the
// server-issued upload ID. A file may accumulate sessions over its life;
// only the most recent non-abandoned session is authoritative.
type SyncSession struct {
	ID             string // UUID
	FileID         string
	UploadID       string // Server-issued
	ExpectedChunks int64
	StartedAt      time.Time
	CompletedAt    *time.Time
	Abandoned      bool
}
