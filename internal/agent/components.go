package agent

import (
	"context"
	"io"
	"time"

	"uplink/internal/model"
)

// ScanEntry is one discovered file: the tuple the change detector consumes.
type ScanEntry struct {
	Path      string // Absolute
	SizeBytes int64
	ModTime   time.Time
}

// Scanner produces the files currently visible on the source share.
// A scan pass is finite; fn returning an error aborts the pass.
type Scanner interface {
	Scan(fn func(ScanEntry) error) error
}

// Chunker splits source files into staged, individually-uploadable chunks.
type Chunker interface {
	// Count returns the number of chunks a file of the given size produces.
	Count(sizeBytes int64) int64

	// ChunkPath returns the staged temp location of one chunk.
	ChunkPath(fileID string, index int64) string

	// Prepare stages all chunks for a file, reusing prior temp chunks
	// whose hash still matches the given records.
	Prepare(fileID string, srcPath string, existing []*model.ChunkRecord) ([]*model.ChunkRecord, error)

	// Rechunk regenerates a single chunk from the source file.
	Rechunk(fileID string, srcPath string, index int64) (*model.ChunkRecord, error)

	// Cleanup removes all staged chunks for a file.
	Cleanup(fileID string) error
}

// Retrier runs an operation with bounded backoff on transient errors.
type Retrier interface {
	Do(ctx context.Context, label string, op func(ctx context.Context) error) error
}

// UploadLimiter gates upload concurrency. The limit adapts to attempt
// outcomes fed in by the retry layer and honors an external cap.
type UploadLimiter interface {
	Acquire(ctx context.Context) error
	Release()
	SetCap(n int)
	Limit() int
}

// Governor reports resource pressure and meters upload bandwidth.
type Governor interface {
	// Paused reports whether new chunk submission should hold off.
	Paused() bool

	// SuggestedWorkers returns the governor's concurrency cap (0 = none).
	SuggestedWorkers() int

	// LimitReader wraps r so reads consume bandwidth tokens.
	LimitReader(ctx context.Context, r io.Reader) io.Reader
}

// ConnectivityProbe detects full network loss.
type ConnectivityProbe interface {
	Online() bool

	// WaitOnline blocks until connectivity returns or ctx is done.
	WaitOnline(ctx context.Context) error
}
