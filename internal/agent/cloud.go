package agent

import (
	"context"
	"io"
)

// InitResult is the receiver's response to opening an upload session.
type InitResult struct {
	UploadID       string
	ExpectedChunks int64
}

// ChunkResult is the receiver's acknowledgement of one chunk.
type ChunkResult struct {
	ChunkIndex    int64
	BytesReceived int64
}

// Verification reports the receiver's reassembly check after complete.
type Verification struct {
	ChunksReceived int64
	ChunksExpected int64
	SHA256Match    bool
}

// CompleteResult is the receiver's response to closing an upload session.
// Received is false when the reassembled file failed verification.
type CompleteResult struct {
	Received     bool
	Verification Verification
}

// CloudClient is the HTTP binding to the three-phase upload protocol.
// Implementations must bound every call with a timeout; they do not retry —
// retry policy lives with the caller.
type CloudClient interface {
	// Init opens an upload session for a file and returns the
	// server-issued upload ID.
	Init(ctx context.Context, filename string, sha256 string, sizeBytes int64, totalChunks int64) (*InitResult, error)

	// UploadChunk transmits one chunk. The index travels in a header, so
	// chunks may arrive in any order; the receiver reassembles by index.
	// compressed tells the receiver the body is zstd-framed and must be
	// decompressed before reassembly.
	UploadChunk(ctx context.Context, uploadID string, index int64, sha256 string, compressed bool, body io.Reader, sizeBytes int64) (*ChunkResult, error)

	// Complete closes the session and returns the receiver's verification
	// of the reassembled file.
	Complete(ctx context.Context, uploadID string, totalChunks int64, sha256 string) (*CompleteResult, error)

	// CheckExists reports whether content with this hash is already held
	// for the site.
	CheckExists(ctx context.Context, sha256 string) (bool, error)
}
