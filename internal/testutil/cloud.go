package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"uplink/internal/agent"
	"uplink/internal/hasher"

	"github.com/klauspost/compress/zstd"
)

// FakeChunk is one received chunk: the bytes as they crossed the wire
// plus the compression marker from the upload headers.
type FakeChunk struct {
	Data       []byte
	Compressed bool
}

// FakeSession is one upload session held by the FakeCloud receiver.
type FakeSession struct {
	Filename    string
	SHA256      string
	SizeBytes   int64
	TotalChunks int64
	Chunks      map[int64]FakeChunk // keyed by index, any arrival order
	Completed   bool
}

// FakeCloud is an in-memory receiver implementing agent.CloudClient.
// Chunks are stored keyed by index, so arrival order never matters.
// Failure hooks let tests inject transport errors and verification
// rejections at specific points. Safe for concurrent use.
type FakeCloud struct {
	mu       sync.Mutex
	sessions map[string]*FakeSession
	existing map[string]bool // sha256 values the receiver already holds
	nextID   int

	// ChunkErr, when set, is consulted before storing each chunk; a
	// non-nil return is surfaced to the caller and the chunk dropped.
	ChunkErr func(uploadID string, index int64, attempt int) error
	attempts map[string]int // per uploadID/index attempt counts

	// FailVerifications makes the next N Complete calls report a failed
	// reassembly check.
	FailVerifications int

	InitCalls     int
	ChunkCalls    int
	CompleteCalls int
	CheckCalls    int
}

func NewFakeCloud() *FakeCloud {
	return &FakeCloud{
		sessions: make(map[string]*FakeSession),
		existing: make(map[string]bool),
		attempts: make(map[string]int),
	}
}

// AddExisting registers content the receiver already holds, so
// CheckExists reports true for it.
func (f *FakeCloud) AddExisting(sha256 string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.existing[sha256] = true
}

// Session returns the session with the given upload ID, or nil.
func (f *FakeCloud) Session(uploadID string) *FakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[uploadID]
}

// Reassembled concatenates a session's chunks in index order,
// decompressing any chunk whose upload declared a codec. The result is
// what the receiver would verify against the declared file hash.
func (f *FakeCloud) Reassembled(uploadID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reassembleLocked(f.sessions[uploadID])
}

func (f *FakeCloud) reassembleLocked(sess *FakeSession) ([]byte, error) {
	if sess == nil {
		return nil, fmt.Errorf("unknown session")
	}
	indices := make([]int64, 0, len(sess.Chunks))
	for i := range sess.Chunks {
		indices = append(indices, i)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var buf bytes.Buffer
	for _, i := range indices {
		chunk := sess.Chunks[i]
		if !chunk.Compressed {
			buf.Write(chunk.Data)
			continue
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		raw, err := dec.DecodeAll(chunk.Data, nil)
		dec.Close()
		if err != nil {
			return nil, fmt.Errorf("decompressing chunk %d: %w", i, err)
		}
		buf.Write(raw)
	}
	return buf.Bytes(), nil
}

func (f *FakeCloud) Init(_ context.Context, filename string, sha256 string, sizeBytes int64, totalChunks int64) (*agent.InitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.InitCalls++
	f.nextID++
	id := fmt.Sprintf("upload-%d", f.nextID)
	f.sessions[id] = &FakeSession{
		Filename:    filename,
		SHA256:      sha256,
		SizeBytes:   sizeBytes,
		TotalChunks: totalChunks,
		Chunks:      make(map[int64]FakeChunk),
	}
	return &agent.InitResult{UploadID: id, ExpectedChunks: totalChunks}, nil
}

func (f *FakeCloud) UploadChunk(_ context.Context, uploadID string, index int64, sha256 string, compressed bool, body io.Reader, sizeBytes int64) (*agent.ChunkResult, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.ChunkCalls++
	key := fmt.Sprintf("%s/%d", uploadID, index)
	f.attempts[key]++
	attempt := f.attempts[key]
	hook := f.ChunkErr
	sess := f.sessions[uploadID]
	f.mu.Unlock()

	if hook != nil {
		if err := hook(uploadID, index, attempt); err != nil {
			return nil, err
		}
	}

	if sess == nil {
		return nil, fmt.Errorf("unknown upload id %s", uploadID)
	}
	if got := hasher.ChunkHash(data); got != sha256 {
		return nil, fmt.Errorf("chunk %d hash mismatch: got %s want %s", index, got, sha256)
	}
	if int64(len(data)) != sizeBytes {
		return nil, fmt.Errorf("chunk %d size mismatch: got %d want %d", index, len(data), sizeBytes)
	}

	f.mu.Lock()
	sess.Chunks[index] = FakeChunk{Data: data, Compressed: compressed}
	f.mu.Unlock()
	return &agent.ChunkResult{ChunkIndex: index, BytesReceived: int64(len(data))}, nil
}

func (f *FakeCloud) Complete(_ context.Context, uploadID string, totalChunks int64, sha256 string) (*agent.CompleteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.CompleteCalls++
	sess := f.sessions[uploadID]
	if sess == nil {
		return nil, fmt.Errorf("unknown upload id %s", uploadID)
	}

	received := int64(len(sess.Chunks))
	verification := agent.Verification{
		ChunksReceived: received,
		ChunksExpected: totalChunks,
	}

	if f.FailVerifications > 0 {
		f.FailVerifications--
		return &agent.CompleteResult{Received: false, Verification: verification}, nil
	}
	if received != totalChunks {
		return &agent.CompleteResult{Received: false, Verification: verification}, nil
	}

	// Verify the declared file hash over the decompressed reassembly,
	// the same check a real receiver performs.
	assembled, err := f.reassembleLocked(sess)
	if err != nil {
		return &agent.CompleteResult{Received: false, Verification: verification}, nil
	}
	verification.SHA256Match = hasher.ChunkHash(assembled) == sess.SHA256
	if !verification.SHA256Match {
		return &agent.CompleteResult{Received: false, Verification: verification}, nil
	}

	sess.Completed = true
	f.existing[sha256] = true
	return &agent.CompleteResult{Received: true, Verification: verification}, nil
}

func (f *FakeCloud) CheckExists(_ context.Context, sha256 string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.CheckCalls++
	return f.existing[sha256], nil
}

var _ agent.CloudClient = (*FakeCloud)(nil)
