package chunker

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/klauspost/compress/zstd"

	"uplink/internal/agent"
	"uplink/internal/hasher"
	"uplink/internal/model"
)

// Chunk size bounds. Configured sizes outside the bound are clamped;
// the default sits mid-range.
const (
	MinChunkSize     = 1 << 20
	MaxChunkSize     = 64 << 20
	DefaultChunkSize = 8 << 20
)

// Chunker splits source files into fixed-size chunks staged as temporary
// files under its work directory. Chunking is restartable: temp chunks
// left by a crashed run are reused when their hash still matches the
// recorded chunk, so a resume never redoes finished work.
type Chunker struct {
	workDir     string
	chunkSize   int64
	compressExt map[string]bool
	logger      agent.Logger
}

// New creates a Chunker staging chunks under workDir.
// compressExtensions lists the source-file extensions whose chunks are
// zstd-compressed before hashing and upload; binary formats stay raw.
func New(workDir string, chunkSize int64, compressExtensions []string, logger agent.Logger) *Chunker {
	if chunkSize < MinChunkSize {
		chunkSize = MinChunkSize
	}
	if chunkSize > MaxChunkSize {
		chunkSize = MaxChunkSize
	}

	compressExt := make(map[string]bool, len(compressExtensions))
	for _, ext := range compressExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		compressExt[ext] = true
	}

	return &Chunker{
		workDir:     workDir,
		chunkSize:   chunkSize,
		compressExt: compressExt,
		logger:      logger,
	}
}

// ChunkSize returns the effective (clamped) chunk size.
func (c *Chunker) ChunkSize() int64 { return c.chunkSize }

// Count returns the number of chunks a file of the given size produces.
// Zero-byte files still produce one (empty) chunk so the receiver gets a
// well-formed session.
func (c *Chunker) Count(sizeBytes int64) int64 {
	if sizeBytes <= 0 {
		return 1
	}
	return (sizeBytes + c.chunkSize - 1) / c.chunkSize
}

// ChunkPath returns the temp location for one staged chunk.
func (c *Chunker) ChunkPath(fileID string, index int64) string {
	return filepath.Join(c.workDir, "chunks", fileID, strconv.FormatInt(index, 10)+".chunk")
}

// Prepare splits the source file into staged chunks and returns one record
// per chunk, indices contiguous 0..N-1. existing holds the manifest's chunk
// records from a prior run: a staged temp file whose hash still matches its
// record is reused as-is (preserving its upload status), anything else is
// regenerated with status pending.
func (c *Chunker) Prepare(fileID string, srcPath string, existing []*model.ChunkRecord) ([]*model.ChunkRecord, error) {
	prior := make(map[int64]*model.ChunkRecord, len(existing))
	for _, rec := range existing {
		prior[rec.Index] = rec
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source file: %w", err)
	}

	dir := filepath.Join(c.workDir, "chunks", fileID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating chunk directory: %w", err)
	}

	compress := c.compressExt[strings.ToLower(filepath.Ext(srcPath))]
	total := c.Count(info.Size())
	records := make([]*model.ChunkRecord, 0, total)
	buf := make([]byte, c.chunkSize)

	for index := int64(0); index < total; index++ {
		n, err := io.ReadFull(src, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("reading chunk %d: %w", index, err)
		}
		raw := buf[:n]

		if rec, ok := prior[index]; ok {
			if reused := c.reusable(fileID, rec); reused {
				records = append(records, rec)
				continue
			}
		}

		rec, err := c.stageChunk(fileID, index, raw, compress)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	return records, nil
}

// Rechunk regenerates a single chunk from the source file. Used when the
// pre-upload integrity check finds a corrupted temp chunk.
func (c *Chunker) Rechunk(fileID string, srcPath string, index int64) (*model.ChunkRecord, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return nil, fmt.Errorf("opening source file: %w", err)
	}
	defer src.Close()

	if _, err := src.Seek(index*c.chunkSize, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking to chunk %d: %w", index, err)
	}

	buf := make([]byte, c.chunkSize)
	n, err := io.ReadFull(src, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, fmt.Errorf("reading chunk %d: %w", index, err)
	}

	compress := c.compressExt[strings.ToLower(filepath.Ext(srcPath))]
	return c.stageChunk(fileID, index, buf[:n], compress)
}

// Cleanup removes all staged chunks for a file. Called after the receiver
// confirms the reassembled file, or when corruption recovery restarts.
func (c *Chunker) Cleanup(fileID string) error {
	dir := filepath.Join(c.workDir, "chunks", fileID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("removing chunk directory: %w", err)
	}
	return nil
}

// reusable reports whether the staged temp file for rec exists and still
// hashes to the recorded value.
func (c *Chunker) reusable(fileID string, rec *model.ChunkRecord) bool {
	data, err := os.ReadFile(c.ChunkPath(fileID, rec.Index))
	if err != nil {
		return false
	}
	if hasher.ChunkHash(data) != rec.SHA256 {
		c.logger.Warn("staged chunk hash mismatch, regenerating",
			"file_id", fileID, "index", rec.Index)
		return false
	}
	return true
}

// stageChunk compresses (when enabled), hashes, and writes one chunk to
// its temp location via write-temp-then-rename.
func (c *Chunker) stageChunk(fileID string, index int64, raw []byte, compress bool) (*model.ChunkRecord, error) {
	stored := raw
	compressed := false
	if compress {
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		stored = enc.EncodeAll(raw, nil)
		enc.Close()
		compressed = true
	}

	// Hash covers the stored bytes — what actually goes over the wire.
	sum := hasher.ChunkHash(stored)

	dest := c.ChunkPath(fileID, index)
	if err := writeAtomic(dest, stored); err != nil {
		return nil, fmt.Errorf("staging chunk %d: %w", index, err)
	}

	return &model.ChunkRecord{
		FileID:       fileID,
		Index:        index,
		SHA256:       sum,
		SizeBytes:    int64(len(stored)),
		RawSizeBytes: int64(len(raw)),
		Compressed:   compressed,
		UploadStatus: model.ChunkPending,
	}, nil
}

// writeAtomic writes data to destPath via a temp file and rename so a
// crash never leaves a torn chunk at the final path.
func writeAtomic(destPath string, data []byte) error {
	dir := filepath.Dir(destPath)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}

// Compile-time check that Chunker implements agent.Chunker
var _ agent.Chunker = (*Chunker)(nil)
