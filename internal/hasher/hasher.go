package hasher

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"golang.org/x/sync/errgroup"
)

// readBufferSize is the fixed buffer used for streaming file hashes.
// Deliberately independent of the upload chunk size so memory stays
// bounded no matter how large the file is.
const readBufferSize = 256 * 1024

// FileHash streams the file at path through SHA-256 and returns the
// lowercase hex digest. Safe for concurrent use: it holds no shared state.
func FileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("opening file for hashing: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, readBufferSize)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fmt.Errorf("hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChunkHash returns the lowercase hex SHA-256 digest of the given bytes.
func ChunkHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Result pairs a hashed path with its digest or error.
type Result struct {
	Path   string
	SHA256 string
	Err    error
}

// HashAll hashes the given paths with at most workers concurrent hashers
// and returns one Result per path, in input order. Individual failures are
// reported in the Result, never aborting the batch.
func HashAll(paths []string, workers int) []Result {
	if workers < 1 {
		workers = 1
	}

	results := make([]Result, len(paths))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			sum, err := FileHash(p)
			results[i] = Result{Path: p, SHA256: sum, Err: err}
			return nil
		})
	}
	g.Wait() // workers never return errors; failures live in Results

	return results
}
