package agent_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"uplink/internal/agent"
	"uplink/internal/chunker"
	"uplink/internal/cloud"
	"uplink/internal/model"
	"uplink/internal/retry"
	"uplink/internal/scanner"
	"uplink/internal/testutil"
)

// serviceFixture runs the whole pipeline over a real temp directory tree
// with the in-memory receiver on the other end.
type serviceFixture struct {
	root     string
	manifest agent.Manifest
	cloud    *testutil.FakeCloud
	probe    *testutil.StubProbe
	service  *agent.Service
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	root := t.TempDir()
	m := testutil.NewTestManifest(t)
	fc := testutil.NewFakeCloud()
	clock := testutil.FixedClock()
	logger := agent.NewNopLogger()
	idgen := testutil.NewStubIDGenerator()

	ch := chunker.New(t.TempDir(), chunker.MinChunkSize, nil, logger)
	limiter := retry.NewAdaptiveLimiter(3, 8, retry.NewWindow(20))
	retrier := retry.NewRetrier(retry.Policy{MaxAttempts: 3}, clock, logger, limiter)
	gov := testutil.NewStubGovernor()
	probe := testutil.NewStubProbe()

	sc := scanner.New([]string{root}, nil, nil, logger)
	detector := agent.NewChangeDetector(m, clock, idgen, logger)
	orch := agent.NewOrchestrator(m, fc, ch, retrier, limiter, gov, clock, idgen, logger)
	svc := agent.NewService(sc, detector, orch, m, probe, clock, logger, 2, time.Minute)

	return &serviceFixture{root: root, manifest: m, cloud: fc, probe: probe, service: svc}
}

func TestService_ScanOnce(t *testing.T) {
	t.Run("rescanning an unchanged tree queues nothing", func(t *testing.T) {
		f := newServiceFixture(t)
		testutil.WriteTree(t, f.root, map[string][]byte{
			"a.txt":     []byte("alpha"),
			"sub/b.txt": []byte("beta"),
		})

		first, err := f.service.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		if first.Seen != 2 || first.New != 2 {
			t.Errorf("first pass = %+v, want 2 seen, 2 new", first)
		}

		second, err := f.service.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("second ScanOnce() error = %v", err)
		}
		if second.New != 0 || second.Modified != 0 || second.Deleted != 0 {
			t.Errorf("second pass = %+v, want no changes", second)
		}
	})

	t.Run("detects modification and deletion", func(t *testing.T) {
		f := newServiceFixture(t)
		testutil.WriteTree(t, f.root, map[string][]byte{
			"keep.txt":   []byte("k"),
			"change.txt": []byte("before"),
			"gone.txt":   []byte("g"),
		})
		if _, err := f.service.ScanOnce(context.Background()); err != nil {
			t.Fatal(err)
		}

		// Grow the file so size alone flags the change, independent of
		// filesystem mtime resolution.
		if err := os.WriteFile(filepath.Join(f.root, "change.txt"), []byte("after, longer"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(filepath.Join(f.root, "gone.txt")); err != nil {
			t.Fatal(err)
		}

		stats, err := f.service.ScanOnce(context.Background())
		if err != nil {
			t.Fatalf("ScanOnce() error = %v", err)
		}
		if stats.Modified != 1 || stats.Deleted != 1 {
			t.Errorf("stats = %+v, want 1 modified, 1 deleted", stats)
		}

		rec, _ := f.manifest.FindFileByPath(filepath.Join(f.root, "gone.txt"))
		if rec.SyncStatus != model.FileDeleted {
			t.Errorf("gone.txt status = %s, want deleted", rec.SyncStatus)
		}
	})
}

func TestService_HashPending(t *testing.T) {
	f := newServiceFixture(t)
	testutil.WriteTree(t, f.root, map[string][]byte{
		"a.txt": []byte("hello world"),
	})
	if _, err := f.service.ScanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	hashed, err := f.service.HashPending(context.Background())
	if err != nil {
		t.Fatalf("HashPending() error = %v", err)
	}
	if hashed != 1 {
		t.Errorf("HashPending() = %d, want 1", hashed)
	}

	rec, _ := f.manifest.FindFileByPath(filepath.Join(f.root, "a.txt"))
	if rec.SyncStatus != model.FileQueued {
		t.Errorf("status = %s, want queued", rec.SyncStatus)
	}
	want := "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"
	if rec.SHA256 != want {
		t.Errorf("SHA256 = %s, want %s", rec.SHA256, want)
	}

	// Nothing left to hash on the second pass.
	if hashed, _ := f.service.HashPending(context.Background()); hashed != 0 {
		t.Errorf("second HashPending() = %d, want 0", hashed)
	}
}

func TestService_HashPending_recoversInterruptedHash(t *testing.T) {
	f := newServiceFixture(t)
	testutil.WriteTree(t, f.root, map[string][]byte{
		"a.txt": []byte("interrupted"),
	})
	if _, err := f.service.ScanOnce(context.Background()); err != nil {
		t.Fatal(err)
	}

	// An earlier run died after marking the file hashing but before
	// recording the digest. The next pass must pick it back up rather
	// than leave it stuck there.
	rec, _ := f.manifest.FindFileByPath(filepath.Join(f.root, "a.txt"))
	if err := f.manifest.SetFileStatus(rec.ID, model.FileHashing); err != nil {
		t.Fatal(err)
	}

	if err := f.service.SyncOnce(context.Background()); err != nil {
		t.Fatalf("SyncOnce() error = %v", err)
	}

	rec, _ = f.manifest.FindFileByPath(filepath.Join(f.root, "a.txt"))
	if rec.SyncStatus != model.FileCompleted {
		t.Errorf("status = %s, want completed after restart", rec.SyncStatus)
	}
	sess, _ := f.manifest.CurrentSession(rec.ID)
	if sess == nil || !f.cloud.Session(sess.UploadID).Completed {
		t.Error("file content was never uploaded after the interrupted run")
	}
}

func TestService_SyncOnce(t *testing.T) {
	t.Run("scans, hashes, and uploads the whole tree", func(t *testing.T) {
		f := newServiceFixture(t)
		testutil.WriteTree(t, f.root, map[string][]byte{
			"a.txt":     []byte("alpha"),
			"sub/b.txt": []byte("beta"),
		})

		if err := f.service.SyncOnce(context.Background()); err != nil {
			t.Fatalf("SyncOnce() error = %v", err)
		}

		counts, _ := f.manifest.StatusCounts()
		if counts[model.FileCompleted] != 2 {
			t.Errorf("completed = %d, want 2 (counts %v)", counts[model.FileCompleted], counts)
		}
		if f.cloud.InitCalls != 2 {
			t.Errorf("InitCalls = %d, want 2", f.cloud.InitCalls)
		}
	})

	t.Run("second sync of identical content deduplicates renamed copies", func(t *testing.T) {
		f := newServiceFixture(t)
		testutil.WriteTree(t, f.root, map[string][]byte{
			"orig.txt": []byte("same bytes"),
		})
		if err := f.service.SyncOnce(context.Background()); err != nil {
			t.Fatal(err)
		}

		// Same content appears under a new name, with an mtime older than
		// the recorded upload (the fixture clock sits at 2025-03-10).
		copyPath := filepath.Join(f.root, "copy.txt")
		testutil.WriteTree(t, f.root, map[string][]byte{"copy.txt": []byte("same bytes")})
		old := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
		if err := os.Chtimes(copyPath, old, old); err != nil {
			t.Fatal(err)
		}

		initBefore := f.cloud.InitCalls
		if err := f.service.SyncOnce(context.Background()); err != nil {
			t.Fatal(err)
		}
		if f.cloud.InitCalls != initBefore {
			t.Errorf("InitCalls grew to %d; identical content should not re-upload", f.cloud.InitCalls)
		}
		rec, _ := f.manifest.FindFileByPath(copyPath)
		if rec.SyncStatus != model.FileCompleted {
			t.Errorf("copy status = %s, want completed", rec.SyncStatus)
		}
	})

	t.Run("a failing file does not block the rest of the pass", func(t *testing.T) {
		f := newServiceFixture(t)
		testutil.WriteTree(t, f.root, map[string][]byte{
			"good.txt": []byte("fine"),
			"bad.txt":  []byte("doomed"),
		})

		// Reject every chunk of bad.txt's uploads at the receiver.
		f.cloud.ChunkErr = func(uploadID string, index int64, attempt int) error {
			sess := f.cloud.Session(uploadID)
			if sess != nil && sess.Filename == "bad.txt" {
				return &cloud.StatusError{Code: 503}
			}
			return nil
		}

		if err := f.service.SyncOnce(context.Background()); err != nil {
			t.Fatalf("SyncOnce() error = %v", err)
		}

		good, _ := f.manifest.FindFileByPath(filepath.Join(f.root, "good.txt"))
		if good.SyncStatus != model.FileCompleted {
			t.Errorf("good.txt status = %s, want completed", good.SyncStatus)
		}
		bad, _ := f.manifest.FindFileByPath(filepath.Join(f.root, "bad.txt"))
		if bad.SyncStatus != model.FileUploading {
			t.Errorf("bad.txt status = %s, want uploading (retry next pass)", bad.SyncStatus)
		}
		if bad.RetryCount != 1 {
			t.Errorf("bad.txt retry count = %d, want 1", bad.RetryCount)
		}
	})

	t.Run("offline probe blocks until cancelled", func(t *testing.T) {
		f := newServiceFixture(t)
		f.probe.SetOnline(false)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := f.service.SyncOnce(ctx); err == nil {
			t.Errorf("SyncOnce() offline with cancelled ctx should fail")
		}
	})
}
