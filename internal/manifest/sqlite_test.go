package manifest_test

import (
	"testing"
	"time"

	"uplink/internal/model"
	"uplink/internal/testutil"
)

func newFileRecord(id, path string) *model.FileRecord {
	now := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
	return &model.FileRecord{
		ID:         id,
		Path:       path,
		SizeBytes:  1024,
		ModTime:    now,
		SyncStatus: model.FileDiscovered,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestSQLiteManifest_Files(t *testing.T) {
	t.Run("create and find by path", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		rec := newFileRecord("f1", "/share/doc.pdf")
		if err := m.CreateFile(rec); err != nil {
			t.Fatalf("CreateFile() error = %v", err)
		}

		got, err := m.FindFileByPath("/share/doc.pdf")
		if err != nil {
			t.Fatalf("FindFileByPath() error = %v", err)
		}
		if got == nil {
			t.Fatalf("FindFileByPath() = nil, want record")
		}
		if got.ID != "f1" || got.SizeBytes != 1024 || got.SyncStatus != model.FileDiscovered {
			t.Errorf("round-tripped record mismatch: %+v", got)
		}
	})

	t.Run("missing path returns nil, nil", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		got, err := m.FindFileByPath("/nope")
		if err != nil {
			t.Fatalf("FindFileByPath() error = %v", err)
		}
		if got != nil {
			t.Errorf("FindFileByPath() = %+v, want nil", got)
		}
	})

	t.Run("duplicate path rejected", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/share/a")); err != nil {
			t.Fatal(err)
		}
		if err := m.CreateFile(newFileRecord("f2", "/share/a")); err == nil {
			t.Errorf("CreateFile() with duplicate path should fail")
		}
	})

	t.Run("status and hash transitions", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/share/a")); err != nil {
			t.Fatal(err)
		}

		if err := m.SetFileStatus("f1", model.FileHashing); err != nil {
			t.Fatalf("SetFileStatus() error = %v", err)
		}
		if err := m.SetFileHash("f1", "abc123"); err != nil {
			t.Fatalf("SetFileHash() error = %v", err)
		}

		got, _ := m.FindFileByPath("/share/a")
		if got.SHA256 != "abc123" {
			t.Errorf("SHA256 = %s, want abc123", got.SHA256)
		}
		// Recording the hash queues the file.
		if got.SyncStatus != model.FileQueued {
			t.Errorf("SyncStatus = %s, want queued", got.SyncStatus)
		}
	})

	t.Run("update scan resets hash and requeues for discovery", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/share/a")); err != nil {
			t.Fatal(err)
		}
		if err := m.SetFileHash("f1", "abc123"); err != nil {
			t.Fatal(err)
		}

		newMod := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
		if err := m.UpdateFileScan("f1", 2048, newMod); err != nil {
			t.Fatalf("UpdateFileScan() error = %v", err)
		}

		got, _ := m.FindFileByPath("/share/a")
		if got.SizeBytes != 2048 {
			t.Errorf("SizeBytes = %d, want 2048", got.SizeBytes)
		}
		if got.SHA256 != "" {
			t.Errorf("SHA256 = %s, want cleared", got.SHA256)
		}
		if got.SyncStatus != model.FileDiscovered {
			t.Errorf("SyncStatus = %s, want discovered", got.SyncStatus)
		}
	})

	t.Run("counters increment and return new value", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/share/a")); err != nil {
			t.Fatal(err)
		}

		for want := int64(1); want <= 3; want++ {
			got, err := m.IncrementCorruptionRetries("f1")
			if err != nil {
				t.Fatalf("IncrementCorruptionRetries() error = %v", err)
			}
			if got != want {
				t.Errorf("IncrementCorruptionRetries() = %d, want %d", got, want)
			}
		}
		if got, _ := m.IncrementFileRetry("f1"); got != 1 {
			t.Errorf("IncrementFileRetry() = %d, want 1", got)
		}
	})

	t.Run("queries by status and activity", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		for _, f := range []struct {
			id, path string
			status   model.SyncStatus
		}{
			{"f1", "/a", model.FileDiscovered},
			{"f2", "/b", model.FileQueued},
			{"f3", "/c", model.FileQueued},
			{"f4", "/d", model.FileDeleted},
		} {
			rec := newFileRecord(f.id, f.path)
			rec.SyncStatus = f.status
			if err := m.CreateFile(rec); err != nil {
				t.Fatal(err)
			}
		}

		queued, err := m.FilesByStatus(model.FileQueued)
		if err != nil {
			t.Fatalf("FilesByStatus() error = %v", err)
		}
		if len(queued) != 2 {
			t.Errorf("queued = %d files, want 2", len(queued))
		}

		active, err := m.ActiveFiles()
		if err != nil {
			t.Fatalf("ActiveFiles() error = %v", err)
		}
		if len(active) != 3 {
			t.Errorf("active = %d files, want 3 (deleted excluded)", len(active))
		}

		counts, err := m.StatusCounts()
		if err != nil {
			t.Fatalf("StatusCounts() error = %v", err)
		}
		if counts[model.FileQueued] != 2 || counts[model.FileDeleted] != 1 {
			t.Errorf("StatusCounts() = %v", counts)
		}
	})
}

func TestSQLiteManifest_Chunks(t *testing.T) {
	chunk := func(fileID string, index int64, status model.UploadStatus) *model.ChunkRecord {
		return &model.ChunkRecord{
			FileID:       fileID,
			Index:        index,
			SHA256:       "hash",
			SizeBytes:    100,
			RawSizeBytes: 200,
			Compressed:   true,
			UploadStatus: status,
		}
	}

	t.Run("upsert round trip ordered by index", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/a")); err != nil {
			t.Fatal(err)
		}
		// Insert out of order; reads come back sorted.
		for _, i := range []int64{2, 0, 1} {
			if err := m.UpsertChunk(chunk("f1", i, model.ChunkPending)); err != nil {
				t.Fatalf("UpsertChunk() error = %v", err)
			}
		}

		got, err := m.ChunksForFile("f1")
		if err != nil {
			t.Fatalf("ChunksForFile() error = %v", err)
		}
		if len(got) != 3 {
			t.Fatalf("got %d chunks, want 3", len(got))
		}
		for i, c := range got {
			if c.Index != int64(i) {
				t.Errorf("chunk %d index = %d", i, c.Index)
			}
			if !c.Compressed || c.RawSizeBytes != 200 {
				t.Errorf("chunk %d lost fields: %+v", i, c)
			}
		}
	})

	t.Run("upsert replaces existing index", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/a")); err != nil {
			t.Fatal(err)
		}
		if err := m.UpsertChunk(chunk("f1", 0, model.ChunkCompleted)); err != nil {
			t.Fatal(err)
		}
		fresh := chunk("f1", 0, model.ChunkPending)
		fresh.SHA256 = "newhash"
		if err := m.UpsertChunk(fresh); err != nil {
			t.Fatal(err)
		}

		got, _ := m.ChunksForFile("f1")
		if len(got) != 1 {
			t.Fatalf("got %d chunks, want 1", len(got))
		}
		if got[0].SHA256 != "newhash" || got[0].UploadStatus != model.ChunkPending {
			t.Errorf("upsert did not replace: %+v", got[0])
		}
	})

	t.Run("status updates and attempt counts survive reload", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/a")); err != nil {
			t.Fatal(err)
		}
		if err := m.UpsertChunk(chunk("f1", 0, model.ChunkPending)); err != nil {
			t.Fatal(err)
		}

		if err := m.SetChunkStatus("f1", 0, model.ChunkFailed, "connection reset"); err != nil {
			t.Fatalf("SetChunkStatus() error = %v", err)
		}
		if err := m.IncrementChunkAttempt("f1", 0); err != nil {
			t.Fatalf("IncrementChunkAttempt() error = %v", err)
		}

		got, _ := m.ChunksForFile("f1")
		if got[0].UploadStatus != model.ChunkFailed {
			t.Errorf("status = %s, want failed", got[0].UploadStatus)
		}
		if got[0].LastError != "connection reset" {
			t.Errorf("last error = %q", got[0].LastError)
		}
		if got[0].AttemptCount != 1 {
			t.Errorf("attempts = %d, want 1", got[0].AttemptCount)
		}
	})

	t.Run("delete clears all chunks for the file", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/a")); err != nil {
			t.Fatal(err)
		}
		for i := int64(0); i < 3; i++ {
			if err := m.UpsertChunk(chunk("f1", i, model.ChunkCompleted)); err != nil {
				t.Fatal(err)
			}
		}
		if err := m.DeleteChunksForFile("f1"); err != nil {
			t.Fatalf("DeleteChunksForFile() error = %v", err)
		}
		got, _ := m.ChunksForFile("f1")
		if len(got) != 0 {
			t.Errorf("got %d chunks after delete, want 0", len(got))
		}
	})

	t.Run("delete from index drops only the tail", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/a")); err != nil {
			t.Fatal(err)
		}
		for i := int64(0); i < 5; i++ {
			if err := m.UpsertChunk(chunk("f1", i, model.ChunkCompleted)); err != nil {
				t.Fatal(err)
			}
		}
		if err := m.DeleteChunksFrom("f1", 2); err != nil {
			t.Fatalf("DeleteChunksFrom() error = %v", err)
		}
		got, _ := m.ChunksForFile("f1")
		if len(got) != 2 {
			t.Fatalf("got %d chunks, want 2", len(got))
		}
		if got[0].Index != 0 || got[1].Index != 1 {
			t.Errorf("surviving indices = %d, %d, want 0, 1", got[0].Index, got[1].Index)
		}
	})
}

func TestSQLiteManifest_Sessions(t *testing.T) {
	newSession := func(id, fileID string, started time.Time) *model.SyncSession {
		return &model.SyncSession{
			ID:             id,
			FileID:         fileID,
			UploadID:       "upload-" + id,
			ExpectedChunks: 4,
			StartedAt:      started,
		}
	}

	t.Run("current session is the most recent non-abandoned", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/a")); err != nil {
			t.Fatal(err)
		}

		base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		if err := m.CreateSession(newSession("s1", "f1", base)); err != nil {
			t.Fatalf("CreateSession() error = %v", err)
		}
		if err := m.CreateSession(newSession("s2", "f1", base.Add(time.Hour))); err != nil {
			t.Fatal(err)
		}

		got, err := m.CurrentSession("f1")
		if err != nil {
			t.Fatalf("CurrentSession() error = %v", err)
		}
		if got.ID != "s2" {
			t.Errorf("CurrentSession() = %s, want s2", got.ID)
		}

		if err := m.AbandonSession("s2"); err != nil {
			t.Fatalf("AbandonSession() error = %v", err)
		}
		got, _ = m.CurrentSession("f1")
		if got.ID != "s1" {
			t.Errorf("CurrentSession() after abandon = %s, want s1", got.ID)
		}
	})

	t.Run("no session returns nil, nil", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		got, err := m.CurrentSession("missing")
		if err != nil {
			t.Fatalf("CurrentSession() error = %v", err)
		}
		if got != nil {
			t.Errorf("CurrentSession() = %+v, want nil", got)
		}
	})

	t.Run("completion timestamp round trips", func(t *testing.T) {
		m := testutil.NewTestManifest(t)
		if err := m.CreateFile(newFileRecord("f1", "/a")); err != nil {
			t.Fatal(err)
		}
		base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		if err := m.CreateSession(newSession("s1", "f1", base)); err != nil {
			t.Fatal(err)
		}

		got, _ := m.CurrentSession("f1")
		if got.CompletedAt != nil {
			t.Fatalf("new session already completed")
		}

		done := base.Add(30 * time.Minute)
		if err := m.CompleteSession("s1", done); err != nil {
			t.Fatalf("CompleteSession() error = %v", err)
		}
		got, _ = m.CurrentSession("f1")
		if got.CompletedAt == nil || !got.CompletedAt.Equal(done) {
			t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, done)
		}
	})

	t.Run("latest upload time follows content hash across files", func(t *testing.T) {
		m := testutil.NewTestManifest(t)

		recA := newFileRecord("f1", "/a")
		recA.SHA256 = "samehash"
		recB := newFileRecord("f2", "/b")
		recB.SHA256 = "samehash"
		for _, rec := range []*model.FileRecord{recA, recB} {
			if err := m.CreateFile(rec); err != nil {
				t.Fatal(err)
			}
		}

		base := time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)
		if err := m.CreateSession(newSession("s1", "f1", base)); err != nil {
			t.Fatal(err)
		}
		if err := m.CreateSession(newSession("s2", "f2", base.Add(time.Hour))); err != nil {
			t.Fatal(err)
		}
		if err := m.CompleteSession("s1", base.Add(10*time.Minute)); err != nil {
			t.Fatal(err)
		}
		if err := m.CompleteSession("s2", base.Add(2*time.Hour)); err != nil {
			t.Fatal(err)
		}

		got, err := m.LatestUploadTime("samehash")
		if err != nil {
			t.Fatalf("LatestUploadTime() error = %v", err)
		}
		if !got.Equal(base.Add(2 * time.Hour)) {
			t.Errorf("LatestUploadTime() = %v, want the later completion", got)
		}

		// Abandoned and incomplete sessions never count.
		zero, err := m.LatestUploadTime("otherhash")
		if err != nil {
			t.Fatalf("LatestUploadTime() error = %v", err)
		}
		if !zero.IsZero() {
			t.Errorf("LatestUploadTime() for unknown hash = %v, want zero", zero)
		}
	})
}
