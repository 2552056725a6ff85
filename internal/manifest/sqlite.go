package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"uplink/internal/agent"
	"uplink/internal/manifest/migrations"
	"uplink/internal/model"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteManifest implements the agent.Manifest interface using SQLite.
// Writes all go through single-statement transactions (or BEGIN..COMMIT for
// multi-step operations) so a crash never leaves a record half-updated —
// that durability is what makes resume safe.
type SQLiteManifest struct {
	db   *sql.DB
	path string
}

// NewSQLiteManifest creates a new SQLite manifest connection.
// path can be a file path or ":memory:" for an in-memory manifest.
func NewSQLiteManifest(path string) (*SQLiteManifest, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}

	return &SQLiteManifest{db: db, path: path}, nil
}

// NewSQLiteManifestFromDB wraps an existing database connection.
// The caller is responsible for ensuring the connection is properly configured.
func NewSQLiteManifestFromDB(db *sql.DB) *SQLiteManifest {
	return &SQLiteManifest{db: db, path: ""}
}

// OpenConnection opens and configures a SQLite connection with appropriate PRAGMAs.
// Exported for tools and tests that need a properly configured connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}

	// Foreign keys are OFF by default in SQLite for backward compatibility.
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	return db, nil
}

// File operations

const fileColumns = `id, path, size_bytes, mtime, sha256, sync_status,
	upload_session_id, retry_count, corruption_retries, created_at, updated_at`

func scanFile(row interface{ Scan(...any) error }) (*model.FileRecord, error) {
	var rec model.FileRecord
	var status string
	err := row.Scan(&rec.ID, &rec.Path, &rec.SizeBytes, &rec.ModTime, &rec.SHA256,
		&status, &rec.UploadSessionID, &rec.RetryCount, &rec.CorruptionRetries,
		&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.SyncStatus = model.SyncStatus(status)
	return &rec, nil
}

func (s *SQLiteManifest) FindFileByPath(path string) (*model.FileRecord, error) {
	row := s.db.QueryRow(`SELECT `+fileColumns+` FROM files WHERE path = ?`, path)
	rec, err := scanFile(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding file by path: %w", err)
	}
	return rec, nil
}

func (s *SQLiteManifest) CreateFile(rec *model.FileRecord) error {
	_, err := s.db.Exec(`INSERT INTO files (`+fileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Path, rec.SizeBytes, rec.ModTime, rec.SHA256,
		string(rec.SyncStatus), rec.UploadSessionID, rec.RetryCount,
		rec.CorruptionRetries, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("creating file: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) UpdateFileScan(id string, sizeBytes int64, modTime time.Time) error {
	_, err := s.db.Exec(`UPDATE files
		SET size_bytes = ?, mtime = ?, sha256 = '', sync_status = ?,
		    upload_session_id = '', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		sizeBytes, modTime, string(model.FileDiscovered), id)
	if err != nil {
		return fmt.Errorf("updating file scan state: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) SetFileStatus(id string, status model.SyncStatus) error {
	_, err := s.db.Exec(`UPDATE files SET sync_status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		string(status), id)
	if err != nil {
		return fmt.Errorf("setting file status: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) SetFileHash(id string, sha256 string) error {
	_, err := s.db.Exec(`UPDATE files
		SET sha256 = ?, sync_status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`,
		sha256, string(model.FileQueued), id)
	if err != nil {
		return fmt.Errorf("setting file hash: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) SetFileSession(id string, sessionID string) error {
	_, err := s.db.Exec(`UPDATE files SET upload_session_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sessionID, id)
	if err != nil {
		return fmt.Errorf("setting file session: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) IncrementFileRetry(id string) (int64, error) {
	return s.incrementCounter(id, "retry_count")
}

func (s *SQLiteManifest) IncrementCorruptionRetries(id string) (int64, error) {
	return s.incrementCounter(id, "corruption_retries")
}

func (s *SQLiteManifest) incrementCounter(id string, column string) (int64, error) {
	// column is one of two compile-time constants, never user input.
	var value int64
	err := s.db.QueryRow(`UPDATE files
		SET `+column+` = `+column+` + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? RETURNING `+column, id).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("incrementing %s: %w", column, err)
	}
	return value, nil
}

func (s *SQLiteManifest) FilesByStatus(status model.SyncStatus) ([]*model.FileRecord, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM files WHERE sync_status = ? ORDER BY path`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("finding files by status: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

func (s *SQLiteManifest) ActiveFiles() ([]*model.FileRecord, error) {
	rows, err := s.db.Query(`SELECT `+fileColumns+` FROM files WHERE sync_status != ? ORDER BY path`,
		string(model.FileDeleted))
	if err != nil {
		return nil, fmt.Errorf("finding active files: %w", err)
	}
	defer rows.Close()
	return collectFiles(rows)
}

func collectFiles(rows *sql.Rows) ([]*model.FileRecord, error) {
	var result []*model.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning file row: %w", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating file rows: %w", err)
	}
	return result, nil
}

func (s *SQLiteManifest) StatusCounts() (map[model.SyncStatus]int64, error) {
	rows, err := s.db.Query(`SELECT sync_status, COUNT(*) FROM files GROUP BY sync_status`)
	if err != nil {
		return nil, fmt.Errorf("counting files by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[model.SyncStatus]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning status count: %w", err)
		}
		counts[model.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating status counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteManifest) LatestUploadTime(sha256 string) (time.Time, error) {
	var completedAt sql.NullTime
	err := s.db.QueryRow(`SELECT MAX(ss.completed_at)
		FROM sync_sessions ss
		JOIN files f ON f.id = ss.file_id
		WHERE f.sha256 = ? AND ss.completed_at IS NOT NULL AND ss.abandoned = 0`,
		sha256).Scan(&completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, nil
		}
		return time.Time{}, fmt.Errorf("finding latest upload time: %w", err)
	}
	if !completedAt.Valid {
		return time.Time{}, nil
	}
	return completedAt.Time, nil
}

// Chunk operations

func (s *SQLiteManifest) UpsertChunk(c *model.ChunkRecord) error {
	_, err := s.db.Exec(`INSERT INTO chunks
		(file_id, idx, sha256, size_bytes, raw_size_bytes, compressed, upload_status, attempt_count, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (file_id, idx) DO UPDATE SET
			sha256 = excluded.sha256,
			size_bytes = excluded.size_bytes,
			raw_size_bytes = excluded.raw_size_bytes,
			compressed = excluded.compressed,
			upload_status = excluded.upload_status,
			attempt_count = excluded.attempt_count,
			last_error = excluded.last_error`,
		c.FileID, c.Index, c.SHA256, c.SizeBytes, c.RawSizeBytes, c.Compressed,
		string(c.UploadStatus), c.AttemptCount, c.LastError)
	if err != nil {
		return fmt.Errorf("upserting chunk: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) ChunksForFile(fileID string) ([]*model.ChunkRecord, error) {
	rows, err := s.db.Query(`SELECT file_id, idx, sha256, size_bytes, raw_size_bytes,
		compressed, upload_status, attempt_count, last_error
		FROM chunks WHERE file_id = ? ORDER BY idx`, fileID)
	if err != nil {
		return nil, fmt.Errorf("finding chunks for file: %w", err)
	}
	defer rows.Close()

	var result []*model.ChunkRecord
	for rows.Next() {
		var c model.ChunkRecord
		var status string
		err := rows.Scan(&c.FileID, &c.Index, &c.SHA256, &c.SizeBytes,
			&c.RawSizeBytes, &c.Compressed, &status, &c.AttemptCount, &c.LastError)
		if err != nil {
			return nil, fmt.Errorf("scanning chunk row: %w", err)
		}
		c.UploadStatus = model.UploadStatus(status)
		result = append(result, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating chunk rows: %w", err)
	}
	return result, nil
}

func (s *SQLiteManifest) SetChunkStatus(fileID string, index int64, status model.UploadStatus, lastError string) error {
	_, err := s.db.Exec(`UPDATE chunks SET upload_status = ?, last_error = ?
		WHERE file_id = ? AND idx = ?`,
		string(status), lastError, fileID, index)
	if err != nil {
		return fmt.Errorf("setting chunk status: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) IncrementChunkAttempt(fileID string, index int64) error {
	_, err := s.db.Exec(`UPDATE chunks SET attempt_count = attempt_count + 1
		WHERE file_id = ? AND idx = ?`, fileID, index)
	if err != nil {
		return fmt.Errorf("incrementing chunk attempt: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) DeleteChunksForFile(fileID string) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("deleting chunks for file: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) DeleteChunksFrom(fileID string, fromIndex int64) error {
	_, err := s.db.Exec(`DELETE FROM chunks WHERE file_id = ? AND idx >= ?`, fileID, fromIndex)
	if err != nil {
		return fmt.Errorf("deleting out-of-range chunks: %w", err)
	}
	return nil
}

// Session operations

func (s *SQLiteManifest) CreateSession(sess *model.SyncSession) error {
	_, err := s.db.Exec(`INSERT INTO sync_sessions
		(id, file_id, upload_id, expected_chunks, started_at, completed_at, abandoned)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.FileID, sess.UploadID, sess.ExpectedChunks,
		sess.StartedAt, sess.CompletedAt, sess.Abandoned)
	if err != nil {
		return fmt.Errorf("creating session: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) CurrentSession(fileID string) (*model.SyncSession, error) {
	row := s.db.QueryRow(`SELECT id, file_id, upload_id, expected_chunks, started_at, completed_at, abandoned
		FROM sync_sessions
		WHERE file_id = ? AND abandoned = 0
		ORDER BY started_at DESC LIMIT 1`, fileID)

	var sess model.SyncSession
	var completedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.FileID, &sess.UploadID, &sess.ExpectedChunks,
		&sess.StartedAt, &completedAt, &sess.Abandoned)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Not found
		}
		return nil, fmt.Errorf("finding current session: %w", err)
	}
	if completedAt.Valid {
		sess.CompletedAt = &completedAt.Time
	}
	return &sess, nil
}

func (s *SQLiteManifest) CompleteSession(id string, at time.Time) error {
	_, err := s.db.Exec(`UPDATE sync_sessions SET completed_at = ? WHERE id = ?`, at, id)
	if err != nil {
		return fmt.Errorf("completing session: %w", err)
	}
	return nil
}

func (s *SQLiteManifest) AbandonSession(id string) error {
	_, err := s.db.Exec(`UPDATE sync_sessions SET abandoned = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("abandoning session: %w", err)
	}
	return nil
}

// Path returns the manifest file path (or ":memory:" for in-memory manifests).
func (s *SQLiteManifest) Path() string {
	return s.path
}

// CheckMigrations verifies the manifest schema is up-to-date.
func (s *SQLiteManifest) CheckMigrations() error {
	return migrations.CheckStatus(s.db)
}

// Migrate brings the manifest schema to the latest version.
func (s *SQLiteManifest) Migrate() error {
	return migrations.Up(s.db)
}

// Close closes the manifest connection.
func (s *SQLiteManifest) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Compile-time check that SQLiteManifest implements agent.Manifest
var _ agent.Manifest = (*SQLiteManifest)(nil)
