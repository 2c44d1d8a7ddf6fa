package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/akshaykher243/payload-template/internal/media"
)

const (
	// timeFormat is the ISO 8601 format used for all timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"
)

// recordColumns is the column list shared by every SELECT on media_files.
const recordColumns = `id, filename, title, collection, prefix, declared_mime_type,
	corrected_mime_type, mime_type_corrected, filesize, storage_key, variants,
	created_at, updated_at`

// SQLiteStore implements the RecordStore interface using SQLite as the
// backing database. It provides durable, ACID-compliant record storage
// suitable for single-node deployments.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore with the given DSN and initializes
// the database schema.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for the export/import tooling.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// initDB applies PRAGMAs and creates the required tables and indexes.
// This is safe to call multiple times (idempotent via IF NOT EXISTS).
func (s *SQLiteStore) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS media_files (
			id                  TEXT PRIMARY KEY,
			filename            TEXT NOT NULL,
			title               TEXT NOT NULL DEFAULT '',
			collection          TEXT NOT NULL DEFAULT '',
			prefix              TEXT NOT NULL DEFAULT '',
			declared_mime_type  TEXT NOT NULL DEFAULT '',
			corrected_mime_type TEXT,
			mime_type_corrected INTEGER NOT NULL DEFAULT 0,
			filesize            INTEGER NOT NULL DEFAULT 0,
			storage_key         TEXT NOT NULL,
			variants            TEXT NOT NULL DEFAULT '{}',
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_media_files_filename ON media_files(filename);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}

	return nil
}

// Ping checks that the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// PutRecord creates or replaces the record with f.ID.
func (s *SQLiteStore) PutRecord(ctx context.Context, f *media.LogicalFile) error {
	variants, err := json.Marshal(f.Variants)
	if err != nil {
		return fmt.Errorf("encoding variants for %q: %w", f.ID, err)
	}
	if f.Variants == nil {
		variants = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO media_files (`+recordColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID,
		f.Filename,
		f.Title,
		f.Collection,
		f.Prefix,
		f.DeclaredMimeType,
		nullStringPtr(f.CorrectedMimeType),
		boolToInt(f.MimeTypeCorrected),
		f.Filesize,
		f.OriginalKey(),
		string(variants),
		f.CreatedAt.UTC().Format(timeFormat),
		f.UpdatedAt.UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("putting record %q: %w", f.ID, err)
	}
	return nil
}

// GetRecord returns the record with id, or nil when none exists.
func (s *SQLiteStore) GetRecord(ctx context.Context, id string) (*media.LogicalFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM media_files WHERE id = ?`, id)
	f, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting record %q: %w", id, err)
	}
	return f, nil
}

// FindByFilename returns the most recently updated record whose original or
// variant has filename, or nil.
func (s *SQLiteStore) FindByFilename(ctx context.Context, filename string) (*media.LogicalFile, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM media_files
		 WHERE filename = ?
		    OR EXISTS (SELECT 1 FROM json_each(media_files.variants)
		               WHERE json_extract(json_each.value, '$.filename') = ?)
		 ORDER BY updated_at DESC
		 LIMIT 1`,
		filename, filename,
	)
	f, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding record for %q: %w", filename, err)
	}
	return f, nil
}

// DeleteRecord removes the record with id. Deleting a missing record is not
// an error.
func (s *SQLiteStore) DeleteRecord(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM media_files WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting record %q: %w", id, err)
	}
	return nil
}

// ListRecords returns records in id order.
func (s *SQLiteStore) ListRecords(ctx context.Context, opts ListRecordsOptions) (*ListRecordsResult, error) {
	limit := normalizeLimit(opts.Limit)

	// Fetch one extra row to detect truncation.
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM media_files
		 WHERE id > ?
		 ORDER BY id
		 LIMIT ?`,
		opts.After, limit+1,
	)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}
	defer rows.Close()

	result := &ListRecordsResult{}
	for rows.Next() {
		f, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		result.Records = append(result.Records, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating record rows: %w", err)
	}

	if len(result.Records) > limit {
		result.Records = result.Records[:limit]
		result.IsTruncated = true
		result.NextAfter = result.Records[limit-1].ID
	}
	return result, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*media.LogicalFile, error) {
	var (
		f                    media.LogicalFile
		corrected            sql.NullString
		correctedFlag        int
		variants             string
		createdAt, updatedAt string
	)
	err := row.Scan(
		&f.ID, &f.Filename, &f.Title, &f.Collection, &f.Prefix, &f.DeclaredMimeType,
		&corrected, &correctedFlag, &f.Filesize, &f.StorageKey, &variants,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	if corrected.Valid {
		f.CorrectedMimeType = &corrected.String
	}
	f.MimeTypeCorrected = correctedFlag != 0
	if err := json.Unmarshal([]byte(variants), &f.Variants); err != nil {
		return nil, fmt.Errorf("decoding variants for %q: %w", f.ID, err)
	}
	if f.Variants == nil {
		f.Variants = map[string]*media.VariantRecord{}
	}
	f.CreatedAt, _ = time.Parse(timeFormat, createdAt)
	f.UpdatedAt, _ = time.Parse(timeFormat, updatedAt)
	return &f, nil
}

// nullStringPtr converts an optional string to sql.NullString.
func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
