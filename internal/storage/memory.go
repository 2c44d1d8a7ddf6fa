package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// memObject holds the raw data and attributes of an in-memory blob.
type memObject struct {
	Data         []byte
	ETag         string
	ContentType  string
	LastModified time.Time
}

// MemoryOptions configures a MemoryBackend.
type MemoryOptions struct {
	// Bucket names the logical bucket in presigned URLs.
	Bucket string
	// MaxSizeBytes caps total stored bytes. Zero means unlimited.
	MaxSizeBytes int64
	// SnapshotPath, when set, persists blobs to a SQLite file that is
	// loaded at start and rewritten on Close and every SnapshotInterval.
	SnapshotPath     string
	SnapshotInterval time.Duration
}

// MemoryBackend implements Backend using an in-memory map. It is used in
// development and tests. It optionally supports snapshot persistence to a
// SQLite file so that data survives restarts.
type MemoryBackend struct {
	mu          sync.RWMutex
	objects     map[string]memObject
	currentSize int64

	// MultipartWrites counts PutObjectMultipart calls.
	MultipartWrites int
	// SingleWrites counts PutObject calls.
	SingleWrites int

	bucket       string
	maxSizeBytes int64
	snapshotPath string
	now          func() time.Time
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

// NewMemoryBackend creates a new MemoryBackend. If a snapshot path is
// configured, it loads any existing snapshot and starts a background
// goroutine that writes periodic snapshots.
func NewMemoryBackend(opts MemoryOptions) (*MemoryBackend, error) {
	bucket := opts.Bucket
	if bucket == "" {
		bucket = "memory"
	}
	b := &MemoryBackend{
		objects:      make(map[string]memObject),
		bucket:       bucket,
		maxSizeBytes: opts.MaxSizeBytes,
		snapshotPath: opts.SnapshotPath,
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}

	if b.snapshotPath != "" {
		if err := b.loadSnapshot(); err != nil {
			return nil, fmt.Errorf("loading snapshot: %w", err)
		}
		if opts.SnapshotInterval > 0 {
			b.wg.Add(1)
			go b.snapshotLoop(opts.SnapshotInterval)
		}
	}

	return b, nil
}

// computeETag returns the quoted MD5 hex digest of data.
func computeETag(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h[:])
}

// multipartETag returns the S3-style composite ETag: the MD5 of the
// concatenated part digests, suffixed with the part count.
func multipartETag(data []byte, partSize int64) string {
	if partSize <= 0 {
		partSize = int64(len(data))
	}
	var digests []byte
	parts := 0
	for off := int64(0); off < int64(len(data)) || parts == 0; off += partSize {
		end := min(off+partSize, int64(len(data)))
		sum := md5.Sum(data[off:end])
		digests = append(digests, sum[:]...)
		parts++
		if end == int64(len(data)) {
			break
		}
	}
	sum := md5.Sum(digests)
	return fmt.Sprintf(`"%x-%d"`, sum[:], parts)
}

func (b *MemoryBackend) store(key string, data []byte, etag string, opts PutOptions) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Account for size change if replacing an existing object.
	delta := int64(len(data))
	if existing, found := b.objects[key]; found {
		delta -= int64(len(existing.Data))
	}
	if b.maxSizeBytes > 0 && b.currentSize+delta > b.maxSizeBytes {
		return fmt.Errorf("memory limit exceeded: current=%d, delta=%d, max=%d", b.currentSize, delta, b.maxSizeBytes)
	}

	b.objects[key] = memObject{
		Data:         data,
		ETag:         etag,
		ContentType:  opts.ContentType,
		LastModified: b.now().UTC(),
	}
	b.currentSize += delta
	return nil
}

// PutObject reads all data from the reader and stores it in memory.
func (b *MemoryBackend) PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}
	etag := computeETag(data)
	if err := b.store(key, data, etag, opts); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.SingleWrites++
	b.mu.Unlock()
	return etag, nil
}

// PutObjectMultipart stores the data like PutObject but records a
// multipart-style ETag.
func (b *MemoryBackend) PutObjectMultipart(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions, mp MultipartOptions) (string, error) {
	data, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("reading object data: %w", err)
	}
	etag := multipartETag(data, mp.PartSize)
	if err := b.store(key, data, etag, opts); err != nil {
		return "", err
	}

	b.mu.Lock()
	b.MultipartWrites++
	b.mu.Unlock()
	return etag, nil
}

// GetObject returns a ReadCloser over a copy of the stored data.
func (b *MemoryBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, found := b.objects[key]
	if !found {
		return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}

	// Return a copy of the data so callers cannot mutate the stored slice.
	dataCopy := make([]byte, len(obj.Data))
	copy(dataCopy, obj.Data)

	return io.NopCloser(bytes.NewReader(dataCopy)), obj.info(key), nil
}

// HeadObject returns key's attributes.
func (b *MemoryBackend) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	obj, found := b.objects[key]
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
	}
	return obj.info(key), nil
}

func (o memObject) info(key string) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         int64(len(o.Data)),
		ContentType:  o.ContentType,
		ETag:         o.ETag,
		LastModified: o.LastModified,
	}
}

// ObjectExists checks whether an object exists in the in-memory map.
func (b *MemoryBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, found := b.objects[key]
	return found, nil
}

// DeleteObject removes an object from memory. Idempotent: deleting a
// non-existent object is not an error.
func (b *MemoryBackend) DeleteObject(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if obj, found := b.objects[key]; found {
		b.currentSize -= int64(len(obj.Data))
		delete(b.objects, key)
	}
	return nil
}

// ListObjects returns up to maxKeys objects under prefix in key order.
func (b *MemoryBackend) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	keys := make([]string, 0, len(b.objects))
	for k := range b.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	if maxKeys > 0 && len(keys) > maxKeys {
		keys = keys[:maxKeys]
	}

	out := make([]ObjectInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, *b.objects[k].info(k))
	}
	return out, nil
}

// PresignGetObject returns a memory:// URL carrying the method and expiry.
// The URL is not dereferenceable; it exists so that redirect flows can be
// exercised without a cloud store.
func (b *MemoryBackend) PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error) {
	return b.presign(http.MethodGet, key, "", expires), nil
}

// PresignPutObject returns a memory:// URL carrying the method and expiry.
func (b *MemoryBackend) PresignPutObject(ctx context.Context, key string, opts PutOptions, expires time.Duration) (string, error) {
	return b.presign(http.MethodPut, key, opts.ContentType, expires), nil
}

func (b *MemoryBackend) presign(method, key, contentType string, expires time.Duration) string {
	q := url.Values{}
	q.Set("X-Method", method)
	q.Set("X-Expires", fmt.Sprintf("%d", b.now().Add(expires).Unix()))
	if contentType != "" {
		q.Set("X-Content-Type", contentType)
	}
	u := url.URL{Scheme: "memory", Host: b.bucket, Path: "/" + key, RawQuery: q.Encode()}
	return u.String()
}

// HealthCheck always returns nil for the memory backend since there is no
// external dependency to verify.
func (b *MemoryBackend) HealthCheck(ctx context.Context) error {
	return nil
}

// Close stops the snapshot goroutine and writes a final snapshot if
// persistence is enabled.
func (b *MemoryBackend) Close() error {
	close(b.stopCh)
	b.wg.Wait()

	if b.snapshotPath != "" {
		if err := b.writeSnapshot(); err != nil {
			return fmt.Errorf("writing final snapshot: %w", err)
		}
	}
	return nil
}

func (b *MemoryBackend) snapshotLoop(interval time.Duration) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			if err := b.writeSnapshot(); err != nil {
				slog.Error("Memory backend snapshot failed", "path", b.snapshotPath, "error", err)
			}
		}
	}
}

// loadSnapshot restores the in-memory state from a SQLite snapshot file.
// If the file does not exist, this is a no-op (fresh start).
func (b *MemoryBackend) loadSnapshot() error {
	if _, err := os.Stat(b.snapshotPath); os.IsNotExist(err) {
		return nil
	}

	db, err := sql.Open("sqlite", b.snapshotPath)
	if err != nil {
		return fmt.Errorf("opening snapshot database: %w", err)
	}
	defer db.Close()

	var tableCount int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name = 'blob_snapshots'`).Scan(&tableCount)
	if err != nil {
		return fmt.Errorf("checking snapshot tables: %w", err)
	}
	if tableCount == 0 {
		return nil
	}

	rows, err := db.Query("SELECT key, data, etag, content_type, last_modified FROM blob_snapshots")
	if err != nil {
		return fmt.Errorf("querying blob snapshots: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			key, etag, contentType string
			data                   []byte
			lastModified           int64
		)
		if err := rows.Scan(&key, &data, &etag, &contentType, &lastModified); err != nil {
			return fmt.Errorf("scanning blob snapshot row: %w", err)
		}
		b.objects[key] = memObject{
			Data:         data,
			ETag:         etag,
			ContentType:  contentType,
			LastModified: time.Unix(lastModified, 0).UTC(),
		}
		b.currentSize += int64(len(data))
	}
	return rows.Err()
}

// writeSnapshot atomically writes the current state to the snapshot file.
// It writes to a temporary file first, then renames it for crash safety.
func (b *MemoryBackend) writeSnapshot() (err error) {
	b.mu.RLock()
	objectsCopy := make(map[string]memObject, len(b.objects))
	for k, v := range b.objects {
		objectsCopy[k] = v
	}
	b.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(b.snapshotPath), 0o755); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	tmpPath := b.snapshotPath + ".tmp"
	os.Remove(tmpPath)

	db, err := sql.Open("sqlite", tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot database: %w", err)
	}
	defer func() {
		if err != nil {
			db.Close()
			os.Remove(tmpPath)
		}
	}()

	schema := `
		PRAGMA journal_mode = WAL;
		PRAGMA synchronous = FULL;

		CREATE TABLE blob_snapshots (
			key           TEXT PRIMARY KEY,
			data          BLOB NOT NULL,
			etag          TEXT NOT NULL,
			content_type  TEXT NOT NULL DEFAULT '',
			last_modified INTEGER NOT NULL
		);
	`
	if _, err = db.Exec(schema); err != nil {
		return fmt.Errorf("creating snapshot schema: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("beginning snapshot transaction: %w", err)
	}
	stmt, err := tx.Prepare("INSERT INTO blob_snapshots (key, data, etag, content_type, last_modified) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("preparing blob insert: %w", err)
	}
	defer stmt.Close()

	// Sort keys for deterministic output.
	keys := make([]string, 0, len(objectsCopy))
	for k := range objectsCopy {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		obj := objectsCopy[k]
		if _, err = stmt.Exec(k, obj.Data, obj.ETag, obj.ContentType, obj.LastModified.Unix()); err != nil {
			tx.Rollback()
			return fmt.Errorf("inserting blob snapshot for %q: %w", k, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot transaction: %w", err)
	}
	if err = db.Close(); err != nil {
		return fmt.Errorf("closing temp snapshot database: %w", err)
	}

	if err = os.Rename(tmpPath, b.snapshotPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming snapshot file: %w", err)
	}

	// WAL and SHM files from the temp database may linger after rename.
	os.Remove(tmpPath + "-wal")
	os.Remove(tmpPath + "-shm")
	return nil
}

// Ensure MemoryBackend implements Backend at compile time.
var _ Backend = (*MemoryBackend)(nil)
