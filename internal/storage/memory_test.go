package storage

import (
	"context"
	"io"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestMemoryBackend(t *testing.T, opts MemoryOptions) *MemoryBackend {
	t.Helper()
	b, err := NewMemoryBackend(opts)
	if err != nil {
		t.Fatalf("NewMemoryBackend: %v", err)
	}
	return b
}

func TestMemoryPutGetDelete(t *testing.T) {
	b := newTestMemoryBackend(t, MemoryOptions{})
	ctx := context.Background()

	etag, err := b.PutObject(ctx, "media/a.txt", strings.NewReader("hello"), 5, PutOptions{ContentType: "text/plain"})
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if etag != computeETag([]byte("hello")) {
		t.Errorf("ETag = %q", etag)
	}

	body, info, err := b.GetObject(ctx, "media/a.txt")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	data, _ := io.ReadAll(body)
	body.Close()
	if string(data) != "hello" || info.ContentType != "text/plain" || info.Size != 5 {
		t.Errorf("got %q %+v", data, info)
	}

	if err := b.DeleteObject(ctx, "media/a.txt"); err != nil {
		t.Fatalf("DeleteObject failed: %v", err)
	}
	if err := b.DeleteObject(ctx, "media/a.txt"); err != nil {
		t.Fatalf("second DeleteObject failed: %v", err)
	}
	if _, _, err := b.GetObject(ctx, "media/a.txt"); !IsNotFound(err) {
		t.Errorf("expected not-found after delete, got %v", err)
	}
}

func TestMemoryMultipartETagAndCounters(t *testing.T) {
	b := newTestMemoryBackend(t, MemoryOptions{})
	ctx := context.Background()

	data := strings.Repeat("x", 10)
	etag, err := b.PutObjectMultipart(ctx, "big", strings.NewReader(data), 10, PutOptions{}, MultipartOptions{PartSize: 4})
	if err != nil {
		t.Fatalf("PutObjectMultipart failed: %v", err)
	}
	if !strings.HasSuffix(etag, `-3"`) {
		t.Errorf("ETag = %q, want 3-part suffix", etag)
	}
	if b.MultipartWrites != 1 || b.SingleWrites != 0 {
		t.Errorf("counters = %d/%d", b.MultipartWrites, b.SingleWrites)
	}
}

func TestMemoryMaxSize(t *testing.T) {
	b := newTestMemoryBackend(t, MemoryOptions{MaxSizeBytes: 8})
	ctx := context.Background()

	if _, err := b.PutObject(ctx, "a", strings.NewReader("12345"), 5, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.PutObject(ctx, "b", strings.NewReader("12345"), 5, PutOptions{}); err == nil {
		t.Fatal("expected memory limit error")
	}
	// Replacing an object only counts the delta.
	if _, err := b.PutObject(ctx, "a", strings.NewReader("12345678"), 8, PutOptions{}); err != nil {
		t.Fatalf("replace within limit failed: %v", err)
	}
}

func TestMemoryListObjects(t *testing.T) {
	b := newTestMemoryBackend(t, MemoryOptions{})
	ctx := context.Background()
	for _, k := range []string{"media/c", "media/a", "media/b", "uploads/x"} {
		if _, err := b.PutObject(ctx, k, strings.NewReader(k), int64(len(k)), PutOptions{}); err != nil {
			t.Fatal(err)
		}
	}

	got, err := b.ListObjects(ctx, "media/", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Key != "media/a" || got[1].Key != "media/b" {
		t.Errorf("got %+v", got)
	}
}

func TestMemoryPresign(t *testing.T) {
	b := newTestMemoryBackend(t, MemoryOptions{Bucket: "media"})
	fixed := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return fixed }

	raw, err := b.PresignPutObject(context.Background(), "media/photo.png", PutOptions{ContentType: "image/png"}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	if u.Scheme != "memory" || u.Host != "media" || u.Path != "/media/photo.png" {
		t.Errorf("URL = %q", raw)
	}
	q := u.Query()
	if q.Get("X-Method") != "PUT" || q.Get("X-Content-Type") != "image/png" || q.Get("X-Expires") != "1700003600" {
		t.Errorf("query = %v", q)
	}
}

func TestMemorySnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap", "blobs.db")
	ctx := context.Background()

	b := newTestMemoryBackend(t, MemoryOptions{SnapshotPath: path})
	if _, err := b.PutObject(ctx, "media/photo.png", strings.NewReader("png"), 3, PutOptions{ContentType: "image/png"}); err != nil {
		t.Fatal(err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	restored := newTestMemoryBackend(t, MemoryOptions{SnapshotPath: path})
	defer restored.Close()
	info, err := restored.HeadObject(ctx, "media/photo.png")
	if err != nil {
		t.Fatalf("HeadObject after restore: %v", err)
	}
	if info.ContentType != "image/png" || info.Size != 3 || info.ETag != computeETag([]byte("png")) {
		t.Errorf("restored info = %+v", info)
	}
}
