package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/akshaykher243/payload-template/internal/keys"
	"github.com/akshaykher243/payload-template/internal/media"
	"github.com/akshaykher243/payload-template/internal/metadata"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/response"
	"github.com/akshaykher243/payload-template/internal/retrieval"
	"github.com/akshaykher243/payload-template/internal/storage"
)

func init() {
	metrics.Register()
}

func pngFixture(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: uint8(x), G: uint8(y), B: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func newMemoryStore(t *testing.T) *storage.MemoryBackend {
	t.Helper()
	mem, err := storage.NewMemoryBackend(storage.MemoryOptions{Bucket: "media"})
	if err != nil {
		t.Fatalf("NewMemoryBackend failed: %v", err)
	}
	return mem
}

func putBlob(t *testing.T, store storage.Backend, key, contentType string, data []byte) {
	t.Helper()
	_, err := store.PutObject(context.Background(), key, bytes.NewReader(data), int64(len(data)), storage.PutOptions{ContentType: contentType})
	if err != nil {
		t.Fatalf("PutObject(%s) failed: %v", key, err)
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) response.ErrorDetail {
	t.Helper()
	var body response.ErrorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("error body is not JSON: %v (%q)", err, rec.Body.String())
	}
	return body.Error
}

// newMediaRouter mounts a MediaHandler the way the server does.
func newMediaRouter(store storage.Backend, records metadata.RecordStore, bucket string, opts retrieval.Options) http.Handler {
	svc := retrieval.NewService(store, keys.NewResolver(store), opts)
	h := NewMediaHandler(svc, records, bucket)
	r := chi.NewRouter()
	r.Get("/media/file/{filename}", h.GetFile)
	r.Head("/media/file/{filename}", h.GetFile)
	r.Get("/media/size/{size}/{filename}", h.GetSize)
	return r
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetFile(t *testing.T) {
	store := newMemoryStore(t)
	putBlob(t, store, "media/photo.png", "image/png", []byte("png-bytes"))
	h := newMediaRouter(store, nil, "media", retrieval.Options{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/media/file/photo.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "png-bytes" {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := rec.Header().Get("Cache-Control"); got != retrieval.CacheControl {
		t.Errorf("Cache-Control = %q", got)
	}
}

// bodylessStore fails any attempt to fetch a blob body.
type bodylessStore struct {
	storage.Backend
}

func (s bodylessStore) GetObject(ctx context.Context, key string) (io.ReadCloser, *storage.ObjectInfo, error) {
	return nil, nil, errors.New("body fetched")
}

func TestHeadFileUsesObjectAttributes(t *testing.T) {
	store := newMemoryStore(t)
	putBlob(t, store, "media/photo.png", "image/png", []byte("png-bytes"))
	h := newMediaRouter(bodylessStore{store}, nil, "media", retrieval.Options{})

	rec := serve(h, httptest.NewRequest(http.MethodHead, "/media/file/photo.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Errorf("HEAD wrote %d body bytes", rec.Body.Len())
	}
	if got := rec.Header().Get("Content-Length"); got != "9" {
		t.Errorf("Content-Length = %q, want 9", got)
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q", got)
	}
}

func TestGetSizeEndToEnd(t *testing.T) {
	store := newMemoryStore(t)
	thumb := pngFixture(t, 40, 30)
	// Stored with a placeholder type, as some clients upload it.
	putBlob(t, store, "photo-thumbnail.png", "text/plain", thumb)
	h := newMediaRouter(store, nil, "media", retrieval.Options{})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/media/size/thumbnail/photo.png", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != "image/png" {
		t.Errorf("Content-Type = %q, want image/png", got)
	}
	if !bytes.Equal(rec.Body.Bytes(), thumb) {
		t.Error("body does not match stored thumbnail")
	}
}

func TestGetFileConditional(t *testing.T) {
	store := newMemoryStore(t)
	putBlob(t, store, "media/photo.png", "image/png", []byte("png-bytes"))
	h := newMediaRouter(store, nil, "media", retrieval.Options{})

	first := serve(h, httptest.NewRequest(http.MethodGet, "/media/file/photo.png", nil))
	etag := first.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag on first response")
	}

	for _, header := range []string{"If-None-Match", "ETag"} {
		req := httptest.NewRequest(http.MethodGet, "/media/file/photo.png", nil)
		req.Header.Set(header, etag)
		rec := serve(h, req)
		if rec.Code != http.StatusNotModified {
			t.Errorf("%s: status = %d, want 304", header, rec.Code)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("%s: 304 carried a body", header)
		}
		if rec.Header().Get("ETag") != etag {
			t.Errorf("%s: ETag = %q", header, rec.Header().Get("ETag"))
		}
	}
}

func TestGetFileNotFound(t *testing.T) {
	h := newMediaRouter(newMemoryStore(t), nil, "media", retrieval.Options{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/media/file/missing.png", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if e := decodeError(t, rec); e.Code != "NoSuchFile" {
		t.Errorf("code = %q", e.Code)
	}
}

func TestGetFileWithoutBucket(t *testing.T) {
	h := newMediaRouter(newMemoryStore(t), nil, "", retrieval.Options{})
	rec := serve(h, httptest.NewRequest(http.MethodGet, "/media/file/photo.png", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestGetFileCollectionRedirect(t *testing.T) {
	store := newMemoryStore(t)
	putBlob(t, store, "media/report.pdf", "application/pdf", []byte("%PDF"))
	putBlob(t, store, "media/photo.png", "image/png", []byte("png"))
	records := metadata.NewMemoryStore()
	err := records.PutRecord(context.Background(), &media.LogicalFile{
		ID:         "rec-1",
		Filename:   "report.pdf",
		Collection: "private",
		Prefix:     "media",
		StorageKey: "media/report.pdf",
	})
	if err != nil {
		t.Fatal(err)
	}

	h := newMediaRouter(store, records, "media", retrieval.Options{
		Collections: map[string]retrieval.DownloadPolicy{"private": {Enabled: true}},
	})

	rec := serve(h, httptest.NewRequest(http.MethodGet, "/media/file/report.pdf", nil))
	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "memory://media/media/report.pdf?") {
		t.Errorf("Location = %q", loc)
	}

	rec = serve(h, httptest.NewRequest(http.MethodGet, "/media/file/report.pdf?clientUploadContext=1", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("client upload flow: status = %d, want 200", rec.Code)
	}

	// No record: global policy, which is disabled.
	rec = serve(h, httptest.NewRequest(http.MethodGet, "/media/file/photo.png", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("unrecorded file: status = %d, want 200", rec.Code)
	}
}
