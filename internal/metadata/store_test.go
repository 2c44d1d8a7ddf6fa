package metadata

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/akshaykher243/payload-template/internal/media"
)

// newTestStore creates a SQLiteStore backed by a temporary database file.
// The database is automatically cleaned up when the test finishes.
func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) failed: %v", dbPath, err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// forEachStore runs fn against every RecordStore implementation.
func forEachStore(t *testing.T, fn func(t *testing.T, store RecordStore)) {
	t.Helper()
	t.Run("sqlite", func(t *testing.T) { fn(t, newTestStore(t)) })
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryStore()) })
	t.Run("dynamodb", func(t *testing.T) { fn(t, NewDynamoDBStoreWithClient("media-records", newFakeDynamo(2))) })
}

func photoRecord(id string, updated time.Time) *media.LogicalFile {
	ct := "image/png"
	return &media.LogicalFile{
		ID:                id,
		Filename:          "photo.png",
		Title:             "photo",
		Collection:        "media",
		DeclaredMimeType:  "text/plain",
		CorrectedMimeType: &ct,
		MimeTypeCorrected: true,
		Filesize:          2048,
		StorageKey:        "photo.png",
		Variants: map[string]*media.VariantRecord{
			"thumbnail": {Filename: "photo-thumbnail.png", Width: 400, Height: 300, MimeType: "image/png", Filesize: 512, StorageKey: "photo-thumbnail.png"},
			"card":      nil,
		},
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestRecordCRUD(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		now := time.Now().UTC().Truncate(time.Millisecond)

		if err := store.Ping(ctx); err != nil {
			t.Fatalf("Ping failed: %v", err)
		}

		rec := photoRecord("rec-1", now)
		if err := store.PutRecord(ctx, rec); err != nil {
			t.Fatalf("PutRecord failed: %v", err)
		}

		got, err := store.GetRecord(ctx, "rec-1")
		if err != nil {
			t.Fatalf("GetRecord failed: %v", err)
		}
		if got == nil {
			t.Fatal("GetRecord returned nil")
		}
		if got.Filename != "photo.png" || got.Collection != "media" || got.Filesize != 2048 || got.MimeType() != "image/png" || !got.MimeTypeCorrected {
			t.Errorf("record = %+v", got)
		}
		if !got.CreatedAt.Equal(now) || !got.UpdatedAt.Equal(now) {
			t.Errorf("times = %v / %v, want %v", got.CreatedAt, got.UpdatedAt, now)
		}
		if th := got.Variants["thumbnail"]; th == nil || th.Width != 400 || th.StorageKey != "photo-thumbnail.png" {
			t.Errorf("thumbnail = %+v", th)
		}
		if card, ok := got.Variants["card"]; !ok || card != nil {
			t.Errorf("failed variant not preserved as nil: %+v (present %v)", card, ok)
		}

		got.Title = "changed"
		got.Variants["thumbnail"].Width = 1
		again, _ := store.GetRecord(ctx, "rec-1")
		if again.Title != "photo" || again.Variants["thumbnail"].Width != 400 {
			t.Error("mutating a returned record changed stored state")
		}

		rec.Title = "Holiday"
		if err := store.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
		got, _ = store.GetRecord(ctx, "rec-1")
		if got.Title != "Holiday" {
			t.Errorf("upsert title = %q", got.Title)
		}

		if err := store.DeleteRecord(ctx, "rec-1"); err != nil {
			t.Fatalf("DeleteRecord failed: %v", err)
		}
		if got, _ := store.GetRecord(ctx, "rec-1"); got != nil {
			t.Error("record still present after delete")
		}
		if err := store.DeleteRecord(ctx, "rec-1"); err != nil {
			t.Errorf("deleting a missing record: %v", err)
		}
	})
}

func TestRecordWithoutCorrection(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		rec := &media.LogicalFile{ID: "doc", Filename: "report.pdf", DeclaredMimeType: "application/pdf", StorageKey: "docs/report.pdf", Prefix: "docs"}
		if err := store.PutRecord(ctx, rec); err != nil {
			t.Fatal(err)
		}
		got, err := store.GetRecord(ctx, "doc")
		if err != nil || got == nil {
			t.Fatalf("GetRecord = %v, %v", got, err)
		}
		if got.CorrectedMimeType != nil || got.MimeType() != "application/pdf" || got.OriginalKey() != "docs/report.pdf" {
			t.Errorf("record = %+v", got)
		}
	})
}

func TestFindByFilename(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		base := time.Now().UTC().Truncate(time.Millisecond)
		older := photoRecord("rec-old", base.Add(-time.Hour))
		older.Collection = "archive"
		newer := photoRecord("rec-new", base)
		for _, r := range []*media.LogicalFile{older, newer} {
			if err := store.PutRecord(ctx, r); err != nil {
				t.Fatal(err)
			}
		}

		got, err := store.FindByFilename(ctx, "photo.png")
		if err != nil || got == nil || got.ID != "rec-new" {
			t.Fatalf("by original: %+v, %v", got, err)
		}
		got, err = store.FindByFilename(ctx, "photo-thumbnail.png")
		if err != nil || got == nil || got.ID != "rec-new" {
			t.Fatalf("by variant: %+v, %v", got, err)
		}
		got, err = store.FindByFilename(ctx, "unknown.png")
		if err != nil || got != nil {
			t.Errorf("unknown: %+v, %v", got, err)
		}
	})
}

func TestListRecordsPagination(t *testing.T) {
	forEachStore(t, func(t *testing.T, store RecordStore) {
		ctx := context.Background()
		for i := 0; i < 5; i++ {
			if err := store.PutRecord(ctx, photoRecord(fmt.Sprintf("rec-%02d", i), time.Now())); err != nil {
				t.Fatal(err)
			}
		}

		page, err := store.ListRecords(ctx, ListRecordsOptions{Limit: 2})
		if err != nil {
			t.Fatal(err)
		}
		if len(page.Records) != 2 || !page.IsTruncated || page.NextAfter != "rec-01" {
			t.Fatalf("page 1 = %d records, truncated %v, next %q", len(page.Records), page.IsTruncated, page.NextAfter)
		}

		var ids []string
		after := ""
		for {
			page, err := store.ListRecords(ctx, ListRecordsOptions{After: after, Limit: 2})
			if err != nil {
				t.Fatal(err)
			}
			for _, r := range page.Records {
				ids = append(ids, r.ID)
			}
			if !page.IsTruncated {
				break
			}
			after = page.NextAfter
		}
		want := []string{"rec-00", "rec-01", "rec-02", "rec-03", "rec-04"}
		if fmt.Sprint(ids) != fmt.Sprint(want) {
			t.Errorf("ids = %v, want %v", ids, want)
		}

		all, err := store.ListRecords(ctx, ListRecordsOptions{})
		if err != nil || len(all.Records) != 5 || all.IsTruncated {
			t.Errorf("default limit: %d records, truncated %v, err %v", len(all.Records), all.IsTruncated, err)
		}
	})
}

func TestNormalizeLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultListLimit},
		{-3, DefaultListLimit},
		{10, 10},
		{MaxListLimit + 1, MaxListLimit},
	}
	for _, tt := range tests {
		if got := normalizeLimit(tt.in); got != tt.want {
			t.Errorf("normalizeLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSQLiteReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "media.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.PutRecord(context.Background(), photoRecord("rec-1", time.Now())); err != nil {
		t.Fatal(err)
	}
	store.Close()

	store, err = NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()
	if got, _ := store.GetRecord(context.Background(), "rec-1"); got == nil {
		t.Error("record lost across reopen")
	}
}
