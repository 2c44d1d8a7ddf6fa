package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/akshaykher243/payload-template/internal/variant"
)

func TestDebugMimeType(t *testing.T) {
	h := NewDebugHandler(newMemoryStore(t), "media", nil, nil)
	tests := []struct {
		query, wantName, wantType string
	}{
		{"?filename=clip.MP4", "clip.MP4", "video/mp4"},
		{"?filename=archive.xyz", "archive.xyz", "application/octet-stream"},
		{"", "test.png", "image/png"},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		h.MimeType(rec, httptest.NewRequest(http.MethodGet, "/media/debug/mime-type"+tt.query, nil))
		var body mimeTypeBody
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		if body.Filename != tt.wantName || body.MimeType != tt.wantType {
			t.Errorf("%q: body = %+v", tt.query, body)
		}
	}
}

func TestDebugFiles(t *testing.T) {
	store := newMemoryStore(t)
	putBlob(t, store, "media/a.png", "image/png", []byte("a"))
	putBlob(t, store, "media/b.png", "image/png", []byte("bb"))
	h := NewDebugHandler(store, "media", nil, nil)

	rec := httptest.NewRecorder()
	h.Files(rec, httptest.NewRequest(http.MethodGet, "/media/debug/files", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body debugFilesBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Bucket != "media" || body.TotalFiles != 2 || len(body.Files) != 2 {
		t.Fatalf("body = %+v", body)
	}
	if body.Files[0].Key != "media/a.png" || body.Files[1].Size != 2 || body.Files[0].ETag == "" {
		t.Errorf("files = %+v", body.Files)
	}
}

func TestDebugEnvironment(t *testing.T) {
	h := NewDebugHandler(newMemoryStore(t), "media", nil, func() map[string]any {
		return map[string]any{"secretAccessKey": "SET"}
	})
	rec := httptest.NewRecorder()
	h.Environment(rec, httptest.NewRequest(http.MethodGet, "/media/debug/environment", nil))
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["secretAccessKey"] != "SET" {
		t.Errorf("body = %v", body)
	}
}

func TestDebugVariants(t *testing.T) {
	h := NewDebugHandler(newMemoryStore(t), "media", []variant.Spec{
		{Name: "thumbnail", Width: 40, Height: 30},
		{Name: "card", Width: 600},
		{Name: "broken", Width: 0},
	}, nil)
	rec := httptest.NewRecorder()
	h.Variants(rec, httptest.NewRequest(http.MethodGet, "/media/debug/variants", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body variantsBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.OK || len(body.Results) != 3 {
		t.Fatalf("body = %+v", body)
	}
	thumb, card, broken := body.Results[0], body.Results[1], body.Results[2]
	if thumb.Width != 40 || thumb.Height != 30 || thumb.Bytes == 0 {
		t.Errorf("thumbnail = %+v", thumb)
	}
	if card.Width != 600 || card.Height != 450 {
		t.Errorf("card = %+v", card)
	}
	if broken.Error == "" {
		t.Errorf("invalid spec reported no error: %+v", broken)
	}
}

func TestDebugVariantsDefaults(t *testing.T) {
	h := NewDebugHandler(newMemoryStore(t), "media", nil, nil)
	rec := httptest.NewRecorder()
	h.Variants(rec, httptest.NewRequest(http.MethodGet, "/media/debug/variants", nil))
	var body variantsBody
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.OK || len(body.Results) != len(variant.Defaults()) {
		t.Fatalf("body = %+v", body)
	}
}
