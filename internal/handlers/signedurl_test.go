package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/akshaykher243/payload-template/internal/auth"
	"github.com/akshaykher243/payload-template/internal/signedurl"
	"github.com/akshaykher243/payload-template/internal/storage"
)

func newSignedURLHandler(t *testing.T) *SignedURLHandler {
	t.Helper()
	issuer := signedurl.NewIssuer(newMemoryStore(t), signedurl.Options{
		Prefixes: map[string]string{"media": "media"},
		ACL:      storage.ACLPublicRead,
	})
	return NewSignedURLHandler(issuer)
}

func signedURLRequest(body, contentType string, id *auth.Identity) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/storage/generate-signed-url", strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if id != nil {
		req = req.WithContext(auth.WithIdentity(req.Context(), id))
	}
	return req
}

func TestGenerateSignedURL(t *testing.T) {
	h := newSignedURLHandler(t)
	editor := &auth.Identity{Subject: "editor"}
	body := `{"collectionSlug":"media","filename":"photo.png","mimeType":"image/png"}`

	rec := httptest.NewRecorder()
	h.Generate(rec, signedURLRequest(body, "application/json; charset=utf-8", editor))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var res signedurl.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.URL, "memory://media/media/photo.png?") || !strings.Contains(res.URL, "X-Method=PUT") {
		t.Errorf("url = %q", res.URL)
	}
	if res.ACL != storage.ACLPublicRead {
		t.Errorf("acl = %q", res.ACL)
	}
}

func TestGenerateSignedURLErrors(t *testing.T) {
	h := newSignedURLHandler(t)
	editor := &auth.Identity{Subject: "editor"}
	good := `{"collectionSlug":"media","filename":"photo.png","mimeType":"image/png"}`

	tests := []struct {
		name     string
		req      *http.Request
		wantCode int
	}{
		{"wrong content type", signedURLRequest(good, "text/plain", editor), http.StatusBadRequest},
		{"no content type", signedURLRequest(good, "", editor), http.StatusBadRequest},
		{"undecodable body", signedURLRequest("{", "application/json", editor), http.StatusBadRequest},
		{"missing fields", signedURLRequest(`{"collectionSlug":"media"}`, "application/json", editor), http.StatusBadRequest},
		{"unknown collection", signedURLRequest(`{"collectionSlug":"posts","filename":"a.png","mimeType":"image/png"}`, "application/json", editor), http.StatusInternalServerError},
		{"anonymous", signedURLRequest(good, "application/json", nil), http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.Generate(rec, tt.req)
			if rec.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.wantCode, rec.Body.String())
			}
		})
	}
}
