package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "test-secret"

func echoIdentity(t *testing.T) (http.Handler, **Identity) {
	t.Helper()
	var seen *Identity
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}), &seen
}

func TestIssueAndParseToken(t *testing.T) {
	tok, err := IssueToken(testSecret, "editor-7", "editor", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	id, err := ParseToken(testSecret, tok)
	if err != nil {
		t.Fatalf("ParseToken failed: %v", err)
	}
	if id.Subject != "editor-7" || id.Role != "editor" {
		t.Errorf("identity = %+v", id)
	}
	if _, err := ParseToken("other-secret", tok); err == nil {
		t.Error("token accepted with the wrong secret")
	}
}

func TestIssueTokenRequiresSecret(t *testing.T) {
	if _, err := IssueToken("", "x", "", time.Hour); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestParseTokenRejectsOtherAlgorithms(t *testing.T) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()})
	raw, err := tok.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseToken(testSecret, raw); err == nil {
		t.Error("HS512 token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	valid, _ := IssueToken(testSecret, "editor-7", "", time.Hour)
	expired, _ := IssueToken(testSecret, "editor-7", "", -time.Minute)

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantSub    string
	}{
		{"anonymous", "", http.StatusNoContent, ""},
		{"valid", "Bearer " + valid, http.StatusNoContent, "editor-7"},
		{"lowercase scheme", "bearer " + valid, http.StatusNoContent, "editor-7"},
		{"expired", "Bearer " + expired, http.StatusUnauthorized, ""},
		{"garbage", "Bearer not.a.jwt", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic Zm9vOmJhcg==", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, seen := echoIdentity(t)
			req := httptest.NewRequest(http.MethodGet, "/media/records", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			Middleware(testSecret)(next).ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			got := ""
			if *seen != nil {
				got = (*seen).Subject
			}
			if got != tt.wantSub {
				t.Errorf("subject = %q, want %q", got, tt.wantSub)
			}
		})
	}
}

func TestRequireIdentity(t *testing.T) {
	next, _ := echoIdentity(t)
	h := RequireIdentity(next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/media/records/1", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("anonymous status = %d, want 403", rec.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/media/records/1", nil)
	req = req.WithContext(WithIdentity(req.Context(), &Identity{Subject: "a"}))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Errorf("authenticated status = %d", rec.Code)
	}
}
