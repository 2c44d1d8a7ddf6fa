package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/healthz", "/healthz"},
		{"/readyz", "/readyz"},
		{"/docs", "/docs"},
		{"/docs/", "/docs"},
		{"/docs/something", "/docs"},
		{"/metrics", "/metrics"},
		{"/openapi.json", "/openapi.json"},
		{"/", "/"},
		{"", "/"},
		{"/media", "/media"},
		{"/media/records", "/media/records"},
		{"/storage/generate-signed-url", "/storage/generate-signed-url"},
		{"/media/file/photo.png", "/media/file/{filename}"},
		{"/media/size/thumbnail/photo.png", "/media/size/{size}/{filename}"},
		{"/media/records/01HXYZ", "/media/records/{id}"},
		{"/media/debug/files", "/media/debug/files"},
		{"/media/debug/a/b", "/other"},
		{"/wp-admin/login.php", "/other"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := NormalizePath(tt.path)
			if got != tt.want {
				t.Errorf("NormalizePath(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMetricsRegistered(t *testing.T) {
	Register()
	Register()

	HTTPRequestsTotal.WithLabelValues("GET", "/health", "200").Inc()
	HTTPRequestDuration.WithLabelValues("GET", "/health").Observe(0.001)
	HTTPResponseSize.WithLabelValues("GET", "/media/file/{filename}").Observe(2048)
	UploadBytesTotal.Add(1024)

	before := testutil.ToFloat64(VariantsTotal.WithLabelValues("failed"))
	VariantsTotal.WithLabelValues("failed").Inc()
	if got := testutil.ToFloat64(VariantsTotal.WithLabelValues("failed")); got != before+1 {
		t.Errorf("variants_total{failed} = %v, want %v", got, before+1)
	}
}
