// Package mimetype maps filenames to canonical content types and decides
// when a declared upload content type must be replaced.
package mimetype

import (
	"path"
	"strings"
)

const (
	// OctetStream is returned for unknown or missing extensions.
	OctetStream = "application/octet-stream"
	// Placeholder is the content type browsers and proxies attach when they
	// have no real information about a file.
	Placeholder = "text/plain"
)

var byExtension = map[string]string{
	// Images
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"bmp":  "image/bmp",
	"ico":  "image/x-icon",
	"tiff": "image/tiff",
	"tif":  "image/tiff",

	// Videos
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"ogv":  "video/ogg",
	"avi":  "video/x-msvideo",
	"mov":  "video/quicktime",
	"wmv":  "video/x-ms-wmv",
	"flv":  "video/x-flv",
	"mkv":  "video/x-matroska",

	// Documents
	"pdf":  "application/pdf",
	"doc":  "application/msword",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",

	// Audio
	"mp3": "audio/mpeg",
	"wav": "audio/wav",
	"ogg": "audio/ogg",
}

// Extension returns the lower-cased extension of filename without the dot,
// or "" when there is none.
func Extension(filename string) string {
	ext := path.Ext(filename)
	if ext == "" {
		return ""
	}
	return strings.ToLower(ext[1:])
}

// Resolve returns the canonical content type for filename's extension.
func Resolve(filename string) string {
	if ct, ok := byExtension[Extension(filename)]; ok {
		return ct
	}
	return OctetStream
}

// IsPlaceholder reports whether ct carries no real type information: empty,
// the placeholder type, or the placeholder with parameters such as a charset.
func IsPlaceholder(ct string) bool {
	ct = strings.TrimSpace(ct)
	if ct == "" {
		return true
	}
	base, _, _ := strings.Cut(ct, ";")
	return strings.EqualFold(strings.TrimSpace(base), Placeholder)
}

// Effective returns the content type to store for an upload. When declared
// is a placeholder the type is resolved from filename and corrected is true.
func Effective(declared, filename string) (contentType string, corrected bool) {
	if IsPlaceholder(declared) {
		return Resolve(filename), true
	}
	return declared, false
}

// IsImage reports whether ct is an image type.
func IsImage(ct string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(ct)), "image/")
}
