// Package media defines the records produced by the upload pipeline and the
// document layout the records store persists.
package media

import (
	"path"
	"sort"
	"strings"
	"time"
)

// VariantRecord describes one derived variant. A nil *VariantRecord in
// LogicalFile.Variants marks a failed derivation.
type VariantRecord struct {
	Filename   string `json:"filename"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	MimeType   string `json:"mimeType"`
	Filesize   int64  `json:"filesize"`
	StorageKey string `json:"storageKey"`
	URL        string `json:"url"`
}

// LogicalFile is one uploaded file plus its derived variants.
type LogicalFile struct {
	ID       string
	Filename string
	Title    string
	// Collection is the slug the file was uploaded to.
	Collection string
	// Prefix is the key prefix the original and its variants live under.
	Prefix string

	DeclaredMimeType  string
	CorrectedMimeType *string
	MimeTypeCorrected bool
	Filesize          int64

	// StorageKey is the original blob's key.
	StorageKey string
	// Variants maps variant name to its record; nil means the derivation
	// failed.
	Variants map[string]*VariantRecord

	CreatedAt time.Time
	UpdatedAt time.Time
}

// MimeType returns the effective content type: the corrected type when a
// correction occurred, otherwise the declared one.
func (f *LogicalFile) MimeType() string {
	if f.CorrectedMimeType != nil {
		return *f.CorrectedMimeType
	}
	return f.DeclaredMimeType
}

// Keys returns the original key followed by every non-nil variant key in
// variant-name order.
func (f *LogicalFile) Keys() []string {
	keys := []string{f.OriginalKey()}
	for _, name := range f.VariantNames() {
		if v := f.Variants[name]; v != nil && v.StorageKey != "" {
			keys = append(keys, v.StorageKey)
		}
	}
	return keys
}

// OriginalKey returns StorageKey, or prefix/filename for records written
// before keys were tracked.
func (f *LogicalFile) OriginalKey() string {
	if f.StorageKey != "" {
		return f.StorageKey
	}
	return Key(f.Prefix, f.Filename)
}

// VariantNames returns the variant names in sorted order.
func (f *LogicalFile) VariantNames() []string {
	names := make([]string, 0, len(f.Variants))
	for name := range f.Variants {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Key joins prefix and filename with path-join semantics.
func Key(prefix, filename string) string {
	if prefix == "" {
		return filename
	}
	return path.Join(prefix, filename)
}

// FileURL returns the public retrieval URL for filename.
func FileURL(baseURL, filename string) string {
	return strings.TrimRight(baseURL, "/") + "/media/file/" + filename
}

// SizeDocument is the persisted form of a variant. Every field is nil when
// the derivation failed.
type SizeDocument struct {
	Filename *string `json:"filename"`
	Width    *int    `json:"width"`
	Height   *int    `json:"height"`
	MimeType *string `json:"mimeType"`
	Filesize *int64  `json:"filesize"`
	URL      *string `json:"url"`
}

// Document is the persisted record layout.
type Document struct {
	ID                string                  `json:"id"`
	Filename          string                  `json:"filename"`
	Title             string                  `json:"title,omitempty"`
	Collection        string                  `json:"collection,omitempty"`
	Prefix            string                  `json:"prefix,omitempty"`
	MimeType          string                  `json:"mimeType"`
	OriginalMimeType  string                  `json:"originalMimeType"`
	MimeTypeCorrected bool                    `json:"mimeTypeCorrected"`
	Filesize          int64                   `json:"filesize"`
	URL               string                  `json:"url,omitempty"`
	Sizes             map[string]SizeDocument `json:"sizes"`
	CreatedAt         time.Time               `json:"createdAt"`
	UpdatedAt         time.Time               `json:"updatedAt"`
}

// ToDocument renders f in its persisted layout. baseURL, when non-empty,
// fills the original's URL.
func (f *LogicalFile) ToDocument(baseURL string) Document {
	doc := Document{
		ID:                f.ID,
		Filename:          f.Filename,
		Title:             f.Title,
		Collection:        f.Collection,
		Prefix:            f.Prefix,
		MimeType:          f.MimeType(),
		OriginalMimeType:  f.DeclaredMimeType,
		MimeTypeCorrected: f.MimeTypeCorrected,
		Filesize:          f.Filesize,
		Sizes:             make(map[string]SizeDocument, len(f.Variants)),
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
	}
	if baseURL != "" {
		doc.URL = FileURL(baseURL, f.Filename)
	}
	for name, v := range f.Variants {
		if v == nil {
			doc.Sizes[name] = SizeDocument{}
			continue
		}
		doc.Sizes[name] = SizeDocument{
			Filename: &v.Filename,
			Width:    &v.Width,
			Height:   &v.Height,
			MimeType: &v.MimeType,
			Filesize: &v.Filesize,
			URL:      &v.URL,
		}
	}
	return doc
}

// DefaultTitle returns filename without its extension.
func DefaultTitle(filename string) string {
	return strings.TrimSuffix(filename, path.Ext(filename))
}
