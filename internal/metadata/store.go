// Package metadata defines the interface and implementations for the media
// record store, which persists LogicalFile documents for the collaborator
// API.
package metadata

import (
	"context"
	"io"

	"github.com/akshaykher243/payload-template/internal/media"
)

// DefaultListLimit is used when ListRecordsOptions.Limit is zero.
const DefaultListLimit = 50

// MaxListLimit caps a single page.
const MaxListLimit = 1000

// ListRecordsOptions specifies pagination for listing records.
type ListRecordsOptions struct {
	// After is an exclusive id cursor. Records are listed in id order.
	After string
	Limit int
}

// ListRecordsResult holds one page of records.
type ListRecordsResult struct {
	Records     []*media.LogicalFile
	IsTruncated bool
	// NextAfter is the cursor for the next page when IsTruncated is set.
	NextAfter string
}

// RecordStore persists media records. Implementations must be safe for
// concurrent use.
type RecordStore interface {
	io.Closer

	// Ping checks connectivity to the record store.
	Ping(ctx context.Context) error

	// PutRecord creates or replaces the record with f.ID.
	PutRecord(ctx context.Context, f *media.LogicalFile) error

	// GetRecord returns the record with id, or nil when none exists.
	GetRecord(ctx context.Context, id string) (*media.LogicalFile, error)

	// FindByFilename returns the most recently updated record whose
	// original or variant has filename, or nil.
	FindByFilename(ctx context.Context, filename string) (*media.LogicalFile, error)

	// DeleteRecord removes the record with id. Deleting a missing record is
	// not an error.
	DeleteRecord(ctx context.Context, id string) error

	// ListRecords returns records in id order.
	ListRecords(ctx context.Context, opts ListRecordsOptions) (*ListRecordsResult, error)
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// matchesFilename reports whether f's original or any variant is filename.
func matchesFilename(f *media.LogicalFile, filename string) bool {
	if f.Filename == filename {
		return true
	}
	for _, v := range f.Variants {
		if v != nil && v.Filename == filename {
			return true
		}
	}
	return false
}
