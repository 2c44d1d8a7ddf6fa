// Package storage defines the blob store client used by the media pipelines
// and its implementations (S3-compatible, MinIO, GCS, Azure Blob, memory).
//
// A backend is bound to a single bucket or container. It is constructed once
// at process start and shared read-only by all concurrent operations.
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

// ErrObjectNotFound is returned (possibly wrapped) when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Canned access-control settings applied to written objects.
const (
	ACLPrivate    = "private"
	ACLPublicRead = "public-read"
)

// ObjectInfo describes a stored blob.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

// PutOptions carries the attributes written alongside a blob.
type PutOptions struct {
	ContentType string
	// ACL is ACLPrivate, ACLPublicRead, or empty for the bucket default.
	ACL string
}

// MultipartOptions controls a multipart write.
type MultipartOptions struct {
	// PartSize is the size of each uploaded part in bytes.
	PartSize int64
	// Concurrency is the number of parts uploaded in parallel.
	Concurrency int
}

// Backend is the blob store client. All methods must be safe for
// concurrent use.
type Backend interface {
	// PutObject writes the reader's contents to key in a single request,
	// replacing any existing blob. It returns the stored ETag.
	PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (etag string, err error)

	// PutObjectMultipart writes the reader's contents to key as a multipart
	// upload. It blocks until every part has completed and the upload is
	// assembled, or until one part fails.
	PutObjectMultipart(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions, mp MultipartOptions) (etag string, err error)

	// GetObject opens key for reading. The caller must close the returned
	// body. Returns ErrObjectNotFound when key does not exist.
	GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error)

	// HeadObject returns key's attributes without its body.
	HeadObject(ctx context.Context, key string) (*ObjectInfo, error)

	// ObjectExists reports whether key exists.
	ObjectExists(ctx context.Context, key string) (bool, error)

	// DeleteObject removes key. Deleting a missing key is not an error.
	DeleteObject(ctx context.Context, key string) error

	// ListObjects returns up to maxKeys blobs whose key starts with prefix,
	// in key order.
	ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error)

	// PresignGetObject returns a URL granting read access to key until it
	// expires.
	PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error)

	// PresignPutObject returns a URL granting write access to key until it
	// expires. The writer must send the given content type.
	PresignPutObject(ctx context.Context, key string, opts PutOptions, expires time.Duration) (string, error)

	// HealthCheck verifies that the backend is reachable.
	HealthCheck(ctx context.Context) error
}

// IsNotFound reports whether err means the key does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrObjectNotFound)
}

// quoteETag normalises an entity tag to its quoted HTTP form. Stores that
// return bare digests (GCS, Azure, MinIO) are quoted; S3 tags pass through.
func quoteETag(etag string) string {
	if etag == "" || strings.HasPrefix(etag, `"`) || strings.HasPrefix(etag, `W/"`) {
		return etag
	}
	return `"` + etag + `"`
}
