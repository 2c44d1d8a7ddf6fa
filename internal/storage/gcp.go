package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gcs "cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSAPI defines the subset of the GCS client interface that the backend
// uses. This allows mocking in tests.
type GCSAPI interface {
	// NewWriter returns a writer for the given GCS object.
	NewWriter(ctx context.Context, bucket, object string, opts GCSWriteOptions) GCSWriter
	// NewReader returns a reader and the attributes of the given object.
	NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, *GCSAttrs, error)
	// Delete deletes the given GCS object.
	Delete(ctx context.Context, bucket, object string) error
	// Attrs returns the attributes of the given GCS object.
	Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error)
	// ListObjects lists up to max objects with the given prefix.
	ListObjects(ctx context.Context, bucket, prefix string, max int) ([]GCSAttrs, error)
	// SignedURL returns a V4 signed URL for the object.
	SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error)
	// BucketAttrs verifies that the bucket exists.
	BucketAttrs(ctx context.Context, bucket string) error
}

// GCSWriteOptions carries per-write settings.
type GCSWriteOptions struct {
	ContentType string
	// ChunkSize > 0 selects a resumable upload sent in chunks of this size.
	ChunkSize int
	// PredefinedACL is a GCS predefined ACL name (e.g. "publicRead").
	PredefinedACL string
}

// GCSWriter is a writer for a GCS object. ETag is valid after Close.
type GCSWriter interface {
	io.WriteCloser
	ETag() string
}

// GCSAttrs holds object attributes returned from GCS operations.
type GCSAttrs struct {
	Name        string
	Size        int64
	ContentType string
	ETag        string
	Updated     time.Time
}

// realGCSClient wraps the official GCS client to satisfy GCSAPI.
type realGCSClient struct {
	client *gcs.Client
}

type realGCSWriter struct {
	*gcs.Writer
}

func (w realGCSWriter) ETag() string {
	if attrs := w.Attrs(); attrs != nil {
		return attrs.Etag
	}
	return ""
}

func gcsAttrs(a *gcs.ObjectAttrs) *GCSAttrs {
	return &GCSAttrs{
		Name:        a.Name,
		Size:        a.Size,
		ContentType: a.ContentType,
		ETag:        a.Etag,
		Updated:     a.Updated,
	}
}

func (c *realGCSClient) NewWriter(ctx context.Context, bucket, object string, opts GCSWriteOptions) GCSWriter {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = opts.ContentType
	w.ChunkSize = opts.ChunkSize
	if opts.PredefinedACL != "" {
		w.PredefinedACL = opts.PredefinedACL
	}
	return realGCSWriter{Writer: w}
}

func (c *realGCSClient) NewReader(ctx context.Context, bucket, object string) (io.ReadCloser, *GCSAttrs, error) {
	obj := c.client.Bucket(bucket).Object(object)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, nil, err
	}
	// Pin the generation so the body matches the attributes just read.
	r, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, nil, err
	}
	return r, gcsAttrs(attrs), nil
}

func (c *realGCSClient) Delete(ctx context.Context, bucket, object string) error {
	return c.client.Bucket(bucket).Object(object).Delete(ctx)
}

func (c *realGCSClient) Attrs(ctx context.Context, bucket, object string) (*GCSAttrs, error) {
	attrs, err := c.client.Bucket(bucket).Object(object).Attrs(ctx)
	if err != nil {
		return nil, err
	}
	return gcsAttrs(attrs), nil
}

func (c *realGCSClient) ListObjects(ctx context.Context, bucket, prefix string, max int) ([]GCSAttrs, error) {
	it := c.client.Bucket(bucket).Objects(ctx, &gcs.Query{Prefix: prefix})
	var out []GCSAttrs
	for max <= 0 || len(out) < max {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *gcsAttrs(attrs))
	}
	return out, nil
}

func (c *realGCSClient) SignedURL(bucket, object string, opts *gcs.SignedURLOptions) (string, error) {
	return c.client.Bucket(bucket).SignedURL(object, opts)
}

func (c *realGCSClient) BucketAttrs(ctx context.Context, bucket string) error {
	_, err := c.client.Bucket(bucket).Attrs(ctx)
	return err
}

// GCSBackend implements Backend against a Google Cloud Storage bucket.
//
// Multipart writes map to resumable uploads sent in PartSize chunks. GCS
// uploads chunks of one object sequentially, so MultipartOptions.Concurrency
// has no effect here.
type GCSBackend struct {
	// Bucket is the upstream GCS bucket name.
	Bucket string
	client GCSAPI
}

// NewGCSBackend creates a GCSBackend using Application Default Credentials,
// or the service account key file at credentialsFile when set.
func NewGCSBackend(ctx context.Context, bucket, credentialsFile string) (*GCSBackend, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	b := &GCSBackend{Bucket: bucket, client: &realGCSClient{client: client}}
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access GCS bucket %q: %w", bucket, err)
	}

	slog.Info("GCS backend initialized", "bucket", bucket)
	return b, nil
}

// NewGCSBackendWithClient creates a GCSBackend with a pre-configured GCS
// client. This is primarily used for testing with mock clients.
func NewGCSBackendWithClient(bucket string, client GCSAPI) *GCSBackend {
	return &GCSBackend{Bucket: bucket, client: client}
}

// gcsACL maps a canned S3-style ACL to a GCS predefined ACL.
func gcsACL(acl string) string {
	switch acl {
	case ACLPublicRead:
		return "publicRead"
	case ACLPrivate:
		return "private"
	default:
		return ""
	}
}

func (b *GCSBackend) write(ctx context.Context, key string, reader io.Reader, opts PutOptions, chunkSize int) (string, error) {
	w := b.client.NewWriter(ctx, b.Bucket, key, GCSWriteOptions{
		ContentType:   opts.ContentType,
		ChunkSize:     chunkSize,
		PredefinedACL: gcsACL(opts.ACL),
	})
	if _, err := io.Copy(w, reader); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("uploading to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalizing GCS upload: %w", err)
	}
	return quoteETag(w.ETag()), nil
}

// PutObject uploads the reader's contents in a single request.
func (b *GCSBackend) PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error) {
	return b.write(ctx, key, reader, opts, 0)
}

// PutObjectMultipart uploads the reader's contents as a chunked resumable
// upload.
func (b *GCSBackend) PutObjectMultipart(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions, mp MultipartOptions) (string, error) {
	chunk := int(mp.PartSize)
	if chunk <= 0 {
		chunk = googleapi.DefaultUploadChunkSize
	}
	return b.write(ctx, key, reader, opts, chunk)
}

// GetObject opens key for streaming.
func (b *GCSBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	r, attrs, err := b.client.NewReader(ctx, b.Bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, nil, fmt.Errorf("getting object from GCS: %w", err)
	}
	return r, attrs.info(key), nil
}

func (a *GCSAttrs) info(key string) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         a.Size,
		ContentType:  a.ContentType,
		ETag:         quoteETag(a.ETag),
		LastModified: a.Updated,
	}
}

// HeadObject returns key's attributes.
func (b *GCSBackend) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := b.client.Attrs(ctx, b.Bucket, key)
	if err != nil {
		if isGCSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("getting object attrs from GCS: %w", err)
	}
	return attrs.info(key), nil
}

// ObjectExists checks whether key exists in the bucket.
func (b *GCSBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.HeadObject(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in GCS: %w", err)
	}
	return true, nil
}

// DeleteObject removes key. GCS errors on delete of a missing object,
// unlike S3, so the 404 is swallowed.
func (b *GCSBackend) DeleteObject(ctx context.Context, key string) error {
	err := b.client.Delete(ctx, b.Bucket, key)
	if err != nil && !isGCSNotFound(err) {
		return fmt.Errorf("deleting object from GCS: %w", err)
	}
	return nil
}

// ListObjects returns up to maxKeys objects under prefix.
func (b *GCSBackend) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	items, err := b.client.ListObjects(ctx, b.Bucket, prefix, maxKeys)
	if err != nil {
		return nil, fmt.Errorf("listing objects in GCS: %w", err)
	}
	out := make([]ObjectInfo, 0, len(items))
	for i := range items {
		out = append(out, *items[i].info(items[i].Name))
	}
	return out, nil
}

// PresignGetObject returns a V4 signed GET URL.
func (b *GCSBackend) PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error) {
	u, err := b.client.SignedURL(b.Bucket, key, &gcs.SignedURLOptions{
		Scheme:  gcs.SigningSchemeV4,
		Method:  http.MethodGet,
		Expires: time.Now().Add(expires),
	})
	if err != nil {
		return "", fmt.Errorf("signing GCS GET: %w", err)
	}
	return u, nil
}

// PresignPutObject returns a V4 signed PUT URL bound to the content type.
func (b *GCSBackend) PresignPutObject(ctx context.Context, key string, opts PutOptions, expires time.Duration) (string, error) {
	u, err := b.client.SignedURL(b.Bucket, key, &gcs.SignedURLOptions{
		Scheme:      gcs.SigningSchemeV4,
		Method:      http.MethodPut,
		Expires:     time.Now().Add(expires),
		ContentType: opts.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("signing GCS PUT: %w", err)
	}
	return u, nil
}

// HealthCheck verifies that the bucket is accessible.
func (b *GCSBackend) HealthCheck(ctx context.Context) error {
	return b.client.BucketAttrs(ctx, b.Bucket)
}

// isGCSNotFound checks if a GCS error is a 404/not-found error.
func isGCSNotFound(err error) bool {
	return errors.Is(err, gcs.ErrObjectNotExist) || errors.Is(err, gcs.ErrBucketNotExist)
}

// Ensure GCSBackend implements Backend at compile time.
var _ Backend = (*GCSBackend)(nil)
