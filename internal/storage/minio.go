package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	miniocreds "github.com/minio/minio-go/v7/pkg/credentials"
)

// minioMinPartSize is the smallest part minio-go accepts for multipart writes.
const minioMinPartSize = 5 << 20

// MinioAPI defines the subset of the minio-go client that the backend uses.
// This allows mocking in tests.
type MinioAPI interface {
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, minio.ObjectInfo, error)
	StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error)
	RemoveObject(ctx context.Context, bucket, key string) error
	ListObjects(ctx context.Context, bucket, prefix string, max int) ([]minio.ObjectInfo, error)
	PresignedGetObject(ctx context.Context, bucket, key string, expires time.Duration) (*url.URL, error)
	PresignedPutObject(ctx context.Context, bucket, key string, expires time.Duration) (*url.URL, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

type realMinioClient struct {
	client *minio.Client
}

func (c *realMinioClient) PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error) {
	return c.client.PutObject(ctx, bucket, key, r, size, opts)
}

func (c *realMinioClient) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, minio.ObjectInfo, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, minio.ObjectInfo{}, err
	}
	// GetObject is lazy; Stat issues the request and surfaces NoSuchKey.
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, minio.ObjectInfo{}, err
	}
	return obj, info, nil
}

func (c *realMinioClient) StatObject(ctx context.Context, bucket, key string) (minio.ObjectInfo, error) {
	return c.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
}

func (c *realMinioClient) RemoveObject(ctx context.Context, bucket, key string) error {
	return c.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
}

func (c *realMinioClient) ListObjects(ctx context.Context, bucket, prefix string, max int) ([]minio.ObjectInfo, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var out []minio.ObjectInfo
	for obj := range c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		out = append(out, obj)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out, nil
}

func (c *realMinioClient) PresignedGetObject(ctx context.Context, bucket, key string, expires time.Duration) (*url.URL, error) {
	return c.client.PresignedGetObject(ctx, bucket, key, expires, nil)
}

func (c *realMinioClient) PresignedPutObject(ctx context.Context, bucket, key string, expires time.Duration) (*url.URL, error) {
	return c.client.PresignedPutObject(ctx, bucket, key, expires)
}

func (c *realMinioClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return c.client.BucketExists(ctx, bucket)
}

// MinioOptions configures a MinioBackend.
type MinioOptions struct {
	Bucket string
	Region string
	// Endpoint is host[:port]; an http:// or https:// scheme selects TLS.
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// MinioBackend implements Backend against a MinIO (or other S3-compatible)
// bucket through minio-go.
type MinioBackend struct {
	Bucket string
	client MinioAPI
}

// NewMinioBackend creates a MinioBackend and verifies the bucket exists.
func NewMinioBackend(ctx context.Context, opts MinioOptions) (*MinioBackend, error) {
	host, secure := opts.Endpoint, true
	if u, err := url.Parse(opts.Endpoint); err == nil && u.Host != "" {
		host, secure = u.Host, u.Scheme != "http"
	}

	client, err := minio.New(host, &minio.Options{
		Creds:  miniocreds.NewStaticV4(opts.AccessKeyID, opts.SecretAccessKey, ""),
		Secure: secure,
		Region: opts.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating MinIO client: %w", err)
	}

	b := &MinioBackend{Bucket: opts.Bucket, client: &realMinioClient{client: client}}
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access MinIO bucket %q: %w", opts.Bucket, err)
	}

	slog.Info("MinIO backend initialized", "bucket", opts.Bucket, "endpoint", host)
	return b, nil
}

// NewMinioBackendWithClient creates a MinioBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewMinioBackendWithClient(bucket string, client MinioAPI) *MinioBackend {
	return &MinioBackend{Bucket: bucket, client: client}
}

func minioPutOptions(opts PutOptions) minio.PutObjectOptions {
	po := minio.PutObjectOptions{ContentType: opts.ContentType}
	if opts.ACL != "" {
		po.UserMetadata = map[string]string{"x-amz-acl": opts.ACL}
	}
	return po
}

// PutObject uploads the reader's contents in a single request.
func (b *MinioBackend) PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error) {
	po := minioPutOptions(opts)
	po.DisableMultipart = true
	info, err := b.client.PutObject(ctx, b.Bucket, key, reader, size, po)
	if err != nil {
		return "", fmt.Errorf("uploading to MinIO: %w", err)
	}
	return quoteETag(info.ETag), nil
}

// PutObjectMultipart uploads the reader's contents as a multipart upload with
// mp.Concurrency parts in flight.
func (b *MinioBackend) PutObjectMultipart(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions, mp MultipartOptions) (string, error) {
	po := minioPutOptions(opts)
	po.PartSize = uint64(max(mp.PartSize, minioMinPartSize))
	po.NumThreads = uint(max(mp.Concurrency, 1))
	info, err := b.client.PutObject(ctx, b.Bucket, key, reader, size, po)
	if err != nil {
		return "", fmt.Errorf("multipart upload to MinIO: %w", err)
	}
	return quoteETag(info.ETag), nil
}

func minioInfo(key string, oi minio.ObjectInfo) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         oi.Size,
		ContentType:  oi.ContentType,
		ETag:         quoteETag(oi.ETag),
		LastModified: oi.LastModified,
	}
}

// GetObject opens key for streaming.
func (b *MinioBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	body, oi, err := b.client.GetObject(ctx, b.Bucket, key)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, nil, fmt.Errorf("getting object from MinIO: %w", err)
	}
	return body, minioInfo(key, oi), nil
}

// HeadObject returns key's attributes.
func (b *MinioBackend) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	oi, err := b.client.StatObject(ctx, b.Bucket, key)
	if err != nil {
		if isMinioNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("stat object in MinIO: %w", err)
	}
	return minioInfo(key, oi), nil
}

// ObjectExists checks whether key exists in the bucket.
func (b *MinioBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.HeadObject(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in MinIO: %w", err)
	}
	return true, nil
}

// DeleteObject removes key.
func (b *MinioBackend) DeleteObject(ctx context.Context, key string) error {
	err := b.client.RemoveObject(ctx, b.Bucket, key)
	if err != nil && !isMinioNotFound(err) {
		return fmt.Errorf("deleting object from MinIO: %w", err)
	}
	return nil
}

// ListObjects returns up to maxKeys objects under prefix.
func (b *MinioBackend) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	items, err := b.client.ListObjects(ctx, b.Bucket, prefix, maxKeys)
	if err != nil {
		return nil, fmt.Errorf("listing objects in MinIO: %w", err)
	}
	out := make([]ObjectInfo, 0, len(items))
	for _, oi := range items {
		out = append(out, *minioInfo(oi.Key, oi))
	}
	return out, nil
}

// PresignGetObject returns a presigned GET URL for key.
func (b *MinioBackend) PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error) {
	u, err := b.client.PresignedGetObject(ctx, b.Bucket, key, expires)
	if err != nil {
		return "", fmt.Errorf("presigning MinIO GET: %w", err)
	}
	return u.String(), nil
}

// PresignPutObject returns a presigned PUT URL for key.
func (b *MinioBackend) PresignPutObject(ctx context.Context, key string, opts PutOptions, expires time.Duration) (string, error) {
	u, err := b.client.PresignedPutObject(ctx, b.Bucket, key, expires)
	if err != nil {
		return "", fmt.Errorf("presigning MinIO PUT: %w", err)
	}
	return u.String(), nil
}

// HealthCheck verifies that the bucket exists.
func (b *MinioBackend) HealthCheck(ctx context.Context) error {
	ok, err := b.client.BucketExists(ctx, b.Bucket)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", b.Bucket)
	}
	return nil
}

// isMinioNotFound checks if a minio-go error is a 404/NoSuchKey error.
func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	switch resp.Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return resp.StatusCode == http.StatusNotFound
}

// Ensure MinioBackend implements Backend at compile time.
var _ Backend = (*MinioBackend)(nil)
