package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// defaultMaxConnections bounds the pooled sockets per store host.
const defaultMaxConnections = 100

// S3API defines the subset of the AWS S3 client interface that the backend
// uses. This allows mocking in tests.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3PresignAPI is the subset of s3.PresignClient used for signed URLs.
type S3PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Uploader is the subset of manager.Uploader used for multipart writes.
type S3Uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3Options configures an S3Backend. Endpoint and path-style addressing
// allow S3-compatible stores such as R2 or MinIO.
type S3Options struct {
	Bucket          string
	Region          string
	Endpoint        string
	UsePathStyle    bool
	AccessKeyID     string
	SecretAccessKey string
	// MaxConnections bounds the keep-alive connection pool. Zero means 100.
	MaxConnections int
	// SkipBucketCheck disables the HeadBucket probe at construction.
	SkipBucketCheck bool
}

// S3Backend implements Backend against an S3-compatible bucket via the AWS
// SDK for Go v2.
type S3Backend struct {
	// Bucket is the upstream bucket name.
	Bucket string
	// Region is the store region.
	Region string

	client    S3API
	presigner S3PresignAPI
	uploader  S3Uploader
}

// NewS3Backend creates an S3Backend. Static credentials are used when both
// keys are set; otherwise the default AWS credential chain applies. The
// underlying HTTP client keeps connections alive with a bounded pool.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	if opts.Bucket == "" {
		return nil, errors.New("s3 backend: bucket is required")
	}
	maxConns := opts.MaxConnections
	if maxConns <= 0 {
		maxConns = defaultMaxConnections
	}

	httpClient := awshttp.NewBuildableClient().WithTransportOptions(func(tr *http.Transport) {
		tr.DisableKeepAlives = false
		tr.MaxIdleConns = maxConns
		tr.MaxIdleConnsPerHost = maxConns
		tr.MaxConnsPerHost = maxConns
	})

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
		awsconfig.WithHTTPClient(httpClient),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if opts.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
			// S3-compatible stores reject the default flexible checksums
			// on presigned writes.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		})
	}
	if opts.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(cfg, s3Opts...)
	b := &S3Backend{
		Bucket:    opts.Bucket,
		Region:    opts.Region,
		client:    client,
		presigner: s3.NewPresignClient(client),
		uploader:  manager.NewUploader(client),
	}

	if !opts.SkipBucketCheck {
		if err := b.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("cannot access bucket %q: %w", opts.Bucket, err)
		}
	}

	slog.Info("S3 backend initialized", "bucket", opts.Bucket, "region", opts.Region, "endpoint", opts.Endpoint)
	return b, nil
}

// NewS3BackendWithClient creates an S3Backend with pre-configured clients.
// This is primarily used for testing with mock clients.
func NewS3BackendWithClient(bucket string, client S3API, presigner S3PresignAPI, uploader S3Uploader) *S3Backend {
	return &S3Backend{
		Bucket:    bucket,
		client:    client,
		presigner: presigner,
		uploader:  uploader,
	}
}

func (b *S3Backend) putInput(key string, body io.Reader, opts PutOptions) *s3.PutObjectInput {
	in := &s3.PutObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
		Body:   body,
	}
	if opts.ContentType != "" {
		in.ContentType = aws.String(opts.ContentType)
	}
	if opts.ACL != "" {
		in.ACL = types.ObjectCannedACL(opts.ACL)
	}
	return in
}

// PutObject uploads the reader's contents in a single PutObject request.
func (b *S3Backend) PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error) {
	in := b.putInput(key, reader, opts)
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}

	resp, err := b.client.PutObject(ctx, in)
	if err != nil {
		return "", fmt.Errorf("uploading to S3: %w", err)
	}
	return aws.ToString(resp.ETag), nil
}

// PutObjectMultipart uploads the reader's contents through the SDK's
// transfer manager, which splits the body into parts and uploads them with
// bounded parallelism.
func (b *S3Backend) PutObjectMultipart(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions, mp MultipartOptions) (string, error) {
	partSize := mp.PartSize
	if partSize < manager.MinUploadPartSize {
		partSize = manager.MinUploadPartSize
	}
	concurrency := mp.Concurrency
	if concurrency <= 0 {
		concurrency = manager.DefaultUploadConcurrency
	}

	resp, err := b.uploader.Upload(ctx, b.putInput(key, reader, opts), func(u *manager.Uploader) {
		u.PartSize = partSize
		u.Concurrency = concurrency
	})
	if err != nil {
		return "", fmt.Errorf("multipart upload to S3: %w", err)
	}
	return aws.ToString(resp.ETag), nil
}

// GetObject opens key for streaming.
func (b *S3Backend) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	resp, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, nil, fmt.Errorf("getting object from S3: %w", err)
	}

	info := &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ContentType:  aws.ToString(resp.ContentType),
		ETag:         aws.ToString(resp.ETag),
		LastModified: aws.ToTime(resp.LastModified),
	}
	return resp.Body, info, nil
}

// HeadObject returns key's attributes.
func (b *S3Backend) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isAWSNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("heading object in S3: %w", err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(resp.ContentLength),
		ContentType:  aws.ToString(resp.ContentType),
		ETag:         aws.ToString(resp.ETag),
		LastModified: aws.ToTime(resp.LastModified),
	}, nil
}

// ObjectExists checks whether key exists in the bucket.
func (b *S3Backend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.HeadObject(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking object existence in S3: %w", err)
	}
	return true, nil
}

// DeleteObject removes key. S3 DeleteObject does not error on missing keys;
// a 404 from a stricter S3-compatible store is treated the same way.
func (b *S3Backend) DeleteObject(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	})
	if err != nil && !isAWSNotFound(err) {
		return fmt.Errorf("deleting object from S3: %w", err)
	}
	return nil
}

// ListObjects pages through ListObjectsV2 until maxKeys blobs are collected.
func (b *S3Backend) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	var (
		out   []ObjectInfo
		token *string
	)
	for maxKeys <= 0 || len(out) < maxKeys {
		in := &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			ContinuationToken: token,
		}
		if prefix != "" {
			in.Prefix = aws.String(prefix)
		}
		if maxKeys > 0 {
			in.MaxKeys = aws.Int32(int32(min(maxKeys-len(out), 1000)))
		}

		resp, err := b.client.ListObjectsV2(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("listing objects in S3: %w", err)
		}
		for _, obj := range resp.Contents {
			out = append(out, ObjectInfo{
				Key:          aws.ToString(obj.Key),
				Size:         aws.ToInt64(obj.Size),
				ETag:         aws.ToString(obj.ETag),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
		if !aws.ToBool(resp.IsTruncated) || resp.NextContinuationToken == nil {
			break
		}
		token = resp.NextContinuationToken
	}
	if maxKeys > 0 && len(out) > maxKeys {
		out = out[:maxKeys]
	}
	return out, nil
}

// PresignGetObject returns a presigned GET URL for key.
func (b *S3Backend) PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error) {
	req, err := b.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presigning S3 GET: %w", err)
	}
	return req.URL, nil
}

// PresignPutObject returns a presigned PUT URL for key. The content type and
// ACL are part of the signature, so the client must send matching headers.
func (b *S3Backend) PresignPutObject(ctx context.Context, key string, opts PutOptions, expires time.Duration) (string, error) {
	req, err := b.presigner.PresignPutObject(ctx, b.putInput(key, nil, opts), s3.WithPresignExpires(expires))
	if err != nil {
		return "", fmt.Errorf("presigning S3 PUT: %w", err)
	}
	return req.URL, nil
}

// HealthCheck verifies that the bucket is accessible.
func (b *S3Backend) HealthCheck(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.Bucket),
	})
	return err
}

// isAWSNotFound checks if an AWS error is a 404/NoSuchKey/NotFound error.
func isAWSNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "404":
			return true
		}
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}

// Ensure S3Backend implements Backend at compile time.
var _ Backend = (*S3Backend)(nil)
