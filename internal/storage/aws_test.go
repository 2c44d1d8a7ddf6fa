package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

type mockS3Object struct {
	data        []byte
	contentType string
	acl         types.ObjectCannedACL
}

// mockS3Client implements S3API for unit testing.
type mockS3Client struct {
	objects map[string]mockS3Object

	putObjectCalls    int
	deleteObjectCalls int
	headObjectCalls   int

	// headErr, when set, is returned by HeadObject for every key.
	headErr error
	// deleteErr, when set, is returned by DeleteObject.
	deleteErr error
	// pageSize bounds ListObjectsV2 pages to exercise continuation.
	pageSize int
}

func newMockS3Client() *mockS3Client {
	return &mockS3Client{objects: make(map[string]mockS3Object)}
}

func etagOf(data []byte) string {
	h := md5.Sum(data)
	return fmt.Sprintf(`"%x"`, h)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	m.putObjectCalls++
	data, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}
	m.objects[aws.ToString(params.Key)] = mockS3Object{
		data:        data,
		contentType: aws.ToString(params.ContentType),
		acl:         params.ACL,
	}
	return &s3.PutObjectOutput{ETag: aws.String(etagOf(data))}, nil
}

func (m *mockS3Client) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NoSuchKey", message: "The specified key does not exist.", httpStatus: 404}
	}
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(obj.data)),
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(etagOf(obj.data)),
	}, nil
}

func (m *mockS3Client) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	m.headObjectCalls++
	if m.headErr != nil {
		return nil, m.headErr
	}
	obj, ok := m.objects[aws.ToString(params.Key)]
	if !ok {
		return nil, &mockAPIError{code: "NotFound", message: "Not Found", httpStatus: 404}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(obj.data))),
		ContentType:   aws.String(obj.contentType),
		ETag:          aws.String(etagOf(obj.data)),
	}, nil
}

func (m *mockS3Client) DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	m.deleteObjectCalls++
	if m.deleteErr != nil {
		return nil, m.deleteErr
	}
	delete(m.objects, aws.ToString(params.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *mockS3Client) HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, nil
}

func (m *mockS3Client) ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	prefix := aws.ToString(params.Prefix)
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) && k > aws.ToString(params.ContinuationToken) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	limit := int(aws.ToInt32(params.MaxKeys))
	if m.pageSize > 0 && (limit == 0 || m.pageSize < limit) {
		limit = m.pageSize
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[len(keys)-1])
	}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{
			Key:  aws.String(k),
			Size: aws.Int64(int64(len(m.objects[k].data))),
		})
	}
	return out, nil
}

// mockPresigner implements S3PresignAPI by echoing the request.
type mockPresigner struct {
	lastExpires time.Duration
}

func (p *mockPresigner) expires(optFns []func(*s3.PresignOptions)) {
	var o s3.PresignOptions
	for _, fn := range optFns {
		fn(&o)
	}
	p.lastExpires = o.Expires
}

func (p *mockPresigner) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	p.expires(optFns)
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.test/%s?X-Amz-Signature=get", aws.ToString(params.Bucket), aws.ToString(params.Key)),
		Method: http.MethodGet,
	}, nil
}

func (p *mockPresigner) PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	p.expires(optFns)
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://%s.s3.test/%s?X-Amz-Signature=put&ct=%s", aws.ToString(params.Bucket), aws.ToString(params.Key), aws.ToString(params.ContentType)),
		Method: http.MethodPut,
	}, nil
}

// mockUploader implements S3Uploader by recording the transfer settings
// and storing the body through the mock client.
type mockUploader struct {
	client      *mockS3Client
	calls       int
	partSize    int64
	concurrency int
}

func (u *mockUploader) Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	u.calls++
	var up manager.Uploader
	for _, fn := range opts {
		fn(&up)
	}
	u.partSize, u.concurrency = up.PartSize, up.Concurrency
	out, err := u.client.PutObject(ctx, input)
	if err != nil {
		return nil, err
	}
	return &manager.UploadOutput{ETag: out.ETag, Key: input.Key}, nil
}

type mockAPIError struct {
	code       string
	message    string
	httpStatus int
}

func (e *mockAPIError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *mockAPIError) ErrorCode() string {
	return e.code
}

func (e *mockAPIError) ErrorMessage() string {
	return e.message
}

func (e *mockAPIError) ErrorFault() smithy.ErrorFault {
	if e.httpStatus >= 500 {
		return smithy.FaultServer
	}
	return smithy.FaultClient
}

// Ensure mockAPIError satisfies smithy.APIError.
var _ smithy.APIError = (*mockAPIError)(nil)

func newTestS3Backend(t *testing.T) (*S3Backend, *mockS3Client, *mockPresigner, *mockUploader) {
	t.Helper()
	client := newMockS3Client()
	presigner := &mockPresigner{}
	uploader := &mockUploader{client: client}
	return NewS3BackendWithClient("media-bucket", client, presigner, uploader), client, presigner, uploader
}

func TestS3PutAndGetObject(t *testing.T) {
	backend, client, _, _ := newTestS3Backend(t)
	ctx := context.Background()

	content := "hello media"
	etag, err := backend.PutObject(ctx, "media/hello.txt", strings.NewReader(content), int64(len(content)),
		PutOptions{ContentType: "text/plain", ACL: ACLPublicRead})
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if etag != etagOf([]byte(content)) {
		t.Errorf("ETag = %q, want %q", etag, etagOf([]byte(content)))
	}
	if got := client.objects["media/hello.txt"].acl; got != types.ObjectCannedACLPublicRead {
		t.Errorf("ACL = %q, want public-read", got)
	}

	body, info, err := backend.GetObject(ctx, "media/hello.txt")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != content {
		t.Errorf("data = %q, want %q", data, content)
	}
	if info.ContentType != "text/plain" || info.Size != int64(len(content)) {
		t.Errorf("info = %+v", info)
	}
}

func TestS3PutObjectOmitsEmptyACL(t *testing.T) {
	backend, client, _, _ := newTestS3Backend(t)
	if _, err := backend.PutObject(context.Background(), "a.txt", strings.NewReader("a"), 1, PutOptions{}); err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if acl := client.objects["a.txt"].acl; acl != "" {
		t.Errorf("ACL = %q, want empty", acl)
	}
}

func TestS3GetObjectNotFound(t *testing.T) {
	backend, _, _, _ := newTestS3Backend(t)
	_, _, err := backend.GetObject(context.Background(), "missing.png")
	if !IsNotFound(err) {
		t.Fatalf("expected not-found, got %v", err)
	}
}

func TestS3PutObjectMultipartClampsPartSize(t *testing.T) {
	backend, client, _, uploader := newTestS3Backend(t)

	_, err := backend.PutObjectMultipart(context.Background(), "big.bin", strings.NewReader("xyz"), 3,
		PutOptions{ContentType: "application/octet-stream"}, MultipartOptions{PartSize: 1024, Concurrency: 4})
	if err != nil {
		t.Fatalf("PutObjectMultipart failed: %v", err)
	}
	if uploader.calls != 1 {
		t.Fatalf("uploader calls = %d, want 1", uploader.calls)
	}
	if uploader.partSize != manager.MinUploadPartSize {
		t.Errorf("part size = %d, want %d", uploader.partSize, manager.MinUploadPartSize)
	}
	if uploader.concurrency != 4 {
		t.Errorf("concurrency = %d, want 4", uploader.concurrency)
	}
	if string(client.objects["big.bin"].data) != "xyz" {
		t.Error("multipart body not stored")
	}
}

func TestS3PutObjectMultipartKeepsLargePartSize(t *testing.T) {
	backend, _, _, uploader := newTestS3Backend(t)
	const part = 50 << 20
	_, err := backend.PutObjectMultipart(context.Background(), "big.bin", strings.NewReader("x"), 1,
		PutOptions{}, MultipartOptions{PartSize: part})
	if err != nil {
		t.Fatalf("PutObjectMultipart failed: %v", err)
	}
	if uploader.partSize != part {
		t.Errorf("part size = %d, want %d", uploader.partSize, part)
	}
	if uploader.concurrency != manager.DefaultUploadConcurrency {
		t.Errorf("concurrency = %d, want default", uploader.concurrency)
	}
}

func TestS3ObjectExists(t *testing.T) {
	backend, _, _, _ := newTestS3Backend(t)
	ctx := context.Background()

	exists, err := backend.ObjectExists(ctx, "photo.png")
	if err != nil || exists {
		t.Fatalf("ObjectExists before put = %v, %v", exists, err)
	}
	if _, err := backend.PutObject(ctx, "photo.png", strings.NewReader("png"), 3, PutOptions{}); err != nil {
		t.Fatal(err)
	}
	exists, err = backend.ObjectExists(ctx, "photo.png")
	if err != nil || !exists {
		t.Fatalf("ObjectExists after put = %v, %v", exists, err)
	}
}

func TestS3ObjectExistsPropagatesErrors(t *testing.T) {
	backend, client, _, _ := newTestS3Backend(t)
	client.headErr = &mockAPIError{code: "AccessDenied", message: "denied", httpStatus: 403}

	_, err := backend.ObjectExists(context.Background(), "photo.png")
	if err == nil {
		t.Fatal("expected error")
	}
	if IsNotFound(err) {
		t.Error("access denied must not be classified as not found")
	}
}

func TestS3DeleteObjectIdempotent(t *testing.T) {
	backend, client, _, _ := newTestS3Backend(t)
	client.deleteErr = &mockAPIError{code: "NoSuchKey", message: "gone", httpStatus: 404}
	if err := backend.DeleteObject(context.Background(), "missing"); err != nil {
		t.Fatalf("DeleteObject on missing key: %v", err)
	}

	client.deleteErr = &mockAPIError{code: "InternalError", message: "boom", httpStatus: 500}
	if err := backend.DeleteObject(context.Background(), "missing"); err == nil {
		t.Fatal("expected server error to surface")
	}
}

func TestS3ListObjectsPaginates(t *testing.T) {
	backend, client, _, _ := newTestS3Backend(t)
	client.pageSize = 2
	for _, k := range []string{"media/a", "media/b", "media/c", "media/d", "media/e", "other/x"} {
		client.objects[k] = mockS3Object{data: []byte(k)}
	}

	all, err := backend.ListObjects(context.Background(), "media/", 0)
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("got %d objects, want 5", len(all))
	}

	some, err := backend.ListObjects(context.Background(), "media/", 3)
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(some) != 3 || some[2].Key != "media/c" {
		t.Errorf("got %+v", some)
	}
}

func TestS3Presign(t *testing.T) {
	backend, _, presigner, _ := newTestS3Backend(t)
	ctx := context.Background()

	u, err := backend.PresignGetObject(ctx, "media/photo.png", 2*time.Hour)
	if err != nil {
		t.Fatalf("PresignGetObject failed: %v", err)
	}
	if !strings.Contains(u, "media-bucket") || !strings.Contains(u, "media/photo.png") {
		t.Errorf("URL = %q", u)
	}
	if presigner.lastExpires != 2*time.Hour {
		t.Errorf("expires = %v, want 2h", presigner.lastExpires)
	}

	u, err = backend.PresignPutObject(ctx, "media/photo.png", PutOptions{ContentType: "image/png"}, time.Hour)
	if err != nil {
		t.Fatalf("PresignPutObject failed: %v", err)
	}
	if !strings.Contains(u, "ct=image/png") {
		t.Errorf("PUT URL does not carry content type: %q", u)
	}
}

func TestIsAWSNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", &mockAPIError{code: "NoSuchKey"}, true},
		{"not found", &mockAPIError{code: "NotFound"}, true},
		{"typed", &types.NoSuchKey{}, true},
		{"wrapped", fmt.Errorf("op: %w", &mockAPIError{code: "NoSuchKey"}), true},
		{"denied", &mockAPIError{code: "AccessDenied"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isAWSNotFound(tt.err); got != tt.want {
				t.Errorf("isAWSNotFound = %v, want %v", got, tt.want)
			}
		})
	}
}
