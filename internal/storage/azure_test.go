package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// mockAzureClient implements AzureBlobAPI for unit testing.
type mockAzureClient struct {
	// blobs stores blob data keyed by "container/blob".
	blobs        map[string][]byte
	contentTypes map[string]string
	// lastUpload records the options of the most recent upload.
	lastUpload AzureUploadOptions
	// uploadCalls tracks the number of Upload calls.
	uploadCalls int
	// deleteCalls tracks the number of DeleteBlob calls.
	deleteCalls int
	// lastPerms records the permissions of the most recent SAS request.
	lastPerms sas.BlobPermissions
	// sasErr, when set, is returned from SASURL.
	sasErr error
}

func newMockAzureClient() *mockAzureClient {
	return &mockAzureClient{
		blobs:        make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

func (m *mockAzureClient) Upload(ctx context.Context, containerName, blobName string, r io.Reader, opts AzureUploadOptions) (string, error) {
	m.uploadCalls++
	m.lastUpload = opts
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	key := containerName + "/" + blobName
	m.blobs[key] = data
	m.contentTypes[key] = opts.ContentType
	return fmt.Sprintf("0x%X", md5.Sum(data)), nil
}

func (m *mockAzureClient) props(containerName, blobName string) (*AzureBlobProps, error) {
	key := containerName + "/" + blobName
	data, ok := m.blobs[key]
	if !ok {
		return nil, fmt.Errorf("BlobNotFound: the specified blob does not exist")
	}
	return &AzureBlobProps{
		Name:        blobName,
		Size:        int64(len(data)),
		ContentType: m.contentTypes[key],
		ETag:        fmt.Sprintf("0x%X", md5.Sum(data)),
	}, nil
}

func (m *mockAzureClient) Download(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProps, error) {
	p, err := m.props(containerName, blobName)
	if err != nil {
		return nil, nil, err
	}
	return io.NopCloser(bytes.NewReader(m.blobs[containerName+"/"+blobName])), p, nil
}

func (m *mockAzureClient) GetProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProps, error) {
	return m.props(containerName, blobName)
}

func (m *mockAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	m.deleteCalls++
	key := containerName + "/" + blobName
	if _, ok := m.blobs[key]; !ok {
		return fmt.Errorf("BlobNotFound: the specified blob does not exist")
	}
	delete(m.blobs, key)
	return nil
}

func (m *mockAzureClient) ListBlobs(ctx context.Context, containerName, prefix string, max int) ([]AzureBlobProps, error) {
	var names []string
	for k := range m.blobs {
		name, ok := strings.CutPrefix(k, containerName+"/")
		if ok && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	if max > 0 && len(names) > max {
		names = names[:max]
	}
	out := make([]AzureBlobProps, 0, len(names))
	for _, n := range names {
		p, _ := m.props(containerName, n)
		out = append(out, *p)
	}
	return out, nil
}

func (m *mockAzureClient) SASURL(containerName, blobName string, perms sas.BlobPermissions, expiry time.Time) (string, error) {
	m.lastPerms = perms
	if m.sasErr != nil {
		return "", m.sasErr
	}
	return fmt.Sprintf("https://acct.blob.core.windows.net/%s/%s?sp=%s&sig=x", containerName, blobName, perms.String()), nil
}

func (m *mockAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	return nil
}

func TestAzurePutAndGetObject(t *testing.T) {
	client := newMockAzureClient()
	backend := NewAzureBackendWithClient("media", client)
	ctx := context.Background()

	etag, err := backend.PutObject(ctx, "photo.png", strings.NewReader("png"), 3, PutOptions{ContentType: "image/png"})
	if err != nil {
		t.Fatalf("PutObject failed: %v", err)
	}
	if !strings.HasPrefix(etag, `"0x`) {
		t.Errorf("ETag = %q, want quoted Azure ETag", etag)
	}
	if client.lastUpload.BlockSize != 0 {
		t.Errorf("single put staged blocks of %d", client.lastUpload.BlockSize)
	}

	body, info, err := backend.GetObject(ctx, "photo.png")
	if err != nil {
		t.Fatalf("GetObject failed: %v", err)
	}
	defer body.Close()
	data, _ := io.ReadAll(body)
	if string(data) != "png" || info.ContentType != "image/png" || info.ETag != etag {
		t.Errorf("got %q %+v", data, info)
	}
}

func TestAzurePutObjectMultipartStagesBlocks(t *testing.T) {
	client := newMockAzureClient()
	backend := NewAzureBackendWithClient("media", client)

	_, err := backend.PutObjectMultipart(context.Background(), "video.mp4", strings.NewReader("abcdef"), 6,
		PutOptions{ContentType: "video/mp4"}, MultipartOptions{PartSize: 4 << 20, Concurrency: 4})
	if err != nil {
		t.Fatalf("PutObjectMultipart failed: %v", err)
	}
	if client.lastUpload.BlockSize != 4<<20 || client.lastUpload.Concurrency != 4 {
		t.Errorf("upload options = %+v", client.lastUpload)
	}
	if string(client.blobs["media/video.mp4"]) != "abcdef" {
		t.Error("blob not stored")
	}
}

func TestAzureNotFound(t *testing.T) {
	backend := NewAzureBackendWithClient("media", newMockAzureClient())
	ctx := context.Background()

	if _, _, err := backend.GetObject(ctx, "missing"); !IsNotFound(err) {
		t.Errorf("GetObject: expected not-found, got %v", err)
	}
	exists, err := backend.ObjectExists(ctx, "missing")
	if err != nil || exists {
		t.Errorf("ObjectExists = %v, %v", exists, err)
	}
	if err := backend.DeleteObject(ctx, "missing"); err != nil {
		t.Errorf("DeleteObject on missing blob: %v", err)
	}
}

func TestAzureListObjects(t *testing.T) {
	client := newMockAzureClient()
	backend := NewAzureBackendWithClient("media", client)
	client.blobs["media/a.png"] = []byte("a")
	client.blobs["media/b.png"] = []byte("b")
	client.blobs["other/c.png"] = []byte("c")

	got, err := backend.ListObjects(context.Background(), "", 1)
	if err != nil {
		t.Fatalf("ListObjects failed: %v", err)
	}
	if len(got) != 1 || got[0].Key != "a.png" {
		t.Errorf("got %+v", got)
	}
}

func TestAzurePresignPermissions(t *testing.T) {
	client := newMockAzureClient()
	backend := NewAzureBackendWithClient("media", client)
	ctx := context.Background()

	if _, err := backend.PresignGetObject(ctx, "photo.png", time.Hour); err != nil {
		t.Fatalf("PresignGetObject failed: %v", err)
	}
	if !client.lastPerms.Read || client.lastPerms.Write {
		t.Errorf("GET perms = %+v", client.lastPerms)
	}

	if _, err := backend.PresignPutObject(ctx, "photo.png", PutOptions{}, time.Hour); err != nil {
		t.Fatalf("PresignPutObject failed: %v", err)
	}
	if client.lastPerms.Read || !client.lastPerms.Write || !client.lastPerms.Create {
		t.Errorf("PUT perms = %+v", client.lastPerms)
	}

	client.sasErr = errors.New("SAS can only be signed with a SharedKeyCredential")
	if _, err := backend.PresignGetObject(ctx, "photo.png", time.Hour); err == nil {
		t.Error("expected signing error")
	}
}

func TestIsAzureNotFound(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("BlobNotFound"), true},
		{errors.New("The specified container does not exist."), true},
		{fmt.Errorf("wrapped: %w", ErrObjectNotFound), true},
		{errors.New("AuthorizationFailure"), false},
	}
	for _, tt := range tests {
		if got := isAzureNotFound(tt.err); got != tt.want {
			t.Errorf("isAzureNotFound(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
