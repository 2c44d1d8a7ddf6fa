package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// AzureBlobAPI defines the subset of the Azure Blob Storage client interface
// that the backend uses. This allows mocking in tests.
type AzureBlobAPI interface {
	// Upload writes r to a block blob, overwriting any existing blob, and
	// returns its ETag. A positive BlockSize selects a staged-block upload.
	Upload(ctx context.Context, containerName, blobName string, r io.Reader, opts AzureUploadOptions) (string, error)
	// Download opens a blob for reading.
	Download(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProps, error)
	// GetProperties returns a blob's properties.
	GetProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProps, error)
	// DeleteBlob deletes a blob. Returns an error if the blob does not exist.
	DeleteBlob(ctx context.Context, containerName, blobName string) error
	// ListBlobs lists up to max blobs with the given prefix.
	ListBlobs(ctx context.Context, containerName, prefix string, max int) ([]AzureBlobProps, error)
	// SASURL returns a blob URL carrying a service SAS token.
	SASURL(containerName, blobName string, perms sas.BlobPermissions, expiry time.Time) (string, error)
	// ContainerExists returns nil when the container is reachable.
	ContainerExists(ctx context.Context, containerName string) error
}

// AzureUploadOptions carries per-write settings.
type AzureUploadOptions struct {
	ContentType string
	BlockSize   int64
	Concurrency int
}

// AzureBlobProps holds the blob properties the backend reads.
type AzureBlobProps struct {
	Name         string
	Size         int64
	ContentType  string
	ETag         string
	LastModified time.Time
}

func (p *AzureBlobProps) info(key string) *ObjectInfo {
	return &ObjectInfo{
		Key:          key,
		Size:         p.Size,
		ContentType:  p.ContentType,
		ETag:         quoteETag(p.ETag),
		LastModified: p.LastModified,
	}
}

// AzureOptions configures an AzureBackend.
type AzureOptions struct {
	Container string
	// AccountURL is the storage account URL (e.g. https://account.blob.core.windows.net).
	AccountURL string
	// ConnectionString enables shared-key auth. Signed URLs need it.
	ConnectionString   string
	UseManagedIdentity bool
}

// AzureBackend implements Backend against an Azure Blob Storage container.
//
// Azure has no per-object canned ACL; public access is a container setting,
// so PutOptions.ACL is ignored.
type AzureBackend struct {
	// Container is the upstream Azure Blob container name.
	Container string
	client    AzureBlobAPI
}

// NewAzureBackend creates an AzureBackend and verifies the container exists.
func NewAzureBackend(ctx context.Context, opts AzureOptions) (*AzureBackend, error) {
	client, err := newRealAzureClient(opts.AccountURL, opts.ConnectionString, opts.UseManagedIdentity)
	if err != nil {
		return nil, fmt.Errorf("creating Azure client: %w", err)
	}

	b := &AzureBackend{Container: opts.Container, client: client}
	if err := b.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("cannot access Azure container %q: %w", opts.Container, err)
	}

	slog.Info("Azure backend initialized", "container", opts.Container, "account_url", opts.AccountURL)
	return b, nil
}

// NewAzureBackendWithClient creates an AzureBackend with a pre-configured
// client. This is primarily used for testing with mock clients.
func NewAzureBackendWithClient(containerName string, client AzureBlobAPI) *AzureBackend {
	return &AzureBackend{Container: containerName, client: client}
}

// PutObject uploads the reader's contents as a single block blob.
func (b *AzureBackend) PutObject(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions) (string, error) {
	etag, err := b.client.Upload(ctx, b.Container, key, reader, AzureUploadOptions{
		ContentType: opts.ContentType,
	})
	if err != nil {
		return "", fmt.Errorf("uploading to Azure Blob: %w", err)
	}
	return quoteETag(etag), nil
}

// PutObjectMultipart stages PartSize blocks with bounded parallelism and
// commits the block list once every block has been staged.
func (b *AzureBackend) PutObjectMultipart(ctx context.Context, key string, reader io.Reader, size int64, opts PutOptions, mp MultipartOptions) (string, error) {
	etag, err := b.client.Upload(ctx, b.Container, key, reader, AzureUploadOptions{
		ContentType: opts.ContentType,
		BlockSize:   max(mp.PartSize, 1),
		Concurrency: max(mp.Concurrency, 1),
	})
	if err != nil {
		return "", fmt.Errorf("block upload to Azure Blob: %w", err)
	}
	return quoteETag(etag), nil
}

// GetObject opens key for streaming.
func (b *AzureBackend) GetObject(ctx context.Context, key string) (io.ReadCloser, *ObjectInfo, error) {
	body, props, err := b.client.Download(ctx, b.Container, key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, nil, fmt.Errorf("getting object from Azure Blob: %w", err)
	}
	return body, props.info(key), nil
}

// HeadObject returns key's properties.
func (b *AzureBackend) HeadObject(ctx context.Context, key string) (*ObjectInfo, error) {
	props, err := b.client.GetProperties(ctx, b.Container, key)
	if err != nil {
		if isAzureNotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("getting blob properties from Azure: %w", err)
	}
	return props.info(key), nil
}

// ObjectExists checks whether key exists in the container.
func (b *AzureBackend) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := b.HeadObject(ctx, key)
	if err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("checking blob existence in Azure: %w", err)
	}
	return true, nil
}

// DeleteObject removes key. Idempotent: catches not-found silently.
func (b *AzureBackend) DeleteObject(ctx context.Context, key string) error {
	err := b.client.DeleteBlob(ctx, b.Container, key)
	if err != nil && !isAzureNotFound(err) {
		return fmt.Errorf("deleting object from Azure Blob: %w", err)
	}
	return nil
}

// ListObjects returns up to maxKeys blobs under prefix.
func (b *AzureBackend) ListObjects(ctx context.Context, prefix string, maxKeys int) ([]ObjectInfo, error) {
	items, err := b.client.ListBlobs(ctx, b.Container, prefix, maxKeys)
	if err != nil {
		return nil, fmt.Errorf("listing blobs in Azure: %w", err)
	}
	out := make([]ObjectInfo, 0, len(items))
	for i := range items {
		out = append(out, *items[i].info(items[i].Name))
	}
	return out, nil
}

// PresignGetObject returns a read-only SAS URL for key.
func (b *AzureBackend) PresignGetObject(ctx context.Context, key string, expires time.Duration) (string, error) {
	u, err := b.client.SASURL(b.Container, key, sas.BlobPermissions{Read: true}, time.Now().Add(expires))
	if err != nil {
		return "", fmt.Errorf("signing Azure SAS for read: %w", err)
	}
	return u, nil
}

// PresignPutObject returns a create/write SAS URL for key. SAS tokens cannot
// bind a content type, so the uploader sets x-ms-blob-content-type itself.
func (b *AzureBackend) PresignPutObject(ctx context.Context, key string, opts PutOptions, expires time.Duration) (string, error) {
	u, err := b.client.SASURL(b.Container, key, sas.BlobPermissions{Create: true, Write: true}, time.Now().Add(expires))
	if err != nil {
		return "", fmt.Errorf("signing Azure SAS for write: %w", err)
	}
	return u, nil
}

// HealthCheck verifies that the container is accessible.
func (b *AzureBackend) HealthCheck(ctx context.Context) error {
	return b.client.ContainerExists(ctx, b.Container)
}

// isAzureNotFound checks if an Azure error indicates a resource was not found.
func isAzureNotFound(err error) bool {
	if err == nil {
		return false
	}
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound, bloberror.ResourceNotFound) {
		return true
	}
	if errors.Is(err, ErrObjectNotFound) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "blobnotfound") || strings.Contains(msg, "containernotfound") ||
		strings.Contains(msg, "the specified blob does not exist") ||
		strings.Contains(msg, "the specified container does not exist")
}

// Ensure AzureBackend implements Backend at compile time.
var _ Backend = (*AzureBackend)(nil)
