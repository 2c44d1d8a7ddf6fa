package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/container"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"
)

// realAzureClient wraps the official Azure SDK client to satisfy AzureBlobAPI.
type realAzureClient struct {
	client *azblob.Client
}

// newRealAzureClient creates a real Azure Blob client. If connectionString is
// non-empty, it uses connection string auth, which is also the only mode that
// can sign SAS URLs. If useManagedIdentity is true, it uses managed identity
// credentials. Otherwise it falls back to DefaultAzureCredential.
func newRealAzureClient(accountURL, connectionString string, useManagedIdentity bool) (*realAzureClient, error) {
	if connectionString != "" {
		client, err := azblob.NewClientFromConnectionString(connectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("creating Azure Blob client from connection string: %w", err)
		}
		return &realAzureClient{client: client}, nil
	}

	var (
		cred azcore.TokenCredential
		err  error
	)
	if useManagedIdentity {
		cred, err = azidentity.NewManagedIdentityCredential(nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("creating Azure credential: %w", err)
	}

	client, err := azblob.NewClient(accountURL, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("creating Azure Blob client: %w", err)
	}
	return &realAzureClient{client: client}, nil
}

func etagString(e *azcore.ETag) string {
	if e == nil {
		return ""
	}
	return string(*e)
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func (c *realAzureClient) blobClient(containerName, blobName string) *blob.Client {
	return c.client.ServiceClient().NewContainerClient(containerName).NewBlobClient(blobName)
}

func (c *realAzureClient) Upload(ctx context.Context, containerName, blobName string, r io.Reader, opts AzureUploadOptions) (string, error) {
	headers := &blob.HTTPHeaders{}
	if opts.ContentType != "" {
		headers.BlobContentType = &opts.ContentType
	}

	if opts.BlockSize > 0 {
		resp, err := c.client.UploadStream(ctx, containerName, blobName, r, &azblob.UploadStreamOptions{
			BlockSize:   opts.BlockSize,
			Concurrency: opts.Concurrency,
			HTTPHeaders: headers,
		})
		if err != nil {
			return "", err
		}
		return etagString(resp.ETag), nil
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	resp, err := c.client.UploadBuffer(ctx, containerName, blobName, data, &azblob.UploadBufferOptions{
		HTTPHeaders: headers,
	})
	if err != nil {
		return "", err
	}
	return etagString(resp.ETag), nil
}

func (c *realAzureClient) Download(ctx context.Context, containerName, blobName string) (io.ReadCloser, *AzureBlobProps, error) {
	resp, err := c.client.DownloadStream(ctx, containerName, blobName, nil)
	if err != nil {
		return nil, nil, err
	}
	return resp.Body, &AzureBlobProps{
		Name:         blobName,
		Size:         deref(resp.ContentLength),
		ContentType:  deref(resp.ContentType),
		ETag:         etagString(resp.ETag),
		LastModified: deref(resp.LastModified),
	}, nil
}

func (c *realAzureClient) GetProperties(ctx context.Context, containerName, blobName string) (*AzureBlobProps, error) {
	resp, err := c.blobClient(containerName, blobName).GetProperties(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &AzureBlobProps{
		Name:         blobName,
		Size:         deref(resp.ContentLength),
		ContentType:  deref(resp.ContentType),
		ETag:         etagString(resp.ETag),
		LastModified: deref(resp.LastModified),
	}, nil
}

func (c *realAzureClient) DeleteBlob(ctx context.Context, containerName, blobName string) error {
	_, err := c.client.DeleteBlob(ctx, containerName, blobName, nil)
	return err
}

func (c *realAzureClient) ListBlobs(ctx context.Context, containerName, prefix string, max int) ([]AzureBlobProps, error) {
	opts := &azblob.ListBlobsFlatOptions{}
	if prefix != "" {
		opts.Prefix = &prefix
	}
	pager := c.client.NewListBlobsFlatPager(containerName, opts)

	var out []AzureBlobProps
	for pager.More() && (max <= 0 || len(out) < max) {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range page.Segment.BlobItems {
			out = append(out, blobItemProps(item))
			if max > 0 && len(out) == max {
				break
			}
		}
	}
	return out, nil
}

func blobItemProps(item *container.BlobItem) AzureBlobProps {
	p := AzureBlobProps{Name: deref(item.Name)}
	if props := item.Properties; props != nil {
		p.Size = deref(props.ContentLength)
		p.ContentType = deref(props.ContentType)
		p.ETag = etagString(props.ETag)
		p.LastModified = deref(props.LastModified)
	}
	return p
}

func (c *realAzureClient) SASURL(containerName, blobName string, perms sas.BlobPermissions, expiry time.Time) (string, error) {
	return c.blobClient(containerName, blobName).GetSASURL(perms, expiry, nil)
}

func (c *realAzureClient) ContainerExists(ctx context.Context, containerName string) error {
	_, err := c.client.ServiceClient().NewContainerClient(containerName).GetProperties(ctx, nil)
	return err
}
