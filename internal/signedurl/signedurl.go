// Package signedurl issues time-boxed write URLs for client-direct uploads.
package signedurl

import (
	"context"
	"log/slog"
	"time"

	"github.com/akshaykher243/payload-template/internal/auth"
	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/media"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/storage"
)

// DefaultExpiry bounds issued write URLs.
const DefaultExpiry = time.Hour

// Request names the object a client wants to write.
type Request struct {
	CollectionSlug string `json:"collectionSlug"`
	Filename       string `json:"filename"`
	MimeType       string `json:"mimeType"`
}

// Result is an issued write URL and the ACL the client must send with it.
type Result struct {
	URL string `json:"url"`
	ACL string `json:"acl,omitempty"`
}

// AccessFunc decides whether id may write to the collection.
type AccessFunc func(ctx context.Context, req Request, id *auth.Identity) bool

// Options configures an Issuer.
type Options struct {
	// Prefixes maps collection slugs to key prefixes. A slug absent from
	// the map is not configured for uploads.
	Prefixes map[string]string
	ACL      string
	// Expires defaults to DefaultExpiry.
	Expires time.Duration
	// Access defaults to requiring an authenticated identity.
	Access AccessFunc
}

// Issuer presigns PUT URLs against a store.
type Issuer struct {
	store storage.Backend
	opts  Options
}

// NewIssuer returns an Issuer for store.
func NewIssuer(store storage.Backend, opts Options) *Issuer {
	if opts.Expires <= 0 {
		opts.Expires = DefaultExpiry
	}
	if opts.Access == nil {
		opts.Access = func(_ context.Context, _ Request, id *auth.Identity) bool { return id != nil }
	}
	return &Issuer{store: store, opts: opts}
}

// Issue returns a write URL for req.Filename under the collection's prefix.
// The collection is checked before the access predicate runs.
func (i *Issuer) Issue(ctx context.Context, req Request, id *auth.Identity) (*Result, error) {
	if req.CollectionSlug == "" || req.Filename == "" || req.MimeType == "" {
		metrics.SignedURLsTotal.WithLabelValues("bad_request").Inc()
		return nil, mediaerr.ErrBadRequest.WithMessage("collectionSlug, filename and mimeType are required")
	}

	prefix, ok := i.opts.Prefixes[req.CollectionSlug]
	if !ok {
		metrics.SignedURLsTotal.WithLabelValues("not_configured").Inc()
		return nil, mediaerr.ErrCollectionNotConfigured.WithMessage("Collection %s was not found in storage options", req.CollectionSlug)
	}

	if !i.opts.Access(ctx, req, id) {
		metrics.SignedURLsTotal.WithLabelValues("forbidden").Inc()
		return nil, mediaerr.ErrForbidden
	}

	key := media.Key(prefix, req.Filename)
	u, err := i.store.PresignPutObject(ctx, key, storage.PutOptions{ContentType: req.MimeType, ACL: i.opts.ACL}, i.opts.Expires)
	if err != nil {
		metrics.SignedURLsTotal.WithLabelValues("error").Inc()
		return nil, mediaerr.StoreBackend("presign upload", err)
	}

	metrics.SignedURLsTotal.WithLabelValues("issued").Inc()
	slog.Info("Issued signed upload URL", "collection", req.CollectionSlug, "key", key, "expires", i.opts.Expires)
	return &Result{URL: u, ACL: i.opts.ACL}, nil
}
