// Package retrieval serves stored blobs back to HTTP callers.
package retrieval

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/keys"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/mimetype"
	"github.com/akshaykher243/payload-template/internal/storage"
)

// CacheControl is sent with every served blob. Stored keys are never
// rewritten in place, so responses are immutable.
const CacheControl = "public, max-age=31536000, immutable"

// DefaultDownloadExpiry bounds signed download URLs.
const DefaultDownloadExpiry = 2 * time.Hour

// Kind discriminates a Response.
type Kind int

const (
	KindBody Kind = iota
	KindNotModified
	KindRedirect
)

// Request is one read request.
type Request struct {
	Filename string
	// Label selects a variant; empty means the original.
	Label string
	// Collection selects per-collection download settings.
	Collection string
	// IfNoneMatch carries the caller's If-None-Match (or ETag) header.
	IfNoneMatch string
	// ClientUpload marks requests that are part of a client-direct upload
	// flow; these are never redirected.
	ClientUpload bool
	// Header is the raw request header, for access predicates.
	Header http.Header
	// HeadOnly reads the blob's attributes without fetching its bytes.
	HeadOnly bool
}

// Response is the outcome of a retrieval.
type Response struct {
	Kind   Kind
	Status int
	Key    string
	Header http.Header
	// Body is set for KindBody only, and is nil for HeadOnly requests.
	Body []byte
	// Location is set for KindRedirect only.
	Location string
}

// DownloadPolicy controls signed-download redirects.
type DownloadPolicy struct {
	Enabled bool
	Expires time.Duration
}

// AccessFunc decides whether a request may be redirected to a signed URL.
type AccessFunc func(ctx context.Context, req Request) bool

// Options configures a Service.
type Options struct {
	Downloads DownloadPolicy
	// Collections overrides Downloads per collection slug.
	Collections map[string]DownloadPolicy
	// Access defaults to allowing every request.
	Access AccessFunc
}

// Service resolves and serves blobs.
type Service struct {
	store    storage.Backend
	resolver *keys.Resolver
	opts     Options
}

// NewService returns a Service reading from store.
func NewService(store storage.Backend, resolver *keys.Resolver, opts Options) *Service {
	if opts.Access == nil {
		opts.Access = func(context.Context, Request) bool { return true }
	}
	return &Service{store: store, resolver: resolver, opts: opts}
}

func (s *Service) policy(collection string) DownloadPolicy {
	p := s.opts.Downloads
	if c, ok := s.opts.Collections[collection]; ok {
		p = c
	}
	if p.Expires <= 0 {
		p.Expires = DefaultDownloadExpiry
	}
	return p
}

// Retrieve resolves req to a stored key and returns a redirect, a 304 or the
// full body with caching headers.
func (s *Service) Retrieve(ctx context.Context, req Request) (*Response, error) {
	key, err := s.resolver.Resolve(ctx, req.Filename, req.Label)
	if err != nil {
		s.count(err)
		return nil, err
	}

	if p := s.policy(req.Collection); p.Enabled && !req.ClientUpload && s.opts.Access(ctx, req) {
		u, err := s.store.PresignGetObject(ctx, key, p.Expires)
		if err != nil {
			metrics.RetrievalsTotal.WithLabelValues("error").Inc()
			return nil, mediaerr.StoreBackend("presign download", err)
		}
		metrics.RetrievalsTotal.WithLabelValues("redirect").Inc()
		return &Response{Kind: KindRedirect, Status: http.StatusFound, Key: key, Location: u}, nil
	}

	if req.HeadOnly {
		info, err := s.store.HeadObject(ctx, key)
		if err != nil {
			return nil, s.readFailed(req, "head object", err)
		}
		header := objectHeader(info, req.Filename)
		header.Set("Content-Length", strconv.FormatInt(info.Size, 10))
		if ETagMatches(req.IfNoneMatch, info.ETag) {
			metrics.RetrievalsTotal.WithLabelValues("not_modified").Inc()
			return &Response{Kind: KindNotModified, Status: http.StatusNotModified, Key: key, Header: header}, nil
		}
		metrics.RetrievalsTotal.WithLabelValues("ok").Inc()
		return &Response{Kind: KindBody, Status: http.StatusOK, Key: key, Header: header}, nil
	}

	body, info, err := s.store.GetObject(ctx, key)
	if err != nil {
		return nil, s.readFailed(req, "get object", err)
	}

	header := objectHeader(info, req.Filename)
	if ETagMatches(req.IfNoneMatch, info.ETag) {
		body.Close()
		header.Set("Content-Length", strconv.FormatInt(info.Size, 10))
		metrics.RetrievalsTotal.WithLabelValues("not_modified").Inc()
		return &Response{Kind: KindNotModified, Status: http.StatusNotModified, Key: key, Header: header}, nil
	}

	data, err := io.ReadAll(body)
	// Close on every path so a failed read releases the connection.
	body.Close()
	if err != nil {
		metrics.RetrievalsTotal.WithLabelValues("error").Inc()
		slog.Error("Blob stream failed", "key", key, "error", err)
		return nil, mediaerr.Stream(key, err)
	}

	header.Set("Content-Length", strconv.Itoa(len(data)))
	metrics.RetrievalsTotal.WithLabelValues("ok").Inc()
	return &Response{Kind: KindBody, Status: http.StatusOK, Key: key, Header: header, Body: data}, nil
}

// readFailed maps a store read error after a successful resolve.
func (s *Service) readFailed(req Request, op string, err error) error {
	if storage.IsNotFound(err) {
		// Deleted between the existence check and the read.
		metrics.RetrievalsTotal.WithLabelValues("not_found").Inc()
		return mediaerr.ErrNotFound.WithMessage("No stored key matches %q", req.Filename)
	}
	metrics.RetrievalsTotal.WithLabelValues("error").Inc()
	return mediaerr.StoreBackend(op, err)
}

func objectHeader(info *storage.ObjectInfo, filename string) http.Header {
	header := make(http.Header)
	header.Set("Content-Type", contentType(info.ContentType, filename))
	header.Set("Cache-Control", CacheControl)
	header.Set("Accept-Ranges", "bytes")
	if info.ETag != "" {
		header.Set("ETag", info.ETag)
	}
	return header
}

func (s *Service) count(err error) {
	if mediaerr.IsKind(err, mediaerr.KindNotFound) {
		metrics.RetrievalsTotal.WithLabelValues("not_found").Inc()
		return
	}
	metrics.RetrievalsTotal.WithLabelValues("error").Inc()
}

// contentType returns stored unless it is a placeholder, in which case the
// type is recomputed from filename.
func contentType(stored, filename string) string {
	if mimetype.IsPlaceholder(stored) {
		return mimetype.Resolve(filename)
	}
	return stored
}

func normalizeETag(e string) string {
	e = strings.TrimSpace(e)
	e = strings.TrimPrefix(e, "W/")
	return strings.Trim(e, `"`)
}

// ETagMatches reports whether the If-None-Match style header lists etag.
// Quotes and weak prefixes are ignored; "*" matches any stored blob.
func ETagMatches(header, etag string) bool {
	if header == "" || etag == "" {
		return false
	}
	if strings.TrimSpace(header) == "*" {
		return true
	}
	want := normalizeETag(etag)
	for _, tag := range strings.Split(header, ",") {
		if normalizeETag(tag) == want {
			return true
		}
	}
	return false
}
