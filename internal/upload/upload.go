// Package upload turns an upload event into stored blobs.
//
// An upload moves through received, mime-resolved, original-stored,
// variants-derived and complete. The failed stage is entered only from
// received, when no byte source exists. A failed original write is returned
// as a store error. Once the original is stored the upload has succeeded,
// and a variant that cannot be derived or written is recorded as nil.
package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/media"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/mimetype"
	"github.com/akshaykher243/payload-template/internal/storage"
	"github.com/akshaykher243/payload-template/internal/variant"
)

// DefaultThreshold is the payload size at which the multipart strategy is
// selected.
const DefaultThreshold int64 = 50 << 20

// partConcurrency is the number of multipart parts in flight.
const partConcurrency = 4

// Stage names a point in the upload state machine.
type Stage string

const (
	StageReceived       Stage = "received"
	StageMimeResolved   Stage = "mime-resolved"
	StageOriginalStored Stage = "original-stored"
	StageVariantsDone   Stage = "variants-derived"
	StageComplete       Stage = "complete"
	StageFailed         Stage = "failed"
)

// Request is one upload event. Exactly one of Data or TempFilePath supplies
// the bytes; Data wins when both are set.
type Request struct {
	ID               string
	Filename         string
	DeclaredMimeType string
	Data             []byte
	TempFilePath     string
	// Size is the payload length. Zero means derive it from the source.
	Size   int64
	Prefix string
	// VariantLabel marks the request as a variant write, which is stored
	// as-is without deriving further variants.
	VariantLabel string
}

// Options configures a Pipeline.
type Options struct {
	// Threshold selects multipart writes for payloads of at least this many
	// bytes. It is also the part size. Zero means DefaultThreshold.
	Threshold int64
	// ACL is applied to every written blob.
	ACL string
	// Variants are derived for every image upload.
	Variants []variant.Spec
	// VariantConcurrency > 1 derives variants in parallel with that bound.
	VariantConcurrency int
	// PublicBaseURL prefixes variant URLs.
	PublicBaseURL string
	// OnStage, when set, is called on every state transition.
	OnStage func(id string, stage Stage)
}

// Pipeline runs uploads against a store. It is safe for concurrent use.
type Pipeline struct {
	store storage.Backend
	opts  Options
	now   func() time.Time
}

// NewPipeline returns a Pipeline writing to store.
func NewPipeline(store storage.Backend, opts Options) *Pipeline {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	return &Pipeline{store: store, opts: opts, now: time.Now}
}

func (p *Pipeline) enter(req *Request, stage Stage) {
	slog.Debug("Upload stage", "id", req.ID, "filename", req.Filename, "stage", stage)
	if p.opts.OnStage != nil {
		p.opts.OnStage(req.ID, stage)
	}
}

// source opens the request's byte source and reports its size.
func source(req *Request) (io.ReadCloser, int64, error) {
	if req.Data != nil {
		size := req.Size
		if size <= 0 {
			size = int64(len(req.Data))
		}
		return io.NopCloser(bytes.NewReader(req.Data)), size, nil
	}
	if req.TempFilePath != "" {
		f, err := os.Open(req.TempFilePath)
		if err != nil {
			return nil, 0, mediaerr.ErrMissingByteSource.WithMessage("opening temp file %q", req.TempFilePath).Wrap(err)
		}
		size := req.Size
		if size <= 0 {
			st, err := f.Stat()
			if err != nil {
				f.Close()
				return nil, 0, fmt.Errorf("stat temp file: %w", err)
			}
			size = st.Size()
		}
		return f, size, nil
	}
	return nil, 0, mediaerr.ErrMissingByteSource
}

// Upload stores req's original and, for images, its variants. The returned
// LogicalFile carries the fields the caller persists.
func (p *Pipeline) Upload(ctx context.Context, req Request) (*media.LogicalFile, error) {
	p.enter(&req, StageReceived)

	body, size, err := source(&req)
	if err != nil {
		p.enter(&req, StageFailed)
		slog.Error("Upload rejected", "id", req.ID, "filename", req.Filename, "error", err)
		return nil, err
	}
	defer body.Close()

	contentType, corrected := mimetype.Effective(req.DeclaredMimeType, req.Filename)
	f := &media.LogicalFile{
		ID:                req.ID,
		Filename:          req.Filename,
		Prefix:            req.Prefix,
		DeclaredMimeType:  req.DeclaredMimeType,
		MimeTypeCorrected: corrected,
		Filesize:          size,
		StorageKey:        media.Key(req.Prefix, req.Filename),
		Variants:          map[string]*media.VariantRecord{},
		UpdatedAt:         p.now().UTC(),
	}
	if corrected {
		f.CorrectedMimeType = &contentType
		slog.Info("Corrected content type", "filename", req.Filename, "declared", req.DeclaredMimeType, "resolved", contentType)
	}
	p.enter(&req, StageMimeResolved)

	// Variants need the whole original in memory. A temp-file source is
	// teed into a buffer while the store consumes it.
	derive := mimetype.IsImage(contentType) && req.VariantLabel == "" && len(p.opts.Variants) > 0
	var (
		reader io.Reader = body
		buf    bytes.Buffer
	)
	if derive && req.Data == nil {
		buf.Grow(int(size))
		reader = io.TeeReader(body, &buf)
	}

	if err := p.writeOriginal(ctx, f.StorageKey, reader, size, contentType); err != nil {
		return nil, err
	}
	p.enter(&req, StageOriginalStored)

	if derive {
		original := req.Data
		if original == nil {
			original = buf.Bytes()
		}
		f.Variants = p.deriveVariants(ctx, f, original, contentType)
		p.enter(&req, StageVariantsDone)
	}

	p.enter(&req, StageComplete)
	return f, nil
}

// writeOriginal selects the write strategy by size. Payloads at or above the
// threshold go multipart with part size equal to the threshold.
func (p *Pipeline) writeOriginal(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	opts := storage.PutOptions{ContentType: contentType, ACL: p.opts.ACL}
	start := time.Now()

	var (
		strategy string
		err      error
	)
	if size >= p.opts.Threshold {
		strategy = "multipart"
		// A multipart write runs to completion or failure once started.
		_, err = p.store.PutObjectMultipart(context.WithoutCancel(ctx), key, r, size, opts, storage.MultipartOptions{
			PartSize:    p.opts.Threshold,
			Concurrency: partConcurrency,
		})
	} else {
		strategy = "single"
		_, err = p.store.PutObject(ctx, key, r, size, opts)
	}

	if err != nil {
		metrics.UploadsTotal.WithLabelValues(strategy, "error").Inc()
		slog.Error("Original write failed", "key", key, "strategy", strategy, "size", size, "error", err)
		return mediaerr.StoreBackend("write original", err)
	}
	metrics.UploadsTotal.WithLabelValues(strategy, "success").Inc()
	metrics.UploadBytesTotal.Add(float64(size))
	slog.Info("Stored original", "key", key, "strategy", strategy, "size", size, "duration", time.Since(start))
	return nil
}

// deriveVariants renders every configured spec. Failures are logged and
// recorded as nil entries.
func (p *Pipeline) deriveVariants(ctx context.Context, f *media.LogicalFile, original []byte, contentType string) map[string]*media.VariantRecord {
	specs := p.opts.Variants
	results := make([]*media.VariantRecord, len(specs))

	if p.opts.VariantConcurrency > 1 {
		var g errgroup.Group
		g.SetLimit(p.opts.VariantConcurrency)
		for i, spec := range specs {
			g.Go(func() error {
				results[i] = p.variant(ctx, f, original, contentType, spec)
				return nil
			})
		}
		_ = g.Wait()
	} else {
		for i, spec := range specs {
			results[i] = p.variant(ctx, f, original, contentType, spec)
		}
	}

	out := make(map[string]*media.VariantRecord, len(specs))
	for i, spec := range specs {
		out[spec.Name] = results[i]
	}
	return out
}

func (p *Pipeline) variant(ctx context.Context, f *media.LogicalFile, original []byte, contentType string, spec variant.Spec) *media.VariantRecord {
	rec, err := p.writeVariant(ctx, f, original, contentType, spec)
	if err != nil {
		metrics.VariantsTotal.WithLabelValues("failed").Inc()
		slog.Warn("Variant derivation failed", "filename", f.Filename, "variant", spec.Name,
			"error", mediaerr.VariantDerivation(spec.Name, err))
		return nil
	}
	metrics.VariantsTotal.WithLabelValues("success").Inc()
	return rec
}

func (p *Pipeline) writeVariant(ctx context.Context, f *media.LogicalFile, original []byte, contentType string, spec variant.Spec) (*media.VariantRecord, error) {
	res, err := variant.Derive(original, contentType, spec)
	if err != nil {
		return nil, err
	}

	name := variant.Filename(f.Filename, spec.Name)
	key := media.Key(f.Prefix, name)
	_, err = p.store.PutObject(ctx, key, bytes.NewReader(res.Data), int64(len(res.Data)), storage.PutOptions{
		ContentType: contentType,
		ACL:         p.opts.ACL,
	})
	if err != nil {
		return nil, fmt.Errorf("writing %s: %w", key, err)
	}

	return &media.VariantRecord{
		Filename:   name,
		Width:      res.Width,
		Height:     res.Height,
		MimeType:   contentType,
		Filesize:   int64(len(res.Data)),
		StorageKey: key,
		URL:        media.FileURL(p.opts.PublicBaseURL, name),
	}, nil
}
