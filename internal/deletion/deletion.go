// Package deletion removes every blob belonging to a logical file.
package deletion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/media"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/storage"
)

// Pipeline deletes blobs from a store.
type Pipeline struct {
	store storage.Backend
}

// NewPipeline returns a Pipeline for store.
func NewPipeline(store storage.Backend) *Pipeline {
	return &Pipeline{store: store}
}

// Delete removes f's original and every recorded variant. A blob that is
// already gone counts as deleted. A backend failure on one key does not stop
// the others; all failures are returned together.
func (p *Pipeline) Delete(ctx context.Context, f *media.LogicalFile) error {
	return p.DeleteExcept(ctx, f, nil)
}

// DeleteExcept is Delete restricted to the keys of f that keep does not also
// reference. It is used when keep replaces f and may have been written over
// some of f's keys.
func (p *Pipeline) DeleteExcept(ctx context.Context, f, keep *media.LogicalFile) error {
	if f == nil {
		return nil
	}

	retained := make(map[string]bool)
	if keep != nil {
		for _, key := range keep.Keys() {
			retained[key] = true
		}
	}

	var errs []error
	for _, key := range f.Keys() {
		if retained[key] {
			slog.Debug("Blob retained", "id", f.ID, "key", key)
			continue
		}
		err := p.store.DeleteObject(ctx, key)
		switch {
		case err == nil:
			metrics.DeletesTotal.WithLabelValues("deleted").Inc()
		case storage.IsNotFound(err):
			metrics.DeletesTotal.WithLabelValues("absent").Inc()
			slog.Debug("Blob already absent", "key", key)
		default:
			metrics.DeletesTotal.WithLabelValues("error").Inc()
			slog.Error("Blob delete failed", "id", f.ID, "key", key, "error", err)
			errs = append(errs, fmt.Errorf("delete %s: %w", key, err))
		}
	}

	if len(errs) > 0 {
		return mediaerr.StoreBackend("delete blobs", errors.Join(errs...))
	}
	slog.Info("Deleted media blobs", "id", f.ID, "filename", f.Filename)
	return nil
}
