// Package keys locates a stored blob among the historical key conventions.
//
// Candidate lists are pure and ordered; the Resolver probes them against the
// store in that order and the first existing key wins, even when a later
// candidate also exists.
package keys

import (
	"context"
	"errors"
	"log/slog"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/metrics"
	"github.com/akshaykher243/payload-template/internal/storage"
	"github.com/akshaykher243/payload-template/internal/variant"
)

// legacyPrefixes are the key prefixes older uploads were written under.
var legacyPrefixes = []string{"media", "uploads"}

// OriginalCandidates returns the ordered candidate keys for an original:
// the bare filename, then each legacy prefix.
func OriginalCandidates(filename string) []string {
	out := []string{filename}
	for _, p := range legacyPrefixes {
		out = append(out, p+"/"+filename)
	}
	return out
}

// VariantCandidates returns the ordered candidate keys for the label
// variant of filename.
func VariantCandidates(filename, label string) []string {
	vf := variant.Filename(filename, label)
	out := []string{vf, label + "/" + filename}
	for _, p := range legacyPrefixes {
		out = append(out, p+"/"+vf)
	}
	return append(out, "sizes/"+label+"/"+filename)
}

// Candidates dispatches on label: empty selects the original's list.
func Candidates(filename, label string) []string {
	if label == "" {
		return OriginalCandidates(filename)
	}
	return VariantCandidates(filename, label)
}

// Resolver probes candidate keys against a store.
type Resolver struct {
	store storage.Backend
}

// NewResolver returns a Resolver over store.
func NewResolver(store storage.Backend) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns the first candidate key for filename (and label, when
// non-empty) that exists. A probe error on one candidate is logged and the
// probe moves on. When nothing exists it returns mediaerr.ErrNotFound,
// unless every probe failed, in which case the store is unreachable and a
// StoreBackend error is returned instead.
func (r *Resolver) Resolve(ctx context.Context, filename, label string) (string, error) {
	candidates := Candidates(filename, label)
	var errs []error
	for _, key := range candidates {
		exists, err := r.store.ObjectExists(ctx, key)
		if err != nil {
			metrics.KeyProbesTotal.WithLabelValues("error").Inc()
			slog.Warn("Key probe failed", "key", key, "error", err)
			errs = append(errs, err)
			continue
		}
		if exists {
			metrics.KeyProbesTotal.WithLabelValues("hit").Inc()
			slog.Debug("Key resolved", "filename", filename, "label", label, "key", key)
			return key, nil
		}
		metrics.KeyProbesTotal.WithLabelValues("miss").Inc()
	}

	if len(errs) == len(candidates) {
		return "", mediaerr.StoreBackend("resolve key", errors.Join(errs...))
	}
	return "", mediaerr.ErrNotFound.WithMessage("No stored key matches %q", filename)
}
