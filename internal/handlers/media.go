package handlers

import (
	"net/http"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/logging"
	"github.com/akshaykher243/payload-template/internal/metadata"
	"github.com/akshaykher243/payload-template/internal/response"
	"github.com/akshaykher243/payload-template/internal/retrieval"
)

// MediaHandler serves stored originals and variants.
type MediaHandler struct {
	svc     *retrieval.Service
	records metadata.RecordStore
	bucket  string
}

// NewMediaHandler creates a MediaHandler. records may be nil, in which case
// per-collection download settings are never applied.
func NewMediaHandler(svc *retrieval.Service, records metadata.RecordStore, bucket string) *MediaHandler {
	return &MediaHandler{svc: svc, records: records, bucket: bucket}
}

// GetFile handles GET /media/file/{filename}.
func (h *MediaHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, urlParam(r, "filename"), "")
}

// GetSize handles GET /media/size/{size}/{filename}.
func (h *MediaHandler) GetSize(w http.ResponseWriter, r *http.Request) {
	size := urlParam(r, "size")
	if size == "" {
		response.WriteError(w, r, mediaerr.ErrBadRequest.WithMessage("Size is required"))
		return
	}
	h.serve(w, r, urlParam(r, "filename"), size)
}

func (h *MediaHandler) serve(w http.ResponseWriter, r *http.Request, filename, label string) {
	if filename == "" {
		response.WriteError(w, r, mediaerr.ErrBadRequest.WithMessage("Filename is required"))
		return
	}
	if h.bucket == "" {
		response.WriteError(w, r, mediaerr.ErrBadRequest.WithMessage("Bucket is not configured"))
		return
	}

	q := r.URL.Query()
	resp, err := h.svc.Retrieve(r.Context(), retrieval.Request{
		Filename:     filename,
		Label:        label,
		Collection:   h.collection(r, filename),
		IfNoneMatch:  ifNoneMatch(r),
		ClientUpload: q.Has("clientUploadContext"),
		Header:       r.Header,
		HeadOnly:     r.Method == http.MethodHead,
	})
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	writeRetrieval(w, r, resp)
}

// collection looks up the collection a filename was uploaded to. Lookup
// failures fall back to the global download settings.
func (h *MediaHandler) collection(r *http.Request, filename string) string {
	if slug := r.URL.Query().Get("collection"); slug != "" {
		return slug
	}
	if h.records == nil {
		return ""
	}
	rec, err := h.records.FindByFilename(r.Context(), filename)
	if err != nil {
		logging.FromContext(r.Context()).Warn("Record lookup failed", "filename", filename, "error", err)
		return ""
	}
	if rec == nil {
		return ""
	}
	return rec.Collection
}
