package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/akshaykher243/payload-template/internal/deletion"
	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/logging"
	"github.com/akshaykher243/payload-template/internal/media"
	"github.com/akshaykher243/payload-template/internal/metadata"
	"github.com/akshaykher243/payload-template/internal/response"
	"github.com/akshaykher243/payload-template/internal/uid"
	"github.com/akshaykher243/payload-template/internal/upload"
)

// DefaultCollection is used when an upload names no collection.
const DefaultCollection = "media"

// multipartMemory is the part of a multipart form kept in memory; larger
// files spill to a temp file that the upload pipeline reads directly.
const multipartMemory = 32 << 20

// RecordsOptions configures a RecordsHandler.
type RecordsOptions struct {
	// Prefixes maps configured collection slugs to key prefixes.
	Prefixes       map[string]string
	PublicBaseURL  string
	MaxUploadBytes int64
}

// RecordsHandler implements the media records API.
type RecordsHandler struct {
	pipeline *upload.Pipeline
	deleter  *deletion.Pipeline
	records  metadata.RecordStore
	opts     RecordsOptions
	now      func() time.Time
}

// NewRecordsHandler creates a RecordsHandler with the given dependencies.
func NewRecordsHandler(pipeline *upload.Pipeline, deleter *deletion.Pipeline, records metadata.RecordStore, opts RecordsOptions) *RecordsHandler {
	return &RecordsHandler{
		pipeline: pipeline,
		deleter:  deleter,
		records:  records,
		opts:     opts,
		now:      time.Now,
	}
}

// RecordsPage is the JSON body of a record listing.
type RecordsPage struct {
	Docs      []media.Document `json:"docs"`
	HasMore   bool             `json:"hasMore"`
	NextAfter string           `json:"nextAfter,omitempty"`
}

// patchRequest is the JSON body of PATCH /media/records/{id}.
type patchRequest struct {
	Title *string `json:"title"`
}

// formUpload is a file read from a multipart form.
type formUpload struct {
	req        upload.Request
	title      string
	collection string
}

// readForm parses the multipart form and builds the upload request for its
// "file" part. The returned cleanup removes spilled temp files.
func (h *RecordsHandler) readForm(w http.ResponseWriter, r *http.Request) (*formUpload, func(), error) {
	noop := func() {}
	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, noop, mediaerr.ErrBadRequest.WithMessage("Upload exceeds %d bytes", tooLarge.Limit)
		}
		return nil, noop, mediaerr.ErrBadRequest.WithMessage("Expected a multipart form").Wrap(err)
	}
	cleanup := func() { r.MultipartForm.RemoveAll() }

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, cleanup, mediaerr.ErrBadRequest.WithMessage("Form field %q is required", "file")
	}
	defer file.Close()

	collection := r.FormValue("collection")
	if collection == "" {
		collection = DefaultCollection
	}
	prefix, ok := h.opts.Prefixes[collection]
	if !ok {
		return nil, cleanup, mediaerr.ErrBadRequest.WithMessage("Unknown collection %q", collection)
	}
	if p := r.FormValue("prefix"); p != "" {
		prefix = trimSlashes(p)
	}

	fu := &formUpload{
		title:      r.FormValue("title"),
		collection: collection,
		req: upload.Request{
			Filename:         header.Filename,
			DeclaredMimeType: header.Header.Get("Content-Type"),
			Size:             header.Size,
			Prefix:           prefix,
		},
	}

	// Spilled parts are already on disk.
	if f, ok := file.(*os.File); ok {
		fu.req.TempFilePath = f.Name()
		return fu, cleanup, nil
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return nil, cleanup, mediaerr.ErrBadRequest.WithMessage("Failed to read upload").Wrap(err)
	}
	fu.req.Data = data
	return fu, cleanup, nil
}

// store runs the upload pipeline and persists the resulting record. When the
// record cannot be persisted the just-written blobs are removed again, except
// those prev still references.
func (h *RecordsHandler) store(ctx context.Context, fu *formUpload, id string, createdAt time.Time, prev *media.LogicalFile) (*media.LogicalFile, error) {
	fu.req.ID = id
	f, err := h.pipeline.Upload(ctx, fu.req)
	if err != nil {
		return nil, err
	}

	f.Collection = fu.collection
	f.Title = fu.title
	if f.Title == "" {
		f.Title = media.DefaultTitle(f.Filename)
	}
	f.CreatedAt = createdAt
	f.UpdatedAt = h.now().UTC()

	if err := h.records.PutRecord(ctx, f); err != nil {
		if derr := h.deleter.DeleteExcept(context.WithoutCancel(ctx), f, prev); derr != nil {
			logging.FromContext(ctx).Error("Orphaned blobs after record write failure", "id", id, "error", derr)
		}
		return nil, mediaerr.ErrInternal.WithMessage("Failed to persist media record").Wrap(err)
	}
	return f, nil
}

// Create handles POST /media.
func (h *RecordsHandler) Create(w http.ResponseWriter, r *http.Request) {
	fu, cleanup, err := h.readForm(w, r)
	defer cleanup()
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	f, err := h.store(r.Context(), fu, uid.NewRecordID(), h.now().UTC(), nil)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	logging.FromContext(r.Context()).Info("Media record created", "id", f.ID, "filename", f.Filename, "collection", f.Collection)
	response.Created(w, f.ToDocument(h.opts.PublicBaseURL))
}

// List handles GET /media/records.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	res, err := h.records.ListRecords(r.Context(), metadata.ListRecordsOptions{
		After: r.URL.Query().Get("after"),
		Limit: parseLimit(r, "limit"),
	})
	if err != nil {
		response.WriteError(w, r, mediaerr.ErrInternal.Wrap(err))
		return
	}

	page := RecordsPage{
		Docs:      make([]media.Document, 0, len(res.Records)),
		HasMore:   res.IsTruncated,
		NextAfter: res.NextAfter,
	}
	for _, f := range res.Records {
		page.Docs = append(page.Docs, f.ToDocument(h.opts.PublicBaseURL))
	}
	response.OK(w, page)
}

// lookup returns the record named by the {id} route parameter or writes a
// 404.
func (h *RecordsHandler) lookup(w http.ResponseWriter, r *http.Request) *media.LogicalFile {
	id := urlParam(r, "id")
	f, err := h.records.GetRecord(r.Context(), id)
	if err != nil {
		response.WriteError(w, r, mediaerr.ErrInternal.Wrap(err))
		return nil
	}
	if f == nil {
		response.WriteError(w, r, mediaerr.ErrRecordNotFound.WithMessage("Media record %q not found", id))
		return nil
	}
	return f
}

// Get handles GET /media/records/{id}.
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	f := h.lookup(w, r)
	if f == nil {
		return
	}
	response.OK(w, f.ToDocument(h.opts.PublicBaseURL))
}

// Replace handles PUT /media/records/{id}. The new bytes go through the same
// path as Create. Once the new record is stored, blobs of the previous file
// are removed unless the new file now occupies the same key, whether as its
// original or as one of its variants.
func (h *RecordsHandler) Replace(w http.ResponseWriter, r *http.Request) {
	prev := h.lookup(w, r)
	if prev == nil {
		return
	}

	fu, cleanup, err := h.readForm(w, r)
	defer cleanup()
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	if r.FormValue("collection") == "" {
		fu.collection = prev.Collection
		if r.FormValue("prefix") == "" {
			fu.req.Prefix = prev.Prefix
		}
	}
	if fu.title == "" {
		fu.title = prev.Title
	}

	f, err := h.store(r.Context(), fu, prev.ID, prev.CreatedAt, prev)
	if err != nil {
		response.WriteError(w, r, err)
		return
	}

	if err := h.deleter.DeleteExcept(r.Context(), prev, f); err != nil {
		logging.FromContext(r.Context()).Warn("Previous blobs not fully removed", "id", prev.ID, "filename", prev.Filename, "error", err)
	}
	logging.FromContext(r.Context()).Info("Media record replaced", "id", f.ID, "filename", f.Filename, "previous", prev.Filename)
	response.OK(w, f.ToDocument(h.opts.PublicBaseURL))
}

// Update handles PATCH /media/records/{id}. Only metadata changes; blobs
// are untouched.
func (h *RecordsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var body patchRequest
	if err := decodeJSON(r, &body); err != nil {
		response.WriteError(w, r, err)
		return
	}

	f := h.lookup(w, r)
	if f == nil {
		return
	}
	if body.Title != nil {
		f.Title = *body.Title
	}
	f.UpdatedAt = h.now().UTC()

	if err := h.records.PutRecord(r.Context(), f); err != nil {
		response.WriteError(w, r, mediaerr.ErrInternal.Wrap(err))
		return
	}
	response.OK(w, f.ToDocument(h.opts.PublicBaseURL))
}

// Delete handles DELETE /media/records/{id}. The record is kept when a blob
// could not be removed so the delete can be retried.
func (h *RecordsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	f := h.lookup(w, r)
	if f == nil {
		return
	}

	if err := h.deleter.Delete(r.Context(), f); err != nil {
		response.WriteError(w, r, err)
		return
	}
	if err := h.records.DeleteRecord(r.Context(), f.ID); err != nil {
		response.WriteError(w, r, mediaerr.ErrInternal.Wrap(err))
		return
	}
	logging.FromContext(r.Context()).Info("Media record deleted", "id", f.ID, "filename", f.Filename)
	w.WriteHeader(http.StatusNoContent)
}
