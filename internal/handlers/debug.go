package handlers

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"time"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/mimetype"
	"github.com/akshaykher243/payload-template/internal/response"
	"github.com/akshaykher243/payload-template/internal/storage"
	"github.com/akshaykher243/payload-template/internal/variant"
)

// debugListLimit caps the objects returned by the files endpoint.
const debugListLimit = 100

// Dimensions of the image rendered by the variants self-check.
const (
	sampleWidth  = 1200
	sampleHeight = 900
)

// DebugHandler exposes diagnostics. It is only mounted when debugging is
// enabled in the configuration.
type DebugHandler struct {
	store    storage.Backend
	bucket   string
	variants []variant.Spec
	summary  func() map[string]any
}

// NewDebugHandler creates a DebugHandler. summary reports the effective
// configuration with secrets already masked; variants are the specs the
// self-check renders, falling back to variant.Defaults.
func NewDebugHandler(store storage.Backend, bucket string, variants []variant.Spec, summary func() map[string]any) *DebugHandler {
	if len(variants) == 0 {
		variants = variant.Defaults()
	}
	return &DebugHandler{store: store, bucket: bucket, variants: variants, summary: summary}
}

type mimeTypeBody struct {
	Filename  string `json:"filename"`
	Extension string `json:"extension"`
	MimeType  string `json:"mimeType"`
}

type debugFile struct {
	Key          string `json:"key"`
	Size         int64  `json:"size"`
	LastModified string `json:"lastModified"`
	ETag         string `json:"etag"`
}

type debugFilesBody struct {
	Bucket     string      `json:"bucket"`
	TotalFiles int         `json:"totalFiles"`
	Files      []debugFile `json:"files"`
}

type variantCheck struct {
	Name   string `json:"name"`
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Bytes  int    `json:"bytes,omitempty"`
	Error  string `json:"error,omitempty"`
}

type variantsBody struct {
	OK      bool           `json:"ok"`
	Source  string         `json:"source"`
	Results []variantCheck `json:"results"`
}

// MimeType handles GET /media/debug/mime-type.
func (h *DebugHandler) MimeType(w http.ResponseWriter, r *http.Request) {
	filename := r.URL.Query().Get("filename")
	if filename == "" {
		filename = "test.png"
	}
	response.OK(w, mimeTypeBody{
		Filename:  filename,
		Extension: mimetype.Extension(filename),
		MimeType:  mimetype.Resolve(filename),
	})
}

// Files handles GET /media/debug/files.
func (h *DebugHandler) Files(w http.ResponseWriter, r *http.Request) {
	objects, err := h.store.ListObjects(r.Context(), r.URL.Query().Get("prefix"), debugListLimit)
	if err != nil {
		response.WriteError(w, r, mediaerr.StoreBackend("list objects", err))
		return
	}

	body := debugFilesBody{Bucket: h.bucket, Files: make([]debugFile, 0, len(objects))}
	for _, o := range objects {
		body.Files = append(body.Files, debugFile{
			Key:          o.Key,
			Size:         o.Size,
			LastModified: o.LastModified.UTC().Format(time.RFC3339),
			ETag:         o.ETag,
		})
	}
	body.TotalFiles = len(body.Files)
	response.OK(w, body)
}

// Environment handles GET /media/debug/environment.
func (h *DebugHandler) Environment(w http.ResponseWriter, r *http.Request) {
	response.OK(w, h.summary())
}

// Variants handles GET /media/debug/variants. It renders every configured
// variant from a generated image, exercising the image codecs without
// touching storage.
func (h *DebugHandler) Variants(w http.ResponseWriter, r *http.Request) {
	src, err := sampleImage()
	if err != nil {
		response.WriteError(w, r, mediaerr.ErrInternal.WithMessage("Failed to render sample image").Wrap(err))
		return
	}

	body := variantsBody{OK: true, Source: "1200x900 image/png", Results: make([]variantCheck, 0, len(h.variants))}
	for _, spec := range h.variants {
		res, err := variant.Derive(src, "image/png", spec)
		if err != nil {
			body.OK = false
			body.Results = append(body.Results, variantCheck{Name: spec.Name, Error: err.Error()})
			continue
		}
		body.Results = append(body.Results, variantCheck{Name: spec.Name, Width: res.Width, Height: res.Height, Bytes: len(res.Data)})
	}
	response.OK(w, body)
}

func sampleImage() ([]byte, error) {
	img := image.NewNRGBA(image.Rect(0, 0, sampleWidth, sampleHeight))
	for y := 0; y < sampleHeight; y++ {
		for x := 0; x < sampleWidth; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / sampleWidth), G: uint8(y * 255 / sampleHeight), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
