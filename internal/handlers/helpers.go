// Package handlers implements the HTTP handlers for media delivery, media
// records, signed upload URLs and debugging.
package handlers

import (
	"encoding/json"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	mediaerr "github.com/akshaykher243/payload-template/internal/errors"
	"github.com/akshaykher243/payload-template/internal/retrieval"
)

// maxJSONBody caps JSON request bodies.
const maxJSONBody = 1 << 20

// urlParam returns the unescaped chi route parameter.
func urlParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// decodeJSON decodes the request body into v. The request must declare an
// application/json Content-Type.
func decodeJSON(r *http.Request, v any) error {
	mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mt != "application/json" {
		return mediaerr.ErrNotJSON
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxJSONBody))
	if err := dec.Decode(v); err != nil {
		return mediaerr.ErrNotJSON.WithMessage("Request body is not valid JSON").Wrap(err)
	}
	return nil
}

// parseLimit reads a positive integer query parameter. Invalid or missing
// values yield zero.
func parseLimit(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ifNoneMatch returns the conditional header a delivery request carries.
// Some CMS clients echo the stored ETag back in an ETag request header.
func ifNoneMatch(r *http.Request) string {
	if v := r.Header.Get("If-None-Match"); v != "" {
		return v
	}
	return r.Header.Get("ETag")
}

// writeRetrieval renders a retrieval.Response.
func writeRetrieval(w http.ResponseWriter, r *http.Request, resp *retrieval.Response) {
	if resp.Kind == retrieval.KindRedirect {
		http.Redirect(w, r, resp.Location, resp.Status)
		return
	}

	for k, vs := range resp.Header {
		w.Header()[k] = vs
	}
	w.WriteHeader(resp.Status)
	if resp.Kind == retrieval.KindBody && r.Method != http.MethodHead {
		w.Write(resp.Body)
	}
}

// trimSlashes normalizes a user supplied key prefix.
func trimSlashes(s string) string {
	return strings.Trim(strings.TrimSpace(s), "/")
}
