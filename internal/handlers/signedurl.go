package handlers

import (
	"net/http"

	"github.com/akshaykher243/payload-template/internal/auth"
	"github.com/akshaykher243/payload-template/internal/response"
	"github.com/akshaykher243/payload-template/internal/signedurl"
)

// SignedURLHandler issues presigned upload URLs for client-direct uploads.
type SignedURLHandler struct {
	issuer *signedurl.Issuer
}

// NewSignedURLHandler creates a SignedURLHandler.
func NewSignedURLHandler(issuer *signedurl.Issuer) *SignedURLHandler {
	return &SignedURLHandler{issuer: issuer}
}

// Generate handles POST /storage/generate-signed-url.
func (h *SignedURLHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req signedurl.Request
	if err := decodeJSON(r, &req); err != nil {
		response.WriteError(w, r, err)
		return
	}

	res, err := h.issuer.Issue(r.Context(), req, auth.FromContext(r.Context()))
	if err != nil {
		response.WriteError(w, r, err)
		return
	}
	response.OK(w, res)
}
