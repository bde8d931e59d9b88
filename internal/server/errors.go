package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"file-relay/internal/content"
	"file-relay/internal/registry"
	"file-relay/internal/sanitize"
)

// Error kinds returned to clients. They never carry paths, keys or
// internal messages.
const (
	kindInvalidRequest   = "invalid_request"
	kindUnsupportedType  = "unsupported_type"
	kindTooLarge         = "too_large"
	kindNotFound         = "not_found"
	kindUnauthorized     = "unauthorized"
	kindRateLimited      = "rate_limited"
	kindMethodNotAllowed = "method_not_allowed"
	kindInternal         = "internal"
)

type errorResp struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, errorResp{Error: kind})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// classify maps domain errors onto an HTTP status and error kind.
func classify(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.Is(err, registry.ErrNotFound),
		errors.Is(err, registry.ErrInvalidID),
		errors.Is(err, content.ErrNotFound):
		return http.StatusNotFound, kindNotFound
	case errors.Is(err, sanitize.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, kindUnsupportedType
	case errors.Is(err, sanitize.ErrTooLarge), errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, kindTooLarge
	case errors.Is(err, sanitize.ErrInvalidUpload):
		return http.StatusBadRequest, kindInvalidRequest
	default:
		return http.StatusInternalServerError, kindInternal
	}
}
