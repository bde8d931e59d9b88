package server

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"file-relay/internal/registry"
)

// tokenHeader carries the access token back to the uploader, once.
const tokenHeader = "X-Relay-Token"

func (s *Server) handleMetadata(w http.ResponseWriter, r *http.Request) {
	rec, ok := s.authorizedRecord(w, r, chi.URLParam(r, "id"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rec.Public())
}

// handleDelete always requires the token, whatever the policy.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	token := presentedToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, kindUnauthorized)
		return
	}

	if _, err := s.registry.Lookup(r.Context(), id); err != nil {
		s.writeLookupError(w, r, id, err)
		return
	}
	if !s.registry.VerifyToken(id, token) {
		writeError(w, http.StatusNotFound, kindNotFound)
		return
	}

	if err := s.registry.Evict(r.Context(), id); err != nil {
		s.log.Error("evict failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("file_id", id),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, kindInternal)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// presentedToken reads the bearer token, falling back to ?token=.
func presentedToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return r.URL.Query().Get("token")
}

// authorizedRecord resolves id and applies the token policy. It writes the
// response itself on failure. A missing token under the required policy is
// a 401; a wrong token looks exactly like an unknown id.
func (s *Server) authorizedRecord(w http.ResponseWriter, r *http.Request, id string) (registry.FileRecord, bool) {
	token := presentedToken(r)
	if token == "" && s.registry.TokenPolicy() == registry.TokenRequired {
		writeError(w, http.StatusUnauthorized, kindUnauthorized)
		return registry.FileRecord{}, false
	}

	rec, err := s.registry.Lookup(r.Context(), id)
	if err != nil {
		s.writeLookupError(w, r, id, err)
		return registry.FileRecord{}, false
	}
	if !s.registry.Authorize(id, token) {
		writeError(w, http.StatusNotFound, kindNotFound)
		return registry.FileRecord{}, false
	}
	return rec, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, r *http.Request, id string, err error) {
	status, kind := classify(err)
	if status == http.StatusInternalServerError {
		s.log.Error("lookup failed",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("file_id", id),
			zap.Error(err),
		)
	}
	writeError(w, status, kind)
}
