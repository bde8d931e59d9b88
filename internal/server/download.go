package server

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"file-relay/internal/content"
)

// handleDownload streams the stored bytes as an attachment. The download
// counter only moves once the whole body has been written.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	rec, ok := s.authorizedRecord(w, r, id)
	if !ok {
		return
	}

	body, err := s.content.Open(ctx, rec.StorageKey)
	if errors.Is(err, content.ErrNotFound) {
		// Evicted between lookup and open.
		writeError(w, http.StatusNotFound, kindNotFound)
		return
	}
	if err != nil {
		s.writeLookupError(w, r, id, err)
		return
	}
	defer body.Close()

	h := w.Header()
	h.Set("Content-Type", rec.MimeType)
	h.Set("Content-Length", strconv.FormatInt(rec.SizeBytes, 10))
	h.Set("Content-Disposition", contentDisposition(rec.OriginalName))
	h.Set("Cache-Control", "no-store")
	h.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, body)
	if err != nil || n != rec.SizeBytes {
		// Headers are gone; all we can do is log.
		s.log.Warn("download interrupted",
			zap.String("rid", RequestIDFromContext(ctx)),
			zap.String("file_id", id),
			zap.Int64("written", n),
			zap.Int64("size_bytes", rec.SizeBytes),
			zap.Error(err),
		)
		return
	}

	s.registry.RecordDownload(ctx, id)
	s.metrics.RecordDownload(n)
}

// contentDisposition forces an attachment. mime.FormatMediaType picks the
// RFC 2231 encoding for names that are not plain ASCII tokens.
func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
