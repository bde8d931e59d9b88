package server

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"file-relay/internal/sanitize"
)

const uploadField = "file"

// handleUpload accepts a multipart body with a single "file" part. The part
// is streamed through the sanitizer without buffering the whole request.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.log.With(zap.String("rid", RequestIDFromContext(ctx)))

	r.Body = http.MaxBytesReader(w, r.Body, s.sanitizer.MaxFileSize()+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest)
		return
	}

	var part io.ReadCloser
	var up sanitize.Upload
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			status, kind := classify(err)
			if status == http.StatusInternalServerError {
				status, kind = http.StatusBadRequest, kindInvalidRequest
			}
			writeError(w, status, kind)
			return
		}
		if p.FormName() != uploadField {
			_ = p.Close()
			continue
		}
		part = p
		up = sanitize.Upload{
			Name:     p.FileName(),
			MimeType: p.Header.Get("Content-Type"),
			Body:     p,
		}
		break
	}
	if part == nil {
		writeError(w, http.StatusBadRequest, kindInvalidRequest)
		return
	}
	defer part.Close()

	nf, err := s.sanitizer.Sanitize(ctx, up)
	if err != nil {
		status, kind := classify(err)
		if status == http.StatusInternalServerError {
			log.Error("upload failed", zap.Error(err))
		}
		writeError(w, status, kind)
		return
	}

	rec, err := s.registry.Create(ctx, nf)
	if err != nil {
		log.Error("create record failed", zap.Error(err))
		if derr := s.content.Delete(ctx, nf.StorageKey); derr != nil {
			log.Error("rollback of stored upload failed",
				zap.String("storage_key", nf.StorageKey),
				zap.Error(derr),
			)
		}
		writeError(w, http.StatusInternalServerError, kindInternal)
		return
	}

	log.Info("file relayed",
		zap.String("file_id", rec.ID),
		zap.String("mime_type", rec.MimeType),
		zap.Int64("size_bytes", rec.SizeBytes),
		zap.Time("expires_at", rec.ExpiresAt),
	)

	w.Header().Set(tokenHeader, rec.AccessToken)
	w.Header().Set("Location", "/files/"+rec.ID)
	writeJSON(w, http.StatusCreated, rec.Public())
}
