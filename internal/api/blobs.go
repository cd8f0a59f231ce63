package api

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/graaaaa/capsule-bridge/internal/media"
)

// handleGetBlob serves a registered blob. Range requests are honoured so
// media elements can seek.
func (s *Server) handleGetBlob(w http.ResponseWriter, r *http.Request) {
	b, ok := s.blobs.Lookup(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "blob not found", nil)
		return
	}
	if b.MimeType != "" {
		w.Header().Set("Content-Type", b.MimeType)
	}
	w.Header().Set("Cache-Control", "private, max-age=3600, immutable")
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(b.Data))
}

// handlePostBlob registers the request body as a blob, for files picked in
// the UI. The response is the blob reference to put in a command.
func (s *Server) handlePostBlob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "blob too large", nil)
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	mimeType := "application/octet-stream"
	if ct := r.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mimeType = mt
		}
	}

	b := media.NewBlob(mimeType, data)
	s.blobs.Register(b)
	s.logger.Info("blob uploaded", "id", b.ID, "mime", mimeType, "size", humanize.Bytes(uint64(len(data))))
	s.writeJSON(w, http.StatusCreated, b)
}

// handleDeleteBlob revokes a blob URL.
func (s *Server) handleDeleteBlob(w http.ResponseWriter, r *http.Request) {
	b, ok := s.blobs.Lookup(r.PathValue("id"))
	if !ok {
		s.writeError(w, http.StatusNotFound, "blob not found", nil)
		return
	}
	s.blobs.Revoke(b.URL)
	w.WriteHeader(http.StatusNoContent)
}
