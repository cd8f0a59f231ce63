package api

import (
	"encoding/json"
	"net/http"
)

// apiError is the body of every JSON error answer.
type apiError struct {
	Error  string `json:"error"`
	Status int    `json:"status"`
}

// writeJSON marshals v before touching the response, so an encoding failure
// can still become a 500.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(append(body, '\n')); err != nil {
		s.logger.Debug("write response", "error", err)
	}
}

// writeError answers with apiError. public is what the client sees; err is
// only logged.
func (s *Server) writeError(w http.ResponseWriter, status int, public string, err error) {
	if public == "" {
		public = http.StatusText(status)
	}
	switch {
	case status >= http.StatusInternalServerError:
		s.logger.Error("request failed", "status", status, "error", err)
	case err != nil:
		s.logger.Debug("request rejected", "status", status, "error", err)
	}
	s.writeJSON(w, status, apiError{Error: public, Status: status})
}
