package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/graaaaa/capsule-bridge/internal/message"
	"github.com/graaaaa/capsule-bridge/internal/session"
)

// commandResponse acknowledges a dispatched command. Results arrive as events.
type commandResponse struct {
	Command string `json:"command"`
}

// handleCommand handles POST /api/v1/commands. The body is an envelope
// {"command": <name>, "payload": <json>}.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxCommandBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "command too large", nil)
			return
		}
		s.writeError(w, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	cmd, err := message.DecodeEnvelope(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}

	if err := s.dispatcher.Dispatch(r.Context(), cmd); err != nil {
		if errors.Is(err, session.ErrClosed) {
			s.writeError(w, http.StatusServiceUnavailable, "session closed", nil)
			return
		}
		s.logger.Warn("command rejected", "command", cmd.Name(), "error", err)
		s.writeError(w, http.StatusUnprocessableEntity, err.Error(), nil)
		return
	}

	s.writeJSON(w, http.StatusAccepted, commandResponse{Command: cmd.Name()})
}
