package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

const (
	heartbeatInterval = 20 * time.Second
	// streamRetry is the reconnect delay suggested to EventSource.
	streamRetry = time.Second
)

// handleStream serves GET /api/v1/stream. A reconnecting client gets the
// frames it missed after Last-Event-ID (or ?last_event_id=) from the backlog.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	lastEventID := r.Header.Get("Last-Event-ID")
	if lastEventID == "" {
		lastEventID = r.URL.Query().Get("last_event_id")
	}
	// Unparsable means no replay
	after, _ := strconv.ParseUint(lastEventID, 10, 64)

	sub := s.hub.Subscribe(after)
	defer s.hub.Unsubscribe(sub)

	fmt.Fprintf(w, "retry: %d\n: connected\n\n", streamRetry.Milliseconds())
	for _, f := range sub.Backlog() {
		writeSSEFrame(w, f)
	}
	if err := rc.Flush(); err != nil {
		s.writeError(w, http.StatusInternalServerError, "streaming not supported", err)
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				return
			}
			writeSSEFrame(w, f)
		case <-ticker.C:
			io.WriteString(w, ":\n\n")
		case <-r.Context().Done():
			return
		}
		if err := rc.Flush(); err != nil {
			s.logger.Debug("stream closed", "error", err)
			return
		}
	}
}

// writeSSEFrame writes f with its sequence number as the event id, which
// EventSource sends back as Last-Event-ID.
func writeSSEFrame(w io.Writer, f Frame) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", f.Seq, f.Name, f.Data)
}
