package api

import (
	"net/http"

	"github.com/graaaaa/capsule-bridge/internal/api/urltoken"
)

type tokenResponse struct {
	Token     string         `json:"token"`
	Scope     urltoken.Scope `json:"scope"`
	Blob      string         `json:"blob,omitempty"`
	ExpiresIn int            `json:"expires_in"`
}

// handleAuthToken issues a URL token for the stream (default) or for blobs.
// ?scope=blob&blob=<id> binds the token to a single blob.
func (s *Server) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := urltoken.ScopeStream
	if v := q.Get("scope"); v != "" {
		scope = urltoken.Scope(v)
	}
	if !scope.Valid() {
		s.writeError(w, http.StatusBadRequest, "unknown scope", nil)
		return
	}
	blobID := q.Get("blob")
	if blobID != "" && scope != urltoken.ScopeBlob {
		s.writeError(w, http.StatusBadRequest, "blob requires scope=blob", nil)
		return
	}

	token, err := s.tokens.Issue(scope, blobID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to issue token", err)
		return
	}
	s.writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		Scope:     scope,
		Blob:      blobID,
		ExpiresIn: int(s.tokens.TTL().Seconds()),
	})
}
