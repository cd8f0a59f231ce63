package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/graaaaa/capsule-bridge/internal/api/urltoken"
	"github.com/graaaaa/capsule-bridge/internal/media"
	"github.com/graaaaa/capsule-bridge/internal/message"
)

// Dispatcher executes UI commands.
type Dispatcher interface {
	Dispatch(ctx context.Context, cmd message.Command) error
}

// BlobPrefix is the path under which registered blobs are served. Object
// URLs handed to the UI must use it.
const BlobPrefix = "/api/v1/blobs/"

const (
	defaultMaxCommandBytes = 8 << 20
	defaultMaxUploadBytes  = 2 << 30
)

// Server represents the HTTP API server.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	handler    http.Handler

	version    string
	dispatcher Dispatcher
	blobs      *media.ObjectURLs
	hub        *Hub
	logger     *slog.Logger
	heartbeat  time.Duration

	maxCommandBytes int64
	maxUploadBytes  int64

	authEnabled  bool
	authUsername string
	authPassword string
	tokens       *urltoken.Signer

	corsOrigins  []string
	allowedHosts []string
	rateLimiter  *RateLimiter
	authFailures *AuthFailureLimiter
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithHub sets the SSE hub. Without it the stream route is not registered.
func WithHub(hub *Hub) ServerOption {
	return func(s *Server) { s.hub = hub }
}

// WithBlobs serves the blobs registered in urls.
func WithBlobs(urls *media.ObjectURLs) ServerOption {
	return func(s *Server) { s.blobs = urls }
}

// WithLogger sets the logger for request failures.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithVersion sets the version reported by the health endpoint.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// WithBasicAuth enables HTTP Basic Auth.
func WithBasicAuth(username, password string) ServerOption {
	return func(s *Server) {
		if username != "" && password != "" {
			s.authEnabled = true
			s.authUsername = username
			s.authPassword = password
		}
	}
}

// WithURLTokens enables POST /api/v1/auth/token and ?token= access to the
// stream and blobs.
func WithURLTokens(tokens *urltoken.Signer) ServerOption {
	return func(s *Server) { s.tokens = tokens }
}

// WithCORS allows cross-origin requests from origins, for a UI served
// elsewhere than the bridge.
func WithCORS(origins ...string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithAllowedHosts adds hosts accepted as Origin of state-changing requests
// besides loopback.
func WithAllowedHosts(hosts ...string) ServerOption {
	return func(s *Server) { s.allowedHosts = hosts }
}

// WithRateLimiter applies rl to every request.
func WithRateLimiter(rl *RateLimiter) ServerOption {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithAuthFailureLimiter locks out IPs that keep failing Basic Auth.
func WithAuthFailureLimiter(afl *AuthFailureLimiter) ServerOption {
	return func(s *Server) { s.authFailures = afl }
}

// WithMaxUploadBytes bounds the size of uploaded blobs.
func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// NewServer creates a new API server dispatching commands to d.
func NewServer(addr string, d Dispatcher, opts ...ServerOption) *Server {
	mux := http.NewServeMux()
	s := &Server{
		mux:             mux,
		dispatcher:      d,
		version:         "dev",
		logger:          slog.Default(),
		heartbeat:       heartbeatInterval,
		maxCommandBytes: defaultMaxCommandBytes,
		maxUploadBytes:  defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	s.handler = s.buildHandler()
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  0, // uploads can be large
		WriteTimeout: 0, // Disable for SSE (long-lived connections)
		IdleTimeout:  60 * time.Second,

		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// wrapAuth wraps a handler with Basic Auth if auth is enabled.
func (s *Server) wrapAuth(h http.Handler) http.Handler {
	if !s.authEnabled {
		return h
	}
	return basicAuthMiddleware(s.authUsername, s.authPassword, s.authFailures)(h)
}

// wrapTokenAuth is wrapAuth for routes loaded by EventSource or media
// elements, which may present a URL token for scope instead.
func (s *Server) wrapTokenAuth(scope urltoken.Scope, h http.Handler) http.Handler {
	if !s.authEnabled {
		return h
	}
	return urlTokenMiddleware(s.authUsername, s.authPassword, s.tokens, scope, s.logger)(h)
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	if s.authEnabled && s.tokens != nil {
		s.mux.Handle("POST /api/v1/auth/token", s.wrapAuth(http.HandlerFunc(s.handleAuthToken)))
	}

	if s.dispatcher != nil {
		s.mux.Handle("POST /api/v1/commands", s.wrapAuth(http.HandlerFunc(s.handleCommand)))
	}

	if s.hub != nil {
		s.mux.Handle("GET /api/v1/stream", s.wrapTokenAuth(urltoken.ScopeStream, http.HandlerFunc(s.handleStream)))
	}

	if s.blobs != nil {
		s.mux.Handle("GET "+BlobPrefix+"{id}", s.wrapTokenAuth(urltoken.ScopeBlob, http.HandlerFunc(s.handleGetBlob)))
		s.mux.Handle("POST /api/v1/blobs", s.wrapAuth(http.HandlerFunc(s.handlePostBlob)))
		s.mux.Handle("DELETE "+BlobPrefix+"{id}", s.wrapAuth(http.HandlerFunc(s.handleDeleteBlob)))
	}
}

// buildHandler applies the middleware chain around the mux, outermost first:
// security headers, CORS, rate limit, CSRF.
func (s *Server) buildHandler() http.Handler {
	var h http.Handler = s.mux
	h = csrfMiddleware(s.allowedHosts)(h)
	if s.rateLimiter != nil {
		h = s.rateLimiter.Middleware(h)
	}
	if len(s.corsOrigins) > 0 {
		h = corsMiddleware(CORSConfig{AllowedOrigins: s.corsOrigins, AllowCredentials: s.authEnabled})(h)
	}
	return securityHeadersMiddleware(h)
}

// Handler returns the complete HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Addr returns the server address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}
