package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"

	"github.com/graaaaa/capsule-bridge/internal/api/urltoken"
	"github.com/graaaaa/capsule-bridge/internal/appinfo"
)

var authChallenge = `Basic realm="` + appinfo.AppName + `"`

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowedOrigins   []string
	AllowCredentials bool
}

// corsMiddleware returns a middleware that handles CORS headers.
// Only origins in the allowlist are permitted.
func corsMiddleware(cfg CORSConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			allowed := origin != "" && slices.Contains(cfg.AllowedOrigins, origin)

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, Last-Event-ID")
				// Range requests on blobs need these
				w.Header().Set("Access-Control-Expose-Headers", "Content-Length, Content-Range, Accept-Ranges")
				if cfg.AllowCredentials {
					w.Header().Set("Access-Control-Allow-Credentials", "true")
				}
			}

			if r.Method == http.MethodOptions {
				if allowed {
					w.Header().Set("Access-Control-Max-Age", "86400")
					w.WriteHeader(http.StatusNoContent)
				} else {
					w.WriteHeader(http.StatusForbidden)
				}
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// csrfMiddleware returns a middleware that validates Origin/Referer headers
// for state-changing requests (POST, PUT, DELETE) to prevent CSRF attacks.
func csrfMiddleware(allowedHosts []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut && r.Method != http.MethodDelete {
				next.ServeHTTP(w, r)
				return
			}

			source, header := r.Header.Get("Origin"), "origin"
			if source == "" {
				source, header = r.Header.Get("Referer"), "referer"
			}
			if source == "" {
				http.Error(w, "Forbidden: missing origin/referer", http.StatusForbidden)
				return
			}
			u, err := url.Parse(source)
			if err != nil || !isAllowedHost(u.Host, allowedHosts) {
				http.Error(w, "Forbidden: invalid "+header, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// isAllowedHost checks if the host is in the allowed list.
// Loopback hosts are always allowed.
func isAllowedHost(host string, allowedHosts []string) bool {
	name := stripPort(host)
	if name == "localhost" || name == "127.0.0.1" || name == "::1" {
		return true
	}
	for _, allowed := range allowedHosts {
		if name == stripPort(allowed) {
			return true
		}
	}
	return false
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if end := strings.Index(host, "]"); end != -1 {
			return host[1:end]
		}
	}
	if idx := strings.LastIndex(host, ":"); idx != -1 && strings.Count(host, ":") == 1 {
		return host[:idx]
	}
	return host
}

// securityHeadersMiddleware adds security headers to all responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		csp := strings.Join([]string{
			"default-src 'self'",
			"script-src 'self'",
			"style-src 'self' 'unsafe-inline'",
			"img-src 'self' data:",
			"media-src 'self'",
			"connect-src 'self'",
			"font-src 'self'",
			"base-uri 'none'",
			"frame-ancestors 'none'",
			"form-action 'self'",
		}, "; ")
		w.Header().Set("Content-Security-Policy", csp)

		// Capture happens in the bridge, never in the page
		w.Header().Set("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Resource-Policy", "same-origin")

		next.ServeHTTP(w, r)
	})
}

// constantTimeEqualString compares two strings in constant time.
// Uses SHA-256 hashing to ensure comparison time is independent of input lengths.
func constantTimeEqualString(a, b string) bool {
	ah := sha256.Sum256([]byte(a))
	bh := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ah[:], bh[:]) == 1
}

// credentialsMatch reports whether r carries the expected Basic Auth
// credentials, and whether it carried any at all.
func credentialsMatch(r *http.Request, username, password string) (match, present bool) {
	u, p, ok := r.BasicAuth()
	if !ok {
		return false, false
	}
	// Both comparisons always run
	userOK := constantTimeEqualString(u, username)
	passOK := constantTimeEqualString(p, password)
	return userOK && passOK, true
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", authChallenge)
	http.Error(w, "Unauthorized", http.StatusUnauthorized)
}

func lockedOut(w http.ResponseWriter, seconds int) {
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
}

// basicAuthMiddleware returns a middleware that checks HTTP Basic Auth credentials.
// When afl is set, wrong credentials count towards a per-IP lockout.
func basicAuthMiddleware(username, password string, afl *AuthFailureLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractIP(r)
			if afl != nil && afl.IsLocked(ip) {
				lockedOut(w, afl.LockoutSecondsRemaining(ip))
				return
			}

			match, present := credentialsMatch(r, username, password)
			if match {
				if afl != nil {
					afl.RecordSuccess(ip)
				}
				next.ServeHTTP(w, r)
				return
			}

			if present && afl != nil && afl.RecordFailure(ip) < 0 {
				lockedOut(w, afl.LockoutSecondsRemaining(ip))
				return
			}
			unauthorized(w)
		})
	}
}

// urlTokenMiddleware accepts Basic Auth or a ?token= issued for scope.
// Blob tokens are checked against the {id} path value.
func urlTokenMiddleware(username, password string, tokens *urltoken.Signer, scope urltoken.Scope, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if match, _ := credentialsMatch(r, username, password); match {
				next.ServeHTTP(w, r)
				return
			}

			if token := r.URL.Query().Get("token"); token != "" && tokens != nil {
				_, err := tokens.Verify(token, scope, r.PathValue("id"))
				if err == nil {
					next.ServeHTTP(w, r)
					return
				}
				logger.Debug("url token rejected", "path", r.URL.Path, "error", err)
			}

			unauthorized(w)
		})
	}
}
