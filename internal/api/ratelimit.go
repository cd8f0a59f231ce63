package api

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/graaaaa/capsule-bridge/internal/clock"
)

// RateLimiter limits requests per client IP with a token bucket each.
type RateLimiter struct {
	clock      clock.Clock
	afterFunc  clock.AfterFunc
	rate       rate.Limit
	burst      int
	idle       time.Duration
	uploadCost int

	mu       sync.Mutex
	visitors map[string]*visitor
	cleanup  clock.TimerHandle
	stopped  bool
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiterConfig configures the rate limiter.
type RateLimiterConfig struct {
	// Rate is the sustained number of tokens per second.
	Rate float64
	// Burst is the bucket size.
	Burst int
	// UploadCost is what one blob upload takes from the bucket; other
	// requests take one token.
	UploadCost int
	// CleanupInterval is how often idle visitors are forgotten.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns the LAN mode limits. Blob range requests
// from a seeking video element arrive in bursts, so the burst is generous.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:            20,
		Burst:           60,
		UploadCost:      10,
		CleanupInterval: 5 * time.Minute,
	}
}

// NewRateLimiter creates a rate limiter that prunes idle visitors every
// CleanupInterval. Call Stop when done.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	return newRateLimiter(cfg, clock.Default, clock.DefaultAfterFunc)
}

func newRateLimiter(cfg RateLimiterConfig, c clock.Clock, after clock.AfterFunc) *RateLimiter {
	rl := &RateLimiter{
		clock:      c,
		afterFunc:  after,
		rate:       rate.Limit(cfg.Rate),
		burst:      max(cfg.Burst, 1),
		idle:       cfg.CleanupInterval,
		uploadCost: min(max(cfg.UploadCost, 1), max(cfg.Burst, 1)),
		visitors:   make(map[string]*visitor),
	}
	if rl.idle > 0 {
		rl.mu.Lock()
		rl.scheduleCleanupLocked()
		rl.mu.Unlock()
	}
	return rl
}

func (rl *RateLimiter) scheduleCleanupLocked() {
	rl.cleanup = rl.afterFunc(rl.idle, func() {
		rl.prune()
		rl.mu.Lock()
		defer rl.mu.Unlock()
		if !rl.stopped {
			rl.scheduleCleanupLocked()
		}
	})
}

// Allow reports whether one request from ip may proceed now.
func (rl *RateLimiter) Allow(ip string) bool {
	ok, _ := rl.Reserve(ip, 1)
	return ok
}

// Reserve takes cost tokens from ip's bucket. When the bucket cannot cover
// them now nothing is taken, and wait is how long until it could.
func (rl *RateLimiter) Reserve(ip string, cost int) (ok bool, wait time.Duration) {
	now := rl.clock.Now()
	cost = min(max(cost, 1), rl.burst)

	rl.mu.Lock()
	v, found := rl.visitors[ip]
	if !found {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now
	rl.mu.Unlock()

	res := v.limiter.ReserveN(now, cost)
	if !res.OK() {
		return false, time.Second
	}
	if d := res.DelayFrom(now); d > 0 {
		res.CancelAt(now)
		return false, d
	}
	return true, 0
}

// prune forgets visitors idle for two cleanup intervals.
func (rl *RateLimiter) prune() int {
	threshold := rl.clock.Now().Add(-2 * rl.idle)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	removed := 0
	for ip, v := range rl.visitors {
		if v.lastSeen.Before(threshold) {
			delete(rl.visitors, ip)
			removed++
		}
	}
	return removed
}

// Stop cancels the cleanup timer.
func (rl *RateLimiter) Stop() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.stopped = true
	if rl.cleanup != nil {
		rl.cleanup.Stop()
		rl.cleanup = nil
	}
}

// requestCost weights r against the bucket.
func (rl *RateLimiter) requestCost(r *http.Request) int {
	if r.Method == http.MethodPost && r.URL.Path == "/api/v1/blobs" {
		return rl.uploadCost
	}
	return 1
}

// Middleware rejects requests over the limit with 429 and a Retry-After
// rounded up to whole seconds.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ok, wait := rl.Reserve(extractIP(r), rl.requestCost(r)); !ok {
			secs := max(int((wait+time.Second-1)/time.Second), 1)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			http.Error(w, "Too Many Requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// extractIP returns the client IP. RemoteAddr is trusted since the bridge
// never runs behind a proxy.
func extractIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// AuthFailureLimiter locks out IPs after repeated authentication failures.
type AuthFailureLimiter struct {
	clock    clock.Clock
	maxFails int
	window   time.Duration
	lockout  time.Duration

	mu       sync.Mutex
	failures map[string]*authFailure
}

type authFailure struct {
	count    int
	firstAt  time.Time
	lockedAt time.Time
}

// AuthFailureLimiterConfig configures auth failure limiting.
type AuthFailureLimiterConfig struct {
	MaxFailures   int           // Max failures before lockout
	Window        time.Duration // Time window for counting failures
	LockoutPeriod time.Duration // How long to lock out after max failures
}

// DefaultAuthFailureLimiterConfig returns the LAN mode lockout policy.
func DefaultAuthFailureLimiterConfig() AuthFailureLimiterConfig {
	return AuthFailureLimiterConfig{
		MaxFailures:   5,
		Window:        5 * time.Minute,
		LockoutPeriod: 15 * time.Minute,
	}
}

// NewAuthFailureLimiter creates a new auth failure limiter.
func NewAuthFailureLimiter(cfg AuthFailureLimiterConfig) *AuthFailureLimiter {
	return newAuthFailureLimiter(cfg, clock.Default)
}

func newAuthFailureLimiter(cfg AuthFailureLimiterConfig, c clock.Clock) *AuthFailureLimiter {
	return &AuthFailureLimiter{
		clock:    c,
		maxFails: cfg.MaxFailures,
		window:   cfg.Window,
		lockout:  cfg.LockoutPeriod,
		failures: make(map[string]*authFailure),
	}
}

// remainingLocked returns how long ip stays locked out, or zero.
func (afl *AuthFailureLimiter) remainingLocked(ip string) time.Duration {
	f, ok := afl.failures[ip]
	if !ok || f.lockedAt.IsZero() {
		return 0
	}
	remaining := afl.lockout - afl.clock.Now().Sub(f.lockedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsLocked checks if an IP is currently locked out.
func (afl *AuthFailureLimiter) IsLocked(ip string) bool {
	afl.mu.Lock()
	defer afl.mu.Unlock()
	return afl.remainingLocked(ip) > 0
}

// RecordFailure records an authentication failure for an IP.
// Returns the number of remaining attempts, or -1 if now locked.
func (afl *AuthFailureLimiter) RecordFailure(ip string) int {
	now := afl.clock.Now()

	afl.mu.Lock()
	defer afl.mu.Unlock()

	f, ok := afl.failures[ip]
	if !ok || now.Sub(f.firstAt) > afl.window {
		f = &authFailure{firstAt: now}
		afl.failures[ip] = f
	}
	f.count++

	if f.count >= afl.maxFails {
		f.lockedAt = now
		return -1
	}
	return afl.maxFails - f.count
}

// RecordSuccess clears the failure record for an IP.
func (afl *AuthFailureLimiter) RecordSuccess(ip string) {
	afl.mu.Lock()
	defer afl.mu.Unlock()
	delete(afl.failures, ip)
}

// LockoutSecondsRemaining returns seconds until lockout expires, rounded up.
func (afl *AuthFailureLimiter) LockoutSecondsRemaining(ip string) int {
	afl.mu.Lock()
	defer afl.mu.Unlock()
	remaining := afl.remainingLocked(ip)
	return int((remaining + time.Second - 1) / time.Second)
}
