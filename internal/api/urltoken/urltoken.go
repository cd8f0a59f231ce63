// Package urltoken issues the short-lived tokens passed as ?token= by
// EventSource and media elements, which cannot send Basic Auth.
package urltoken

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long an issued token stays valid.
const DefaultTTL = 5 * time.Minute

const issuer = "capsule-bridge"

// minSecretLen is the shortest accepted HS256 key.
const minSecretLen = 16

// Scope restricts what a token opens.
type Scope string

const (
	// ScopeStream opens the event stream.
	ScopeStream Scope = "stream"
	// ScopeBlob opens blob downloads. A blob token may be bound to one blob.
	ScopeBlob Scope = "blob"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeStream || s == ScopeBlob
}

var (
	ErrShortSecret = errors.New("urltoken: secret too short")
	ErrWrongScope  = errors.New("urltoken: wrong scope")
	ErrWrongBlob   = errors.New("urltoken: token bound to another blob")
)

// Claims is the token payload. Subject holds the blob id of a bound blob
// token and is empty otherwise.
type Claims struct {
	jwt.RegisteredClaims
	Scope Scope `json:"scope"`
}

// Signer issues and verifies tokens with one HS256 key.
type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// Option configures a Signer.
type Option func(*Signer)

// WithTTL overrides DefaultTTL.
func WithTTL(d time.Duration) Option {
	return func(s *Signer) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(s *Signer) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSigner returns a Signer for secret.
func NewSigner(secret []byte, opts ...Option) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, ErrShortSecret
	}
	s := &Signer{
		secret: append([]byte(nil), secret...),
		ttl:    DefaultTTL,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// TTL returns the lifetime of issued tokens.
func (s *Signer) TTL() time.Duration {
	return s.ttl
}

// Issue signs a token for scope. blobID binds a blob token to one blob and
// must be empty for other scopes.
func (s *Signer) Issue(scope Scope, blobID string) (string, error) {
	if !scope.Valid() {
		return "", fmt.Errorf("%w: %q", ErrWrongScope, scope)
	}
	if scope != ScopeBlob {
		blobID = ""
	}
	now := s.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   blobID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Scope: scope,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verify checks token against scope. For blob tokens, blobID is the blob
// being requested; an unbound blob token opens any blob.
func (s *Signer) Verify(token string, scope Scope, blobID string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return nil, err
	}
	if claims.Scope != scope {
		return nil, ErrWrongScope
	}
	if claims.Subject != "" && claims.Subject != blobID {
		return nil, ErrWrongBlob
	}
	return claims, nil
}
