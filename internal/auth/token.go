// Package auth supplies the bearer tokens used by the realtime socket and the
// messaging API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrNoToken is returned when no credentials are configured.
var ErrNoToken = errors.New("no auth token configured")

// TokenSource yields the current bearer token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token, e.g. AUTH_TOKEN from the environment.
type StaticToken string

// Token returns the token, or ErrNoToken when it is empty.
func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", ErrNoToken
	}
	return string(t), nil
}

// JWTSource mints HS256 tokens for one user and caches them until shortly
// before expiry.
type JWTSource struct {
	secret   []byte
	subject  string
	issuer   string
	audience string
	ttl      time.Duration
	now      func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewJWTSource returns a source signing tokens for subject with secret.
func NewJWTSource(secret, subject, issuer string, ttl time.Duration) *JWTSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &JWTSource{
		secret:   []byte(secret),
		subject:  subject,
		issuer:   issuer,
		audience: "marketsync-client",
		ttl:      ttl,
		now:      time.Now,
	}
}

// Token returns a cached token or signs a new one.
func (s *JWTSource) Token(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(s.secret) == 0 {
		return "", ErrNoToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// refresh a little early so a token never expires mid-handshake
	if s.token != "" && now.Add(s.ttl/10).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.MapClaims{
		"sub": s.subject,
		"iss": s.issuer,
		"aud": s.audience,
		"exp": expires.Unix(),
		"iat": now.Unix(),
		"nbf": now.Unix(),
		"jti": generateJTI(now),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.token = signed
	s.expires = expires
	return signed, nil
}

// Verify parses token with the source's secret and returns its subject.
func (s *JWTSource) Verify(token string) (string, error) {
	return VerifyHS256(token, s.secret)
}

// VerifyHS256 validates an HMAC-signed token and returns its "sub" claim.
func VerifyHS256(token string, secret []byte) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	if !parsed.Valid {
		return "", errors.New("invalid token")
	}

	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("invalid token structure - missing subject")
	}
	return sub, nil
}

func generateJTI(now time.Time) string {
	return fmt.Sprintf("%d-%s", now.Unix(), uuid.New().String()[:8])
}
