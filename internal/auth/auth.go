package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	ErrMissingToken    = errors.New("missing authorization header")
	ErrInvalidToken    = errors.New("invalid API token")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// TokenContext identifies the authenticated API token.
type TokenContext struct {
	Name string
}

// Authenticator validates the Authorization header of incoming requests.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*TokenContext, error)
}

// ExtractBearerToken parses an Authorization header value and returns the
// psk_ token it carries.
func ExtractBearerToken(authorization string) (string, error) {
	if authorization == "" {
		return "", ErrMissingToken
	}

	token := authorization
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = token[7:]
	}
	token = strings.TrimSpace(token)

	if !strings.HasPrefix(token, "psk_") {
		return "", ErrInvalidToken
	}
	return token, nil
}

// InsecureAuthenticator accepts every request without looking at it. Only
// for deployments that explicitly opt out of authentication.
type InsecureAuthenticator struct{}

func (InsecureAuthenticator) Authenticate(context.Context, string) (*TokenContext, error) {
	return &TokenContext{Name: "insecure"}, nil
}

// StaticAuthenticator validates requests against a single shared token
// configured at startup. No database lookup.
type StaticAuthenticator struct {
	token []byte
}

func NewStaticAuthenticator(token string) *StaticAuthenticator {
	return &StaticAuthenticator{token: []byte(token)}
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, authorization string) (*TokenContext, error) {
	token, err := ExtractBearerToken(authorization)
	if err != nil {
		return nil, err
	}

	if len(a.token) == 0 {
		return nil, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(token), a.token) != 1 {
		return nil, ErrInvalidToken
	}

	return &TokenContext{Name: "static"}, nil
}
