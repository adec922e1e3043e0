package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/geostack/permsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// TokenStore abstracts the DB lookup for testability. *store.Store satisfies it.
type TokenStore interface {
	LookupTokenByPrefix(ctx context.Context, prefix string) (*store.APIToken, error)
}

// PostgresAuthenticator validates API tokens against the api_tokens table.
// Uses AuthCache with stale-while-revalidate to avoid DB + bcrypt on the hot
// path. Auth failures always return an error; no webhook is processed without
// a valid token.
type PostgresAuthenticator struct {
	store  TokenStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	Store    TokenStore
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new authenticator backed by PostgreSQL.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  cfg.Store,
		cache:  NewAuthCache(ttl),
		logger: cfg.Logger,
	}
}

// Authenticate validates the API token against the database.
//
// Flow:
//  1. Extract Bearer psk_... from the Authorization header
//  2. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately (sub-microsecond)
//     - Stale hit: return stale context, spawn background refresh
//     - Miss: do full DB + bcrypt lookup synchronously
func (a *PostgresAuthenticator) Authenticate(ctx context.Context, authorization string) (*TokenContext, error) {
	apiToken, err := ExtractBearerToken(authorization)
	if err != nil {
		return nil, err
	}

	// 1. Cache lookup
	result := a.cache.Get(apiToken)

	if result.Hit {
		// Stale hit: kick off background refresh, return stale value immediately
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiToken)
		}
		return result.Token, nil
	}

	// 2. Cache miss, do full lookup synchronously
	tc, err := a.lookupAndVerify(ctx, apiToken)
	if err != nil {
		return a.handleLookupError(err)
	}

	a.cache.Set(apiToken, tc)
	return tc, nil
}

// backgroundRefresh performs the DB + bcrypt lookup in a background goroutine.
// Errors are logged but don't affect the caller (they already got the stale value).
func (a *PostgresAuthenticator) backgroundRefresh(apiToken string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tc, err := a.lookupAndVerify(ctx, apiToken)
	if err != nil {
		a.logger.Warn("background cache refresh failed",
			zap.Error(err),
		)
		// Don't update cache, the stale entry remains. Deleting it resets the
		// refreshing flag so the next stale read can try again.
		a.cache.Delete(apiToken)
		return
	}

	a.cache.Set(apiToken, tc)
}

// lookupAndVerify does the full DB prefix lookup + bcrypt verification.
func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, apiToken string) (*TokenContext, error) {
	// token_prefix is the first 8 chars (e.g. "psk_abcd")
	if len(apiToken) < 8 {
		return nil, ErrInvalidToken
	}
	prefix := apiToken[:8]

	row, err := a.store.LookupTokenByPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		// No token with this prefix. Reject, don't fail open.
		return nil, ErrInvalidToken
	}

	// bcrypt verify
	if err := bcrypt.CompareHashAndPassword([]byte(row.TokenHash), []byte(apiToken)); err != nil {
		return nil, ErrInvalidToken
	}

	return &TokenContext{Name: row.Name}, nil
}

// handleLookupError returns the appropriate error. A webhook is never
// processed on auth failure.
func (a *PostgresAuthenticator) handleLookupError(lookupErr error) (*TokenContext, error) {
	if errors.Is(lookupErr, ErrInvalidToken) {
		return nil, ErrInvalidToken
	}

	// DB error (timeout, connection refused, etc.)
	a.logger.Warn("auth DB unreachable",
		zap.Error(lookupErr),
	)
	return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, lookupErr)
}
