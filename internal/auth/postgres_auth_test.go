package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geostack/permsync/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// testToken is the raw API token used in tests. Must start with "psk_" and be >= 8 chars.
const testToken = "psk_test_valid_token_1234567890abcdef"

// testHash returns a bcrypt hash of testToken using MinCost (fast for tests).
func testHash(t *testing.T) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(testToken), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to generate bcrypt hash: %v", err)
	}
	return string(hash)
}

// mockTokenStore implements TokenStore for testing.
type mockTokenStore struct {
	row       *store.APIToken
	err       error
	callCount atomic.Int32
}

func (m *mockTokenStore) LookupTokenByPrefix(_ context.Context, _ string) (*store.APIToken, error) {
	m.callCount.Add(1)
	if m.err != nil {
		return nil, m.err
	}
	return m.row, nil
}

func newTestAuthenticator(st TokenStore, ttl time.Duration) *PostgresAuthenticator {
	return &PostgresAuthenticator{
		store:  st,
		cache:  NewAuthCache(ttl),
		logger: zap.NewNop(),
	}
}

func TestPostgresAuth_CacheMiss_ValidToken(t *testing.T) {
	st := &mockTokenStore{
		row: &store.APIToken{
			Name:      "deploy",
			TokenHash: testHash(t),
		},
	}
	auth := newTestAuthenticator(st, 1*time.Minute)

	tc, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if tc.Name != "deploy" {
		t.Errorf("expected token name deploy, got %s", tc.Name)
	}
	if st.callCount.Load() != 1 {
		t.Errorf("expected 1 DB call, got %d", st.callCount.Load())
	}
}

func TestPostgresAuth_CacheHit_NoDBCall(t *testing.T) {
	st := &mockTokenStore{
		row: &store.APIToken{
			Name:      "deploy",
			TokenHash: testHash(t),
		},
	}
	auth := newTestAuthenticator(st, 1*time.Minute)

	// First call hits the DB
	_, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if st.callCount.Load() != 1 {
		t.Fatalf("expected 1 DB call after first auth, got %d", st.callCount.Load())
	}

	// Second call is served from cache
	tc, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if st.callCount.Load() != 1 {
		t.Errorf("expected still 1 DB call (cache hit), got %d", st.callCount.Load())
	}
	if tc.Name != "deploy" {
		t.Errorf("expected deploy from cache, got %s", tc.Name)
	}
}

func TestPostgresAuth_WrongToken_Rejected(t *testing.T) {
	st := &mockTokenStore{
		row: &store.APIToken{
			Name:      "deploy",
			TokenHash: testHash(t), // Hash of testToken
		},
	}
	auth := newTestAuthenticator(st, 1*time.Minute)

	// A different token that won't match the bcrypt hash
	_, err := auth.Authenticate(context.Background(), "Bearer psk_wrong_token_doesnt_match_hash")
	if err == nil {
		t.Fatal("expected error for wrong token, got nil")
	}
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got: %v", err)
	}
}

func TestPostgresAuth_TokenNotFound(t *testing.T) {
	// The store returns nil when no token matches the prefix.
	st := &mockTokenStore{}
	auth := newTestAuthenticator(st, 1*time.Minute)

	_, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err == nil {
		t.Fatal("expected error for unknown token, got nil")
	}
	if !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expected ErrInvalidToken, got: %v", err)
	}
}

func TestPostgresAuth_DBDown_ReturnsUnavailable(t *testing.T) {
	st := &mockTokenStore{
		err: errors.New("connection refused"),
	}
	auth := newTestAuthenticator(st, 1*time.Minute)

	_, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err == nil {
		t.Fatal("expected error when DB is down, got nil")
	}
	if !errors.Is(err, ErrAuthUnavailable) {
		t.Errorf("expected ErrAuthUnavailable, got: %v", err)
	}
}

func TestPostgresAuth_MissingToken(t *testing.T) {
	st := &mockTokenStore{}
	auth := newTestAuthenticator(st, 1*time.Minute)

	_, err := auth.Authenticate(context.Background(), "")
	if err == nil {
		t.Fatal("expected error for missing token")
	}
	// DB should never be called
	if st.callCount.Load() != 0 {
		t.Error("DB should not be called when token is missing")
	}
}

func TestPostgresAuth_StaleHit_ServesStaleAndRefreshes(t *testing.T) {
	hash := testHash(t)
	st := &mockTokenStore{
		row: &store.APIToken{
			Name:      "deploy",
			TokenHash: hash,
		},
	}
	auth := newTestAuthenticator(st, 1*time.Millisecond) // Very short TTL

	// First call, cache miss
	tc, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err != nil {
		t.Fatalf("first call failed: %v", err)
	}
	if tc.Name != "deploy" {
		t.Fatalf("expected deploy, got %s", tc.Name)
	}
	if st.callCount.Load() != 1 {
		t.Fatalf("expected 1 DB call, got %d", st.callCount.Load())
	}

	// Wait for cache to expire
	time.Sleep(5 * time.Millisecond)

	// Update what the store returns so we can verify refresh happened
	st.row = &store.APIToken{
		Name:      "deploy_renamed", // Changed!
		TokenHash: hash,
	}

	// Second call, stale hit, returns old value immediately
	tc2, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if tc2.Name != "deploy" {
		t.Errorf("stale hit should return old name deploy, got %s", tc2.Name)
	}

	// Wait for background refresh to complete
	time.Sleep(200 * time.Millisecond)

	// Third call should now have the refreshed value
	tc3, err := auth.Authenticate(context.Background(), "Bearer "+testToken)
	if err != nil {
		t.Fatalf("third call failed: %v", err)
	}
	if tc3.Name != "deploy_renamed" {
		t.Errorf("expected refreshed name deploy_renamed, got %s", tc3.Name)
	}
}

// Verify the interfaces are satisfied at compile time.
var _ Authenticator = (*PostgresAuthenticator)(nil)
var _ Authenticator = (*StaticAuthenticator)(nil)
var _ TokenStore = (*store.Store)(nil)
