package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// APIToken represents a row in the api_tokens table. The token itself is
// stored only as a bcrypt hash; the prefix narrows lookup candidates.
type APIToken struct {
	ID          string
	Name        string
	TokenHash   string
	TokenPrefix string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// GenerateToken creates a new psk_ API token with its bcrypt hash and
// prefix. Returns (fullToken, hash, prefix, error). The fullToken is shown
// to the caller once.
func GenerateToken() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateToken: %w", err)
	}
	fullToken := "psk_" + hex.EncodeToString(raw) // 68 chars total

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(fullToken), bcrypt.DefaultCost)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateToken: %w", err)
	}

	prefix := fullToken[:8] // "psk_abcd"
	return fullToken, string(hashBytes), prefix, nil
}

// CreateToken mints a token under a human-readable name.
// Returns the row and the plaintext token (shown once).
func (s *Store) CreateToken(ctx context.Context, name string) (*APIToken, string, error) {
	fullToken, tokenHash, tokenPrefix, err := GenerateToken()
	if err != nil {
		return nil, "", fmt.Errorf("CreateToken: %w", err)
	}

	var t APIToken
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO api_tokens (name, token_hash, token_prefix)
		VALUES ($1, $2, $3)
		RETURNING id, name, token_hash, token_prefix, created_at, updated_at`,
		name, tokenHash, tokenPrefix,
	).Scan(&t.ID, &t.Name, &t.TokenHash, &t.TokenPrefix, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, "", fmt.Errorf("CreateToken: %w", err)
	}
	return &t, fullToken, nil
}

// ListTokens returns all tokens ordered by created_at DESC.
func (s *Store) ListTokens(ctx context.Context) ([]*APIToken, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, token_hash, token_prefix, created_at, updated_at
		FROM api_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ListTokens: %w", err)
	}
	defer rows.Close()

	var tokens []*APIToken
	for rows.Next() {
		var t APIToken
		if err := rows.Scan(&t.ID, &t.Name, &t.TokenHash, &t.TokenPrefix,
			&t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("ListTokens: %w", err)
		}
		tokens = append(tokens, &t)
	}
	return tokens, rows.Err()
}

// GetToken returns a token by ID, or nil if not found.
func (s *Store) GetToken(ctx context.Context, id string) (*APIToken, error) {
	var t APIToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, token_hash, token_prefix, created_at, updated_at
		FROM api_tokens WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.TokenHash, &t.TokenPrefix, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetToken: %w", err)
	}
	return &t, nil
}

// DeleteToken deletes a token by ID.
func (s *Store) DeleteToken(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM api_tokens WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("DeleteToken: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// LookupTokenByPrefix finds a token by its prefix (first 8 chars).
// Used by auth to narrow candidates before bcrypt verify.
func (s *Store) LookupTokenByPrefix(ctx context.Context, prefix string) (*APIToken, error) {
	var t APIToken
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, token_hash, token_prefix, created_at, updated_at
		FROM api_tokens WHERE token_prefix = $1`, prefix,
	).Scan(&t.ID, &t.Name, &t.TokenHash, &t.TokenPrefix, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("LookupTokenByPrefix: %w", err)
	}
	return &t, nil
}
