package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/subscout/subscout/internal/vault"
)

// CredentialRepo implements vault.TokenStore against PostgreSQL. Tokens are
// stored as ciphertext; encryption happens in the vault, never here.
type CredentialRepo struct{ db *sql.DB }

// NewCredentialRepo creates a Postgres-backed credential repository.
func NewCredentialRepo(db *sql.DB) *CredentialRepo { return &CredentialRepo{db: db} }

func (r *CredentialRepo) RefreshToken(ctx context.Context, userID string) ([]byte, error) {
	var ciphertext []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT refresh_token_ciphertext FROM user_credentials WHERE user_id = $1
	`, userID).Scan(&ciphertext)
	if err == sql.ErrNoRows {
		return nil, vault.ErrNoCredential
	}
	if err != nil {
		return nil, fmt.Errorf("get refresh token: %w", err)
	}
	return ciphertext, nil
}

func (r *CredentialRepo) SaveRefreshToken(ctx context.Context, userID string, ciphertext []byte) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_credentials (user_id, refresh_token_ciphertext, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (user_id) DO UPDATE SET refresh_token_ciphertext = $2, updated_at = NOW()
	`, userID, ciphertext)
	if err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Email returns the notification address stored for a user, or empty when
// none is on file.
func (r *CredentialRepo) Email(ctx context.Context, userID string) (string, error) {
	var email sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT email FROM user_credentials WHERE user_id = $1
	`, userID).Scan(&email)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get user email: %w", err)
	}
	return email.String, nil
}
