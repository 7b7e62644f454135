package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TokenType classifies how a secret authenticates against a provider.
type TokenType string

const (
	TokenAPI   TokenType = "api"
	TokenOAuth TokenType = "oauth"
	TokenPAT   TokenType = "pat"
)

// Secret is an encrypted credential owned by a project. The engine never
// sees plaintext outside the secrets service.
type Secret struct {
	ID                string
	ProjectID         string
	Name              string
	Description       string
	Ciphertext        string
	EncryptionVersion int
	TokenType         TokenType
	OAuthProvider     string
	RefreshCiphertext string
	ExpiresAt         *time.Time
	Scopes            string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

const secretCols = "id, project_id, name, description, ciphertext, encryption_version, token_type, oauth_provider, refresh_ciphertext, expires_at, scopes, created_at, updated_at"

// CreateSecret inserts a secret. (project_id, name) must be unique.
func (s *Store) CreateSecret(ctx context.Context, sec *Secret) error {
	if sec.ID == "" {
		sec.ID = uuid.NewString()
	}
	if sec.EncryptionVersion == 0 {
		sec.EncryptionVersion = 1
	}
	now := time.Now()
	sec.CreatedAt = now
	sec.UpdatedAt = now

	_, err := s.Exec(ctx, `
		INSERT INTO secrets (id, project_id, name, description, ciphertext, encryption_version, token_type, oauth_provider, refresh_ciphertext, expires_at, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sec.ID, sec.ProjectID, sec.Name, nilIfEmpty(sec.Description), sec.Ciphertext, sec.EncryptionVersion,
		nilIfEmpty(string(sec.TokenType)), nilIfEmpty(sec.OAuthProvider), nilIfEmpty(sec.RefreshCiphertext),
		fmtTimePtr(sec.ExpiresAt), nilIfEmpty(sec.Scopes), fmtTime(now), fmtTime(now))
	if err != nil {
		return fmt.Errorf("create secret: %w", err)
	}
	return nil
}

// GetSecret retrieves a secret by ID.
func (s *Store) GetSecret(ctx context.Context, id string) (*Secret, error) {
	row := s.QueryRow(ctx, "SELECT "+secretCols+" FROM secrets WHERE id = ?", id)
	sec, err := scanSecret(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get secret %s: %w", id, err)
	}
	return sec, nil
}

// UpdateSecretTokens rewrites the token material after an OAuth refresh.
// The rotated refresh token and new expiry land atomically so no reader
// observes a half-refreshed secret.
func (s *Store) UpdateSecretTokens(ctx context.Context, id, ciphertext, refreshCiphertext string, expiresAt *time.Time) error {
	res, err := s.Exec(ctx, `
		UPDATE secrets
		SET ciphertext = ?, refresh_ciphertext = ?, expires_at = ?, updated_at = ?
		WHERE id = ?
	`, ciphertext, nilIfEmpty(refreshCiphertext), fmtTimePtr(expiresAt), fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update secret tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSecret removes a secret.
func (s *Store) DeleteSecret(ctx context.Context, id string) error {
	_, err := s.Exec(ctx, "DELETE FROM secrets WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete secret: %w", err)
	}
	return nil
}

func scanSecret(row *sql.Row) (*Secret, error) {
	var sec Secret
	var description, tokenType, oauthProvider, refresh, expiresAt, scopes sql.NullString
	var createdAt, updatedAt string

	if err := row.Scan(&sec.ID, &sec.ProjectID, &sec.Name, &description, &sec.Ciphertext, &sec.EncryptionVersion,
		&tokenType, &oauthProvider, &refresh, &expiresAt, &scopes, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	sec.Description = nullStr(description)
	sec.TokenType = TokenType(nullStr(tokenType))
	sec.OAuthProvider = nullStr(oauthProvider)
	sec.RefreshCiphertext = nullStr(refresh)
	sec.ExpiresAt = parseTimePtr(expiresAt)
	sec.Scopes = nullStr(scopes)
	sec.CreatedAt = parseTime(createdAt)
	sec.UpdatedAt = parseTime(updatedAt)
	return &sec, nil
}
