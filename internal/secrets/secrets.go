// Package secrets stores and retrieves encrypted credentials. Plaintext
// only exists in memory inside this package's callers; the database holds
// AES-GCM ciphertext.
package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/micros-ai/micros/internal/db"
)

// Service encrypts and decrypts project secrets backed by the store.
type Service struct {
	store *db.Store
	key   []byte
}

// New creates a Service. The encryption key may be any non-empty string;
// it is stretched to 32 bytes with SHA-256.
func New(store *db.Store, encryptionKey string) (*Service, error) {
	if encryptionKey == "" {
		return nil, fmt.Errorf("encryption key is empty")
	}
	sum := sha256.Sum256([]byte(encryptionKey))
	return &Service{store: store, key: sum[:]}, nil
}

// Put encrypts plaintext and stores it as a new secret.
func (s *Service) Put(ctx context.Context, projectID, name, plaintext string) (*db.Secret, error) {
	ct, err := s.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	sec := &db.Secret{
		ProjectID:  projectID,
		Name:       name,
		Ciphertext: ct,
		TokenType:  db.TokenAPI,
	}
	if err := s.store.CreateSecret(ctx, sec); err != nil {
		return nil, err
	}
	return sec, nil
}

// Get loads a secret and decrypts its primary token.
func (s *Service) Get(ctx context.Context, id string) (*db.Secret, string, error) {
	sec, err := s.store.GetSecret(ctx, id)
	if err != nil {
		return nil, "", err
	}
	pt, err := s.Decrypt(sec.Ciphertext)
	if err != nil {
		return nil, "", fmt.Errorf("decrypt secret %s: %w", id, err)
	}
	return sec, pt, nil
}

// RotateTokens encrypts and persists refreshed token material atomically.
func (s *Service) RotateTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt *time.Time) error {
	ct, err := s.Encrypt(accessToken)
	if err != nil {
		return err
	}
	var refreshCT string
	if refreshToken != "" {
		refreshCT, err = s.Encrypt(refreshToken)
		if err != nil {
			return err
		}
	}
	return s.store.UpdateSecretTokens(ctx, id, ct, refreshCT, expiresAt)
}

// Encrypt seals plaintext with AES-256-GCM, returning base64(nonce||ct).
func (s *Service) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt.
func (s *Service) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}
	nonce, ct := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(pt), nil
}
