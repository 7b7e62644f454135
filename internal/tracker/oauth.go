package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/micros-ai/micros/internal/db"
	"github.com/micros-ai/micros/internal/secrets"
)

// atlassianEndpoint is the OAuth 2.0 token endpoint for Jira Cloud
// three-legged apps.
var atlassianEndpoint = oauth2.Endpoint{
	AuthURL:  "https://auth.atlassian.com/authorize",
	TokenURL: "https://auth.atlassian.com/oauth/token",
}

// refreshSkew refreshes tokens this long before their recorded expiry so a
// token never dies mid-request.
const refreshSkew = 5 * time.Minute

// Tokens resolves secret references to plaintext tokens. OAuth secrets are
// refreshed lazily: expired (or nearly expired) access tokens trigger a
// refresh-token exchange, and the rotated credentials are persisted before
// the new access token is handed out.
type Tokens struct {
	secrets      *secrets.Service
	logger       *slog.Logger
	clientID     string
	clientSecret string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-secret refresh serialization
}

// NewTokens creates the provider. clientID and clientSecret are the OAuth
// app credentials used for refresh exchanges; they may be empty when no
// OAuth sources exist.
func NewTokens(svc *secrets.Service, clientID, clientSecret string, logger *slog.Logger) *Tokens {
	return &Tokens{
		secrets:      svc,
		logger:       logger,
		clientID:     clientID,
		clientSecret: clientSecret,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (t *Tokens) lock(secretID string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.locks[secretID]
	if !ok {
		l = &sync.Mutex{}
		t.locks[secretID] = l
	}
	return l
}

// Token returns the plaintext token for a secret, refreshing OAuth
// credentials when needed.
func (t *Tokens) Token(ctx context.Context, secretID string) (string, error) {
	sec, plaintext, err := t.secrets.Get(ctx, secretID)
	if err != nil {
		return "", err
	}
	if sec.TokenType != db.TokenOAuth || !needsRefresh(sec.ExpiresAt) {
		return plaintext, nil
	}

	// Serialize refreshes per secret: concurrent callers wait and then see
	// the already-rotated token on re-read.
	l := t.lock(secretID)
	l.Lock()
	defer l.Unlock()

	sec, plaintext, err = t.secrets.Get(ctx, secretID)
	if err != nil {
		return "", err
	}
	if !needsRefresh(sec.ExpiresAt) {
		return plaintext, nil
	}
	return t.refresh(ctx, sec)
}

// refresh exchanges the refresh token and persists the rotated pair before
// returning. Atlassian rotates refresh tokens on every exchange; losing the
// new one invalidates the credential permanently, so persistence comes
// before use.
func (t *Tokens) refresh(ctx context.Context, sec *db.Secret) (string, error) {
	if sec.RefreshCiphertext == "" {
		return "", fmt.Errorf("oauth secret %s has no refresh token", sec.ID)
	}
	refreshToken, err := t.secrets.Decrypt(sec.RefreshCiphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token for %s: %w", sec.ID, err)
	}

	cfg := &oauth2.Config{
		ClientID:     t.clientID,
		ClientSecret: t.clientSecret,
		Endpoint:     atlassianEndpoint,
	}
	tok, err := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("refresh oauth token for %s: %w", sec.ID, err)
	}

	newRefresh := tok.RefreshToken
	if newRefresh == "" {
		newRefresh = refreshToken
	}
	var expiresAt *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry
		expiresAt = &e
	}
	if err := t.secrets.RotateTokens(ctx, sec.ID, tok.AccessToken, newRefresh, expiresAt); err != nil {
		return "", fmt.Errorf("persist rotated tokens for %s: %w", sec.ID, err)
	}

	t.logger.Info("refreshed oauth token", "secret_id", sec.ID, "provider", sec.OAuthProvider)
	return tok.AccessToken, nil
}

func needsRefresh(expiresAt *time.Time) bool {
	if expiresAt == nil {
		return false
	}
	return time.Until(*expiresAt) < refreshSkew
}
