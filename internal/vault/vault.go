// Package vault supplies decrypted, refreshed mailbox credentials. Refresh
// tokens are stored AES-256-GCM encrypted; access tokens are minted on
// demand through the Google OAuth endpoint and cached until shortly before
// expiry. The consent flow that produces refresh tokens lives outside the
// core; the vault only consumes what it stored.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// ErrAuthExpired means the stored credential cannot be refreshed and the
// user must re-authenticate. Non-retryable.
var ErrAuthExpired = errors.New("vault: credential expired, re-authentication required")

// ErrNoCredential means no refresh token was ever stored for the user.
var ErrNoCredential = errors.New("vault: no stored credential")

// TokenStore persists encrypted refresh tokens.
type TokenStore interface {
	RefreshToken(ctx context.Context, userID string) ([]byte, error)
	SaveRefreshToken(ctx context.Context, userID string, ciphertext []byte) error
}

// Vault exchanges stored refresh tokens for live access tokens.
type Vault struct {
	store TokenStore
	oauth *oauth2.Config
	aead  cipher.AEAD

	mu    sync.Mutex
	cache map[string]cachedToken
}

type cachedToken struct {
	accessToken string
	expiry      time.Time
}

// New creates a vault. hexKey must decode to 32 bytes.
func New(store TokenStore, clientID, clientSecret, hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	return &Vault{
		store: store,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.readonly"},
		},
		aead:  aead,
		cache: make(map[string]cachedToken),
	}, nil
}

// StoreToken encrypts and persists a refresh token for a user.
func (v *Vault) StoreToken(ctx context.Context, userID, refreshToken string) error {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ciphertext := v.aead.Seal(nonce, nonce, []byte(refreshToken), nil)
	if err := v.store.SaveRefreshToken(ctx, userID, ciphertext); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// Credential returns a valid access token for the user's mailbox,
// refreshing through Google when the cached token is stale. Refresh
// failure (revoked grant, expired token) maps to ErrAuthExpired.
func (v *Vault) Credential(ctx context.Context, userID string) (string, error) {
	v.mu.Lock()
	if tok, ok := v.cache[userID]; ok && time.Until(tok.expiry) > time.Minute {
		v.mu.Unlock()
		return tok.accessToken, nil
	}
	v.mu.Unlock()

	ciphertext, err := v.store.RefreshToken(ctx, userID)
	if err != nil {
		return "", err
	}
	refreshToken, err := v.decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}

	ts := v.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := ts.Token()
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrAuthExpired, err)
	}

	v.mu.Lock()
	v.cache[userID] = cachedToken{accessToken: tok.AccessToken, expiry: tok.Expiry}
	v.mu.Unlock()
	return tok.AccessToken, nil
}

func (v *Vault) decrypt(ciphertext []byte) (string, error) {
	if len(ciphertext) < v.aead.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, sealed := ciphertext[:v.aead.NonceSize()], ciphertext[v.aead.NonceSize():]
	plain, err := v.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}
