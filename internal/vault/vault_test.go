package vault

import (
	"context"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	tokens map[string][]byte
}

func (m *memStore) RefreshToken(_ context.Context, userID string) ([]byte, error) {
	tok, ok := m.tokens[userID]
	if !ok {
		return nil, ErrNoCredential
	}
	return tok, nil
}

func (m *memStore) SaveRefreshToken(_ context.Context, userID string, ciphertext []byte) error {
	m.tokens[userID] = ciphertext
	return nil
}

func testKey() string {
	return hex.EncodeToString(make([]byte, 32))
}

func TestNewRejectsBadKey(t *testing.T) {
	store := &memStore{tokens: map[string][]byte{}}

	_, err := New(store, "id", "secret", "not-hex")
	assert.Error(t, err)

	_, err = New(store, "id", "secret", hex.EncodeToString(make([]byte, 16)))
	assert.Error(t, err)
}

func TestStoreTokenRoundTrip(t *testing.T) {
	store := &memStore{tokens: map[string][]byte{}}
	v, err := New(store, "id", "secret", testKey())
	require.NoError(t, err)

	require.NoError(t, v.StoreToken(context.Background(), "user-1", "refresh-token-value"))

	ciphertext := store.tokens["user-1"]
	require.NotEmpty(t, ciphertext)
	assert.NotContains(t, string(ciphertext), "refresh-token-value")

	plain, err := v.decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, "refresh-token-value", plain)
}

func TestDecryptRejectsTampered(t *testing.T) {
	store := &memStore{tokens: map[string][]byte{}}
	v, err := New(store, "id", "secret", testKey())
	require.NoError(t, err)

	require.NoError(t, v.StoreToken(context.Background(), "user-1", "secret-token"))
	ciphertext := store.tokens["user-1"]
	ciphertext[len(ciphertext)-1] ^= 0xff

	_, err = v.decrypt(ciphertext)
	assert.Error(t, err)
}

func TestCredentialMissingUser(t *testing.T) {
	store := &memStore{tokens: map[string][]byte{}}
	v, err := New(store, "id", "secret", testKey())
	require.NoError(t, err)

	_, err = v.Credential(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNoCredential)
}
