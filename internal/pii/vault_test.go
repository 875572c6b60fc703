package pii

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muckitymuck/erasure-executor/internal/store"
)

func tempStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := NewVault(key, tempStore(t))
	require.NoError(t, err)

	profile := map[string]any{"full_name": "Jane Doe", "city": "Austin"}
	ciphertext, nonce, hash, err := v.Encrypt(profile)
	require.NoError(t, err)
	assert.NotEmpty(t, hash)

	decoded, err := v.decrypt(ciphertext, nonce)
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", decoded["full_name"])
}

func TestDataHashStableAcrossKeyOrder(t *testing.T) {
	h1, err := DataHash(map[string]any{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := DataHash(map[string]any{"b": 2, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestStoreThenDecryptThroughStore(t *testing.T) {
	key := make([]byte, 32)
	v, err := NewVault(key, tempStore(t))
	require.NoError(t, err)

	profile := map[string]any{"full_name": "Jane Doe"}
	require.NoError(t, v.Store("profile-1", "primary", profile))

	got, err := v.Decrypt(context.Background(), "profile-1")
	require.NoError(t, err)
	assert.Equal(t, "Jane Doe", got["full_name"])
}

func TestRejectsWrongKeySize(t *testing.T) {
	_, err := NewVault([]byte("too-short"), tempStore(t))
	require.Error(t, err)
}
