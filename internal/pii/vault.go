// Package pii implements the encrypted-at-rest profile vault (PII Vault,
// glossary): AES-256-GCM encryption of subject profile data plus a
// SHA-256 integrity hash for change detection without decryption, ported
// from original_source's engine/pii_vault.py.
package pii

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/muckitymuck/erasure-executor/internal/store"
)

// Vault encrypts and decrypts PII profiles with a single 256-bit key.
// Key management (rotation, KMS-backed storage) is out of core scope
// (spec.md §1).
type Vault struct {
	aead  cipher.AEAD
	store *store.Store
}

// NewVault builds a Vault from a raw 32-byte key.
func NewVault(key []byte, s *store.Store) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("pii: encryption key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pii: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("pii: new gcm: %w", err)
	}
	return &Vault{aead: aead, store: s}, nil
}

// NewVaultFromHex builds a Vault from a 64-character hex-encoded key.
func NewVaultFromHex(hexKey string, s *store.Store) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("pii: decode hex key: %w", err)
	}
	return NewVault(key, s)
}

// canonicalJSON marshals v the way original_source's json.dumps(...,
// sort_keys=True) does, so hashing and encryption are stable across
// Go map iteration order.
func canonicalJSON(v map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(v[k])
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// DataHash returns the SHA-256 hash of the canonical profile for
// change detection without decryption.
func DataHash(profile map[string]any) (string, error) {
	canon, err := canonicalJSON(profile)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// Encrypt seals profile with a fresh random nonce. Returns ciphertext
// (with the GCM tag appended), nonce, and the integrity hash.
func (v *Vault) Encrypt(profile map[string]any) (ciphertext, nonce []byte, hash string, err error) {
	plaintext, err := canonicalJSON(profile)
	if err != nil {
		return nil, nil, "", fmt.Errorf("pii: canonicalize profile: %w", err)
	}
	nonce = make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, "", fmt.Errorf("pii: generate nonce: %w", err)
	}
	ciphertext = v.aead.Seal(nil, nonce, plaintext, nil)

	sum := sha256.Sum256(plaintext)
	hash = hex.EncodeToString(sum[:])
	return ciphertext, nonce, hash, nil
}

// decrypt opens ciphertext with nonce and decodes the resulting JSON.
func (v *Vault) decrypt(ciphertext, nonce []byte) (map[string]any, error) {
	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("pii: decrypt: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(plaintext, &out); err != nil {
		return nil, fmt.Errorf("pii: decode decrypted profile: %w", err)
	}
	return out, nil
}

// Decrypt satisfies tasks.PIIVault: it loads the stored profile record by
// id and decrypts it.
func (v *Vault) Decrypt(_ context.Context, profileID string) (map[string]any, error) {
	rec, err := v.store.GetPIIProfile(profileID)
	if err != nil {
		return nil, fmt.Errorf("pii: load profile %s: %w", profileID, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("pii: profile %s not found", profileID)
	}
	return v.decrypt(rec.Ciphertext, rec.Nonce)
}

// Store encrypts profile and upserts it into the pii_profiles table.
func (v *Vault) Store(profileID, label string, profile map[string]any) error {
	ciphertext, nonce, hash, err := v.Encrypt(profile)
	if err != nil {
		return err
	}
	return v.store.UpsertPIIProfile(&store.PIIProfile{
		ProfileID:     profileID,
		Label:         label,
		Ciphertext:    ciphertext,
		Nonce:         nonce,
		IntegrityHash: hash,
	})
}
