// Package vault seals tag write secrets at rest with AES-256-GCM.
//
// Sealed values are laid out as [nonce(12) || ciphertext || tag(16)].
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// ErrMalformed is returned when a sealed value is too short to hold a nonce.
var ErrMalformed = errors.New("malformed sealed value")

// Vault seals and opens secrets with one key.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a 32-byte key.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("vault key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return &Vault{aead: gcm}, nil
}

// NewHex creates a vault from a hex-encoded key.
func NewHex(key string) (*Vault, error) {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("decoding vault key: %w", err)
	}
	return New(raw)
}

// GenerateKey returns a fresh random key, hex-encoded.
func GenerateKey() (string, error) {
	buf := make([]byte, KeySize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating vault key: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// Seal encrypts plaintext. The additional data binds the ciphertext to its row.
func (v *Vault) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return v.aead.Seal(nonce, nonce, plaintext, additional), nil
}

// Open decrypts a value produced by Seal with the same additional data.
func (v *Vault) Open(sealed, additional []byte) ([]byte, error) {
	n := v.aead.NonceSize()
	if len(sealed) < n {
		return nil, ErrMalformed
	}
	plaintext, err := v.aead.Open(nil, sealed[:n], sealed[n:], additional)
	if err != nil {
		return nil, fmt.Errorf("opening sealed value: %w", err)
	}
	return plaintext, nil
}
