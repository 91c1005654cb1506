// Package crypto seals the stored OAuth token at rest. When ENCRYPTION_KEY is
// configured the token is wrapped with AES-256-GCM; otherwise it is stored as
// plain text so a fresh install works without any key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// sealedPrefix marks values produced by AESSealer so that plain values written
// before a key was configured are still readable.
const sealedPrefix = "gcm1:"

// ErrSealed is returned when a sealed value is read without a key.
var ErrSealed = errors.New("value is encrypted but no encryption key is configured")

// Sealer converts secrets to and from their stored form.
type Sealer interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// New returns an AESSealer for a base64 key, or a Plain sealer when key is empty.
func New(base64Key string) (Sealer, error) {
	if base64Key == "" {
		return Plain{}, nil
	}
	return NewAESSealer(base64Key)
}

// IsSealed reports whether stored was produced by an AESSealer.
func IsSealed(stored string) bool { return strings.HasPrefix(stored, sealedPrefix) }

// Plain stores secrets unchanged.
type Plain struct{}

func (Plain) Seal(plaintext string) (string, error) { return plaintext, nil }

func (Plain) Open(stored string) (string, error) {
	if IsSealed(stored) {
		return "", ErrSealed
	}
	return stored, nil
}

// AESSealer implements Sealer using AES-256-GCM with a random 12 byte nonce
// prepended to the ciphertext.
type AESSealer struct {
	aead cipher.AEAD
}

// NewAESSealer builds a sealer from a base64-encoded 32-byte key
// (openssl rand -base64 32).
func NewAESSealer(base64Key string) (*AESSealer, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: base64 decode failed: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid encryption key: must be 32 bytes (256 bits), got %d bytes", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &AESSealer{aead: aead}, nil
}

func (s *AESSealer) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	out := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(out), nil
}

// Open reverses Seal. Values without the sealed prefix are returned as-is so a
// token stored before encryption was enabled keeps working until it is rewritten.
func (s *AESSealer) Open(stored string) (string, error) {
	if !IsSealed(stored) {
		return stored, nil
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, sealedPrefix))
	if err != nil {
		return "", fmt.Errorf("decode sealed value: %w", err)
	}
	n := s.aead.NonceSize()
	if len(raw) < n {
		return "", fmt.Errorf("ciphertext too short: expected at least %d bytes, got %d", n, len(raw))
	}
	plain, err := s.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		// Don't expose internal error details.
		return "", fmt.Errorf("decryption failed: authentication or integrity check failed")
	}
	return string(plain), nil
}
