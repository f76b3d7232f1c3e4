// Package tokencrypt encrypts provider credentials at the storage boundary.
//
// Token rows in the database hold ciphertext only; callers encrypt before
// writing and decrypt after reading, keeping the credential entity a plain
// data record with no hidden accessor magic.
//
// The cipher is XChaCha20-Poly1305 with a random 24-byte nonce prepended to
// the ciphertext, encoded as base64 for storage in TEXT columns.
package tokencrypt

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// KeyLen is the required key length in bytes (256 bits).
const KeyLen = chacha20poly1305.KeySize

// ErrKeyLength is returned when the key is not exactly KeyLen bytes.
var ErrKeyLength = fmt.Errorf("tokencrypt: key must be exactly %d bytes", KeyLen)

// ErrCiphertext is returned when a stored value cannot be decrypted,
// either because it is malformed or was encrypted under a different key.
var ErrCiphertext = errors.New("tokencrypt: invalid ciphertext")

// Service encrypts and decrypts credential strings under a fixed key.
type Service struct {
	key []byte
}

// New creates a Service. The key must be exactly KeyLen bytes.
func New(key []byte) (*Service, error) {
	if len(key) != KeyLen {
		return nil, ErrKeyLength
	}
	k := make([]byte, KeyLen)
	copy(k, key)
	return &Service{key: k}, nil
}

// Encrypt seals plaintext and returns a base64 string safe for TEXT columns.
func (s *Service) Encrypt(plaintext string) (string, error) {
	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("tokencrypt: cipher init: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("tokencrypt: nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns ErrCiphertext for malformed input or a
// key mismatch.
func (s *Service) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCiphertext, err)
	}

	aead, err := chacha20poly1305.NewX(s.key)
	if err != nil {
		return "", fmt.Errorf("tokencrypt: cipher init: %w", err)
	}

	if len(raw) < aead.NonceSize() {
		return "", ErrCiphertext
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrCiphertext
	}
	return string(plain), nil
}
