package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrNoSecretKey means the symmetric key was never configured.
	// Secret storage fails closed without it.
	ErrNoSecretKey = errors.New("crypto: secret encryption key not configured")
	// ErrDecryptFailed covers bad ciphertexts and wrong keys alike.
	ErrDecryptFailed = errors.New("crypto: decryption failed")
)

// SecretBox provides AES-256-GCM authenticated encryption for values at
// rest. The key is loaded once from configuration.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox builds a box from a base64-encoded 32-byte key.
func NewSecretBox(keyB64 string) (*SecretBox, error) {
	if keyB64 == "" {
		return nil, ErrNoSecretKey
	}
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid secret key encoding: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("crypto: secret key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init failed: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: gcm init failed: %w", err)
	}
	return &SecretBox{aead: aead}, nil
}

// GenerateSecretKey returns a fresh base64 key for GATEWAY_FERNET_KEY.
func GenerateSecretKey() string {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		panic(fmt.Sprintf("crypto: rand failed: %v", err))
	}
	return base64.StdEncoding.EncodeToString(key)
}

// Encrypt seals plaintext. The nonce is prepended to the ciphertext.
func (b *SecretBox) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation failed: %w", err)
	}
	return b.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a blob produced by Encrypt.
func (b *SecretBox) Decrypt(blob []byte) (string, error) {
	if len(blob) < b.aead.NonceSize() {
		return "", ErrDecryptFailed
	}
	nonce, ciphertext := blob[:b.aead.NonceSize()], blob[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", ErrDecryptFailed
	}
	return string(plaintext), nil
}
