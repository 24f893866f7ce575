package router

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
)

const secretPrefix = "router:secret"

// SecretBox encrypts destination secrets at rest with AES-256-GCM. The
// plaintext secret exists only in memory while signing requests.
type SecretBox struct {
	aead cipher.AEAD
}

// NewSecretBox builds a SecretBox from a 32-byte key.
func NewSecretBox(key []byte) (*SecretBox, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%s - key must be 32 bytes, got %d", secretPrefix, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%s - init cipher: %w", secretPrefix, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%s - init gcm: %w", secretPrefix, err)
	}
	return &SecretBox{aead: aead}, nil
}

// Seal encrypts a plaintext secret for storage. The nonce is prepended to
// the ciphertext and the whole value is base64 encoded.
func (b *SecretBox) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("%s - read nonce: %w", secretPrefix, err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decrypts a stored secret.
func (b *SecretBox) Open(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%s - decode secret: %w", secretPrefix, err)
	}
	if len(raw) < b.aead.NonceSize() {
		return "", fmt.Errorf("%s - sealed secret too short", secretPrefix)
	}
	nonce, ciphertext := raw[:b.aead.NonceSize()], raw[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%s - open secret: %w", secretPrefix, err)
	}
	return string(plaintext), nil
}
