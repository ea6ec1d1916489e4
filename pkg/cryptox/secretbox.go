package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// SecretBox encrypts small secrets (TOTP seeds) at rest with AES-256-GCM.
// The key is derived from caller-supplied material so there is no ambient
// process-wide key state.
type SecretBox struct {
	key []byte
}

// NewSecretBox derives a 32-byte AES-256 key from the given key material.
func NewSecretBox(keyMaterial []byte) (*SecretBox, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("secretbox: empty key material")
	}
	sum := sha256.Sum256(keyMaterial)
	return &SecretBox{key: sum[:]}, nil
}

// Seal encrypts plaintext. Output format: [nonce][ciphertext+tag].
func (b *SecretBox) Seal(plaintext []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("secretbox: failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts data produced by Seal.
func (b *SecretBox) Open(data []byte) ([]byte, error) {
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}

	if len(data) < gcm.NonceSize() {
		return nil, fmt.Errorf("secretbox: ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("secretbox: decryption failed: %w", err)
	}
	return plaintext, nil
}

func (b *SecretBox) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("secretbox: failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
