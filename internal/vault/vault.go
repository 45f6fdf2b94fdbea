// Package vault encrypts upstream access tokens at rest.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidKey       = errors.New("invalid encryption key")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const keyDerivationSalt = "inbound-automation-vault"

// Vault seals secrets with AES-256-GCM. The associated data binds a
// ciphertext to its owner so a token copied to another row will not open.
type Vault struct {
	aead cipher.AEAD
}

// New accepts a 32-byte hex master key. Any other non-empty value is
// treated as a passphrase and stretched with Argon2id.
func New(masterKey string) (*Vault, error) {
	if masterKey == "" {
		return nil, ErrInvalidKey
	}
	key, err := hex.DecodeString(masterKey)
	if err != nil || len(key) != 32 {
		key = argon2.IDKey([]byte(masterKey), []byte(keyDerivationSalt), 3, 64*1024, 4, 32)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &Vault{aead: aead}, nil
}

// Encrypt returns base64(nonce || ciphertext).
func (v *Vault) Encrypt(plaintext, owner string) (string, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), []byte(owner))
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt for the same owner.
func (v *Vault) Decrypt(encoded, owner string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	n := v.aead.NonceSize()
	if len(raw) < n {
		return "", ErrDecryptionFailed
	}
	plain, err := v.aead.Open(nil, raw[:n], raw[n:], []byte(owner))
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plain), nil
}
