// Package vault seals blobs with AES-256-GCM under a passphrase-derived key.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	magic   = "AGV1"
	saltLen = 16
)

var (
	ErrNotSealed = errors.New("not a sealed blob")
	ErrDecrypt   = errors.New("wrong passphrase or corrupted blob")
)

// Vault derives a fresh Argon2id key for every sealed blob. The salt and
// nonce travel in the blob header: magic | salt | nonce | ciphertext.
type Vault struct {
	passphrase []byte
}

func New(passphrase string) *Vault {
	return &Vault{passphrase: []byte(passphrase)}
}

func (v *Vault) gcm(salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(v.passphrase, salt, 1, 64*1024, 4, 32)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Seal encrypts plaintext. The header is authenticated as additional data.
func (v *Vault) Seal(plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	header := make([]byte, 0, len(magic)+saltLen+len(nonce))
	header = append(header, magic...)
	header = append(header, salt...)
	header = append(header, nonce...)
	return gcm.Seal(header, nonce, plaintext, header), nil
}

func (v *Vault) Open(sealed []byte) ([]byte, error) {
	if !IsSealed(sealed) {
		return nil, ErrNotSealed
	}
	salt := sealed[len(magic) : len(magic)+saltLen]
	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	hdrLen := len(magic) + saltLen + gcm.NonceSize()
	if len(sealed) < hdrLen+gcm.Overhead() {
		return nil, fmt.Errorf("%w: truncated", ErrDecrypt)
	}
	nonce := sealed[len(magic)+saltLen : hdrLen]
	plaintext, err := gcm.Open(nil, nonce, sealed[hdrLen:], sealed[:hdrLen])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// IsSealed reports whether b starts with a vault header.
func IsSealed(b []byte) bool {
	return len(b) >= len(magic)+saltLen && bytes.Equal(b[:len(magic)], []byte(magic))
}
