// SPDX-FileCopyrightText: Copyright 2026 RAW Labs SA
// SPDX-License-Identifier: Apache-2.0

package tokens

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/raw-labs/mxcp/pkg/errors"
)

// Box performs authenticated encryption of sensitive store columns with
// AES-256-GCM. The store owns the only Box instance; ciphertext and keys
// never cross the store boundary.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives an AES-256 key from the resolved key material and returns
// a ready Box. Key material shorter than 32 bytes is rejected: a weak key
// must prevent startup rather than silently weaken the store.
func NewBox(keyMaterial []byte) (*Box, error) {
	if len(keyMaterial) < 32 {
		return nil, fmt.Errorf("encryption key must be at least 32 bytes, got %d", len(keyMaterial))
	}
	key := sha256.Sum256(keyMaterial)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}
	return &Box{aead: aead}, nil
}

// Seal encrypts plaintext, binding it to the additional data. The nonce is
// prepended to the returned ciphertext.
func (b *Box) Seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return b.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open decrypts ciphertext produced by Seal. Any authentication failure is
// classified as tamper; callers must treat the owning record as invalid.
func (b *Box) Open(ciphertext, additionalData []byte) ([]byte, error) {
	if len(ciphertext) < b.aead.NonceSize() {
		return nil, errors.NewError(errors.ErrTamper, "ciphertext truncated", nil)
	}
	nonce, sealed := ciphertext[:b.aead.NonceSize()], ciphertext[b.aead.NonceSize():]
	plaintext, err := b.aead.Open(nil, nonce, sealed, additionalData)
	if err != nil {
		return nil, errors.NewError(errors.ErrTamper, "decryption failed", err)
	}
	return plaintext, nil
}
