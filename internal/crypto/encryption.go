// Package crypto seals mail credentials at rest.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrCiphertextTooShort is returned for input shorter than a nonce.
var ErrCiphertextTooShort = errors.New("ciphertext too short")

// Encryptor seals short secrets with AES-256-GCM. Output is nonce || ciphertext || tag.
// Safe for concurrent use.
type Encryptor struct {
	aead cipher.AEAD
}

// NewEncryptor builds an Encryptor from a base64-encoded 32-byte key.
func NewEncryptor(base64Key string) (*Encryptor, error) {
	key, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (256 bits), got %d bytes", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Encryptor{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random nonce.
func (e *Encryptor) Encrypt(plaintext string) ([]byte, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return e.aead.Seal(nonce, nonce, []byte(plaintext), nil), nil
}

// Decrypt opens a value produced by Encrypt. Tampered input or a different key fails.
func (e *Encryptor) Decrypt(sealed []byte) (string, error) {
	n := e.aead.NonceSize()
	if len(sealed) < n {
		return "", ErrCiphertextTooShort
	}

	plaintext, err := e.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptPair seals the IMAP and SMTP passwords of one account together.
func (e *Encryptor) EncryptPair(imapPassword, smtpPassword string) (imapSealed, smtpSealed []byte, err error) {
	if imapSealed, err = e.Encrypt(imapPassword); err != nil {
		return nil, nil, fmt.Errorf("imap password: %w", err)
	}
	if smtpSealed, err = e.Encrypt(smtpPassword); err != nil {
		return nil, nil, fmt.Errorf("smtp password: %w", err)
	}
	return imapSealed, smtpSealed, nil
}
