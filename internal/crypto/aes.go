// Package crypto provides the symmetric cryptography used by ibekd: AES-256-GCM
// sealing under the authority master key, the capsule codec protecting
// identity descriptions, password envelopes for System master secrets and
// helpers for generating and wiping key material.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"
)

// MasterKeySize is the size of the authority master key
const MasterKeySize = 32

// EncryptWithKey encrypts plaintext using AES-256-GCM. The associated data is
// authenticated but not encrypted and must be supplied again to decrypt.
func EncryptWithKey(plaintext []byte, key []byte, associatedData string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Output is nonce | ciphertext
	return gcm.Seal(nonce, nonce, plaintext, []byte(associatedData)), nil
}

// DecryptWithKey decrypts data produced by EncryptWithKey
func DecryptWithKey(encrypted []byte, key []byte, associatedData string) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(encrypted) < nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := encrypted[:nonceSize], encrypted[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(associatedData))
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}

	return plaintext, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// GenerateMasterKey generates a new 32-byte (256-bit) master key
func GenerateMasterKey() ([]byte, error) {
	return randomBytes(MasterKeySize)
}

// GenerateSessionKey generates a fresh session key of size bytes from a
// cryptographically secure source.
func GenerateSessionKey(size int) ([]byte, error) {
	if size < MinSessionKeySize {
		return nil, fmt.Errorf("session key must be at least %d bytes", MinSessionKeySize)
	}
	return randomBytes(size)
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}
