package crypto

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"github.com/robcowart/ibekd/internal/ibe"
	"golang.org/x/crypto/hkdf"
)

const (
	// SessionKeySize is the size of the session keys generated by nodes
	SessionKeySize = 64
	// MinSessionKeySize is the smallest session key the codec accepts
	MinSessionKeySize = 32

	capsuleVersion byte = 1
)

var capsuleMagic = []byte("IBC1")

// ErrDecode is returned when a capsule cannot be opened, whatever the reason:
// wrong key, truncation, corruption or an unknown header.
var ErrDecode = errors.New("capsule decode failed")

func capsuleHeader() []byte {
	return append(append([]byte{}, capsuleMagic...), capsuleVersion)
}

func capsuleKey(sessionKey []byte) ([]byte, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, sessionKey, nil, []byte("ibekd capsule"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive capsule key: %w", err)
	}
	return key, nil
}

// SealCapsule encrypts payload under sessionKey. The result carries a magic
// and version header followed by the AES-GCM nonce and ciphertext.
func SealCapsule(sessionKey, payload []byte) ([]byte, error) {
	if len(sessionKey) < MinSessionKeySize {
		return nil, fmt.Errorf("session key must be at least %d bytes", MinSessionKeySize)
	}
	key, err := capsuleKey(sessionKey)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	header := capsuleHeader()
	sealed, err := EncryptWithKey(payload, key, string(header))
	if err != nil {
		return nil, fmt.Errorf("failed to seal capsule: %w", err)
	}
	return append(header, sealed...), nil
}

// OpenCapsule decrypts a capsule produced by SealCapsule. Any failure is
// reported as ErrDecode and no partial plaintext is returned.
func OpenCapsule(sessionKey, capsule []byte) ([]byte, error) {
	header := capsuleHeader()
	if len(sessionKey) < MinSessionKeySize {
		return nil, fmt.Errorf("%w: session key too short", ErrDecode)
	}
	if len(capsule) < len(header) || !bytes.Equal(capsule[:len(header)], header) {
		return nil, fmt.Errorf("%w: unrecognized header", ErrDecode)
	}
	key, err := capsuleKey(sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	defer Wipe(key)

	payload, err := DecryptWithKey(capsule[len(header):], key, string(header))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return payload, nil
}

// SealIdentity serializes and seals an identity description. The serialized
// plaintext is wiped before returning.
func SealIdentity(sessionKey []byte, desc *ibe.IdentityDescription) ([]byte, error) {
	payload, err := desc.Marshal()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize identity description: %w", err)
	}
	defer Wipe(payload)
	return SealCapsule(sessionKey, payload)
}

// OpenIdentity opens a capsule and parses the identity description inside it.
func OpenIdentity(sessionKey, capsule []byte) (*ibe.IdentityDescription, error) {
	payload, err := OpenCapsule(sessionKey, capsule)
	if err != nil {
		return nil, err
	}
	defer Wipe(payload)

	desc, err := ibe.UnmarshalIdentityDescription(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return desc, nil
}
