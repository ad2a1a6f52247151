package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16

	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	// ErrAuthFailed is returned when a password envelope does not open under the given password
	ErrAuthFailed = errors.New("password envelope authentication failed")
	// ErrInvalidEnvelope is returned for malformed password envelopes
	ErrInvalidEnvelope = errors.New("password envelope is invalid")
)

// Envelope is a password-protected blob. The KDF parameters travel with the
// ciphertext so they can be raised later without breaking stored data.
type Envelope struct {
	Version     uint32 `json:"version"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// SealWithPassword encrypts plaintext under a key stretched from password.
func SealWithPassword(password []byte, plaintext []byte) ([]byte, error) {
	salt, err := randomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	key := argon2.IDKey(password, salt, kdfTime, kdfMemoryKB, kdfThreads, chacha20poly1305.KeySize)
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := Envelope{
		Version:     envelopeVersion,
		KDF:         "argon2id",
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        salt,
		Nonce:       nonce,
		Ciphertext:  aead.Seal(nil, nonce, plaintext, nil),
	}
	return json.Marshal(env)
}

// OpenWithPassword decrypts an envelope produced by SealWithPassword.
func OpenWithPassword(password []byte, data []byte) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrInvalidEnvelope
	}
	if env.Version != envelopeVersion || env.KDF != "argon2id" || len(env.Salt) == 0 ||
		len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalidEnvelope
	}

	key := argon2.IDKey(password, env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
	defer Wipe(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

// DeriveIdentityKey stretches an end-user password into the session key that
// protects the identity description issued for identity. The identity acts as
// the salt so the same password yields different keys per identity.
func DeriveIdentityKey(password []byte, identity string) []byte {
	salt := append([]byte("ibekd identity|"), identity...)
	return argon2.IDKey(password, salt, kdfTime, kdfMemoryKB, kdfThreads, SessionKeySize)
}

// Wipe overwrites b with zeros.
func Wipe(b []byte) {
	if len(b) == 0 {
		return
	}
	subtle.ConstantTimeCopy(1, b, make([]byte, len(b)))
}
