// Package ibe implements the identity-based encryption primitive used by the
// key generation authority and its subordinate servers.
//
// The scheme is Boneh-Boyen BB1 over the bn256 pairing, extended with a
// KEM/DEM construction so that arbitrary-length payloads can be encrypted to
// an identity. Each System also carries an ed25519 signing key, derived from
// its master secret, which signs the certificates binding an identity to a
// validity window.
package ibe

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PairingBN256 is the only supported pairing descriptor.
const PairingBN256 = "bn256"

var (
	// ErrUnsupportedPairing is returned by Setup for unknown pairing descriptors.
	ErrUnsupportedPairing = errors.New("ibe: unsupported pairing")
	// ErrInvalidParameter is returned when public or master parameters cannot be decoded.
	ErrInvalidParameter = errors.New("ibe: invalid parameter")
	// ErrDecryption is returned when a ciphertext fails to decrypt under the given key.
	ErrDecryption = errors.New("ibe: decryption failed")
	// ErrInvalidCertificate is returned when a certificate signature or binding does not verify.
	ErrInvalidCertificate = errors.New("ibe: invalid certificate")
)

// Engine is the contract the rest of ibekd depends on.
type Engine interface {
	Setup(pairing []byte) (*SystemParameter, error)
	Keygen(sp *SystemParameter, identity string) (*PrivateKey, error)
	Encrypt(pub *PublicParameter, plaintext []byte, identity string) ([]byte, error)
	Decrypt(key *PrivateKey, ciphertext []byte) ([]byte, error)
	IssueCertificate(sp *SystemParameter, identity string, notBefore time.Time, validity time.Duration) (*Certificate, error)
}

// PublicParameter is the public half of a System. Every field is base64
// encoded when rendered as JSON.
type PublicParameter struct {
	Pairing  []byte `json:"pairing"`
	ParamG   []byte `json:"paramG"`
	ParamG1  []byte `json:"paramG1"`
	ParamH   []byte `json:"paramH"`
	Verifier []byte `json:"verifier"`
}

// Digest returns a hash that uniquely identifies the public parameters.
func (p *PublicParameter) Digest() []byte {
	h := sha256.New()
	for _, field := range [][]byte{p.Pairing, p.ParamG, p.ParamG1, p.ParamH, p.Verifier} {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(field)))
		h.Write(n[:])
		h.Write(field)
	}
	return h.Sum(nil)
}

// Marshal serializes the public parameters.
func (p *PublicParameter) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPublicParameter parses serialized public parameters and checks
// that every group element decodes.
func UnmarshalPublicParameter(data []byte) (*PublicParameter, error) {
	var p PublicParameter
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParameter, err)
	}
	if _, err := parseParams(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SystemParameter holds the public parameters together with the master secret.
type SystemParameter struct {
	Public *PublicParameter
	Master []byte
}

// PrivateKey is an identity key extracted from a System's master secret.
type PrivateKey struct {
	Identity string `json:"identity"`
	D0       []byte `json:"d0"`
	D1       []byte `json:"d1"`
}

// IdentityDescription bundles an identity's private key with the certificate
// vouching for it.
type IdentityDescription struct {
	PrivateKey  *PrivateKey  `json:"privateKey"`
	Certificate *Certificate `json:"certificate"`
}

// Identity returns the identity string the description was issued for.
func (d *IdentityDescription) Identity() string {
	if d.Certificate != nil {
		return d.Certificate.Identity
	}
	if d.PrivateKey != nil {
		return d.PrivateKey.Identity
	}
	return ""
}

// Marshal serializes the description.
func (d *IdentityDescription) Marshal() ([]byte, error) {
	if d.PrivateKey == nil || d.Certificate == nil {
		return nil, fmt.Errorf("ibe: incomplete identity description")
	}
	return json.Marshal(d)
}

// UnmarshalIdentityDescription parses a serialized identity description. The
// result is only returned once every component is present and consistent.
func UnmarshalIdentityDescription(data []byte) (*IdentityDescription, error) {
	var d IdentityDescription
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("ibe: malformed identity description: %w", err)
	}
	if d.PrivateKey == nil || d.Certificate == nil {
		return nil, fmt.Errorf("ibe: incomplete identity description")
	}
	if d.PrivateKey.Identity != d.Certificate.Identity {
		return nil, fmt.Errorf("ibe: private key identity %q does not match certificate identity %q",
			d.PrivateKey.Identity, d.Certificate.Identity)
	}
	if len(d.PrivateKey.D0) != marshaledG2Size || len(d.PrivateKey.D1) != marshaledG2Size {
		return nil, fmt.Errorf("ibe: malformed private key")
	}
	return &d, nil
}
