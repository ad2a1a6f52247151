// This file implements the Engine interface with the Boneh-Boyen BB1 scheme
// from "Efficient Selective Identity-Based Encryption Without Random Oracles"
// (http://crypto.stanford.edu/~dabo/papers/bbibe.pdf), Section 4.3. The paper
// uses multiplicative groups while bn256 is additive, so g^i in the comments
// corresponds to G1.ScalarBaseMult(i) in code.

package ibe

import (
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/bn256"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const ciphertextVersion byte = 1

// BB1 is the bn256 implementation of Engine.
type BB1 struct{}

// NewBB1 returns a BB1 engine.
func NewBB1() *BB1 { return &BB1{} }

// Setup generates a fresh System for the given pairing descriptor.
func (BB1) Setup(pairing []byte) (*SystemParameter, error) {
	if string(pairing) != PairingBN256 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPairing, pairing)
	}

	var (
		g1, h       bn256.G1
		g1Hat, hHat bn256.G2
		g0Hat       bn256.G2
		g           = new(bn256.G1).ScalarBaseMult(big.NewInt(1))
	)

	alpha, err := random()
	if err != nil {
		return nil, err
	}
	g1.ScalarBaseMult(alpha)
	g1Hat.ScalarBaseMult(alpha)

	delta, err := random()
	if err != nil {
		return nil, err
	}
	h.ScalarBaseMult(delta)
	hHat.ScalarBaseMult(delta)

	beta, err := random()
	if err != nil {
		return nil, err
	}
	alphabeta := new(big.Int).Mul(alpha, beta)
	g0Hat.ScalarBaseMult(alphabeta.Mod(alphabeta, bn256.Order)) // g0Hat = gHat^(alpha*beta)

	v := bn256.Pair(g, &g0Hat)

	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, fmt.Errorf("failed to generate signing seed: %w", err)
	}
	signer := ed25519.NewKeyFromSeed(seed)

	pub := &PublicParameter{
		Pairing:  []byte(PairingBN256),
		ParamG:   v.Marshal(),
		ParamG1:  append(g1.Marshal(), g1Hat.Marshal()...),
		ParamH:   append(h.Marshal(), hHat.Marshal()...),
		Verifier: signer.Public().(ed25519.PublicKey),
	}
	return &SystemParameter{
		Public: pub,
		Master: append(g0Hat.Marshal(), seed...),
	}, nil
}

// Keygen extracts the private key for identity.
func (BB1) Keygen(sp *SystemParameter, identity string) (*PrivateKey, error) {
	params, err := parseParams(sp.Public)
	if err != nil {
		return nil, err
	}
	g0Hat, _, err := parseMaster(sp.Master)
	if err != nil {
		return nil, err
	}
	r, err := random()
	if err != nil {
		return nil, err
	}

	var d0, d1 bn256.G2
	// d0 = g0Hat * (g1Hat^i * hHat)^r
	d0.ScalarMult(&params.g1Hat, id2bignum(identity))
	d0.Add(&d0, &params.hHat)
	d0.ScalarMult(&d0, r)
	d0.Add(&d0, g0Hat)
	d1.ScalarBaseMult(r)

	return &PrivateKey{
		Identity: identity,
		D0:       d0.Marshal(),
		D1:       d1.Marshal(),
	}, nil
}

// Encrypt seals plaintext so that only the holder of identity's private key
// can open it. The ciphertext is version | B | C1 | AEAD(plaintext).
func (BB1) Encrypt(pub *PublicParameter, plaintext []byte, identity string) ([]byte, error) {
	params, err := parseParams(pub)
	if err != nil {
		return nil, err
	}
	s, err := random()
	if err != nil {
		return nil, err
	}

	var (
		vs    bn256.GT
		b, c1 bn256.G1
	)
	vs.ScalarMult(&params.v, s)
	// B = g^s
	b.ScalarBaseMult(s)
	// C1 = (g1^H(id) h)^s
	c1.ScalarMult(&params.g1, id2bignum(identity))
	c1.Add(&c1, &params.h)
	c1.ScalarMult(&c1, s)

	header := make([]byte, 0, 1+2*marshaledG1Size)
	header = append(header, ciphertextVersion)
	header = append(header, b.Marshal()...)
	header = append(header, c1.Marshal()...)

	aead, err := demCipher(vs.Marshal(), identity)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	return aead.Seal(header, nonce, plaintext, header), nil
}

// Decrypt opens a ciphertext produced by Encrypt for key's identity.
func (BB1) Decrypt(key *PrivateKey, ciphertext []byte) ([]byte, error) {
	headerSize := 1 + 2*marshaledG1Size
	if len(ciphertext) < headerSize+chacha20poly1305.Overhead || ciphertext[0] != ciphertextVersion {
		return nil, ErrDecryption
	}

	var (
		b, c1  bn256.G1
		d0, d1 bn256.G2
	)
	if _, ok := b.Unmarshal(ciphertext[1 : 1+marshaledG1Size]); !ok {
		return nil, ErrDecryption
	}
	if _, ok := c1.Unmarshal(ciphertext[1+marshaledG1Size : headerSize]); !ok {
		return nil, ErrDecryption
	}
	if _, ok := d0.Unmarshal(key.D0); !ok {
		return nil, fmt.Errorf("%w: private key", ErrInvalidParameter)
	}
	if _, ok := d1.Unmarshal(key.D1); !ok {
		return nil, fmt.Errorf("%w: private key", ErrInvalidParameter)
	}

	// v^s = e(B, d0) / e(C1, d1)
	numerator := bn256.Pair(&b, &d0)
	denominator := bn256.Pair(&c1, &d1)
	vs := numerator.Add(numerator, denominator.Neg(denominator))

	aead, err := demCipher(vs.Marshal(), key.Identity)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	plaintext, err := aead.Open(nil, nonce, ciphertext[headerSize:], ciphertext[:headerSize])
	if err != nil {
		return nil, ErrDecryption
	}
	return plaintext, nil
}

// IssueCertificate signs identity's validity window with the System signing key.
func (BB1) IssueCertificate(sp *SystemParameter, identity string, notBefore time.Time, validity time.Duration) (*Certificate, error) {
	if validity <= 0 {
		return nil, fmt.Errorf("ibe: certificate validity must be positive")
	}
	_, seed, err := parseMaster(sp.Master)
	if err != nil {
		return nil, err
	}
	cert := &Certificate{
		Identity:     identity,
		NotBefore:    notBefore.UTC().Truncate(time.Millisecond),
		NotAfter:     notBefore.Add(validity).UTC().Truncate(time.Millisecond),
		ParamsDigest: sp.Public.Digest(),
	}
	cert.Signature = ed25519.Sign(ed25519.NewKeyFromSeed(seed), cert.signedBytes())
	return cert, nil
}

// demCipher derives the one-time AEAD key from the pairing value. Every
// encryption draws a fresh s, so a fixed nonce is never reused under a key.
func demCipher(secret []byte, identity string) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("ibekd bb1 dem|"+identity))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive encryption key: %w", err)
	}
	return chacha20poly1305.New(key)
}

// random returns a positive integer in the range [1, bn256.Order).
func random() (*big.Int, error) {
	for {
		k, err := rand.Int(rand.Reader, bn256.Order)
		if err != nil {
			return nil, err
		}
		if k.Sign() > 0 {
			return k, nil
		}
	}
}

func id2bignum(id string) *big.Int {
	h := sha256.Sum256([]byte(id))
	k := new(big.Int).SetBytes(h[:])
	return k.Mod(k, bn256.Order)
}
