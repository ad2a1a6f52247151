package ibe

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupSystem(t *testing.T) (*BB1, *SystemParameter) {
	t.Helper()
	engine := NewBB1()
	sp, err := engine.Setup([]byte(PairingBN256))
	require.NoError(t, err)
	return engine, sp
}

func TestSetup(t *testing.T) {
	t.Run("Produces well-formed parameters", func(t *testing.T) {
		_, sp := setupSystem(t)
		assert.Equal(t, []byte(PairingBN256), sp.Public.Pairing)
		assert.Len(t, sp.Public.ParamG, marshaledGTSize)
		assert.Len(t, sp.Public.ParamG1, marshaledG1Size+marshaledG2Size)
		assert.Len(t, sp.Public.ParamH, marshaledG1Size+marshaledG2Size)
		assert.Len(t, sp.Master, marshaledG2Size+32)
	})

	t.Run("Unknown pairing is rejected", func(t *testing.T) {
		_, err := NewBB1().Setup([]byte("type a"))
		assert.ErrorIs(t, err, ErrUnsupportedPairing)
	})

	t.Run("Public parameters survive serialization", func(t *testing.T) {
		_, sp := setupSystem(t)
		data, err := sp.Public.Marshal()
		require.NoError(t, err)

		pub, err := UnmarshalPublicParameter(data)
		require.NoError(t, err)
		assert.Equal(t, sp.Public.Digest(), pub.Digest())
	})

	t.Run("Corrupt public parameters are rejected", func(t *testing.T) {
		_, sp := setupSystem(t)
		broken := *sp.Public
		broken.ParamH = broken.ParamH[:10]
		data, err := broken.Marshal()
		require.NoError(t, err)

		_, err = UnmarshalPublicParameter(data)
		assert.ErrorIs(t, err, ErrInvalidParameter)
	})
}

func TestEncryptDecrypt(t *testing.T) {
	engine, sp := setupSystem(t)
	const identity = "alice@example.com"

	key, err := engine.Keygen(sp, identity)
	require.NoError(t, err)

	t.Run("Round trip for the matching identity", func(t *testing.T) {
		plaintext := bytes.Repeat([]byte{0xA5}, 64)
		ct, err := engine.Encrypt(sp.Public, plaintext, identity)
		require.NoError(t, err)

		got, err := engine.Decrypt(key, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("Arbitrary length plaintext", func(t *testing.T) {
		plaintext := []byte("a password that is longer than one hash block of output, certainly")
		ct, err := engine.Encrypt(sp.Public, plaintext, identity)
		require.NoError(t, err)

		got, err := engine.Decrypt(key, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	})

	t.Run("Other identity cannot decrypt", func(t *testing.T) {
		ct, err := engine.Encrypt(sp.Public, []byte("secret"), identity)
		require.NoError(t, err)

		other, err := engine.Keygen(sp, "bob@example.com")
		require.NoError(t, err)
		_, err = engine.Decrypt(other, ct)
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("Key from another system cannot decrypt", func(t *testing.T) {
		ct, err := engine.Encrypt(sp.Public, []byte("secret"), identity)
		require.NoError(t, err)

		_, otherSystem := setupSystem(t)
		foreign, err := engine.Keygen(otherSystem, identity)
		require.NoError(t, err)
		_, err = engine.Decrypt(foreign, ct)
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("Tampered ciphertext fails", func(t *testing.T) {
		ct, err := engine.Encrypt(sp.Public, []byte("secret"), identity)
		require.NoError(t, err)
		ct[len(ct)-1] ^= 0x01

		_, err = engine.Decrypt(key, ct)
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("Truncated ciphertext fails", func(t *testing.T) {
		_, err := engine.Decrypt(key, []byte{ciphertextVersion, 1, 2, 3})
		assert.ErrorIs(t, err, ErrDecryption)
	})

	t.Run("Independently extracted keys are interchangeable", func(t *testing.T) {
		again, err := engine.Keygen(sp, identity)
		require.NoError(t, err)
		assert.NotEqual(t, key.D0, again.D0)

		ct, err := engine.Encrypt(sp.Public, []byte("secret"), identity)
		require.NoError(t, err)
		got, err := engine.Decrypt(again, ct)
		require.NoError(t, err)
		assert.Equal(t, []byte("secret"), got)
	})
}

func TestCertificate(t *testing.T) {
	engine, sp := setupSystem(t)
	notBefore := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cert, err := engine.IssueCertificate(sp, "server-1", notBefore, 24*time.Hour)
	require.NoError(t, err)

	t.Run("Verifies under the issuing system", func(t *testing.T) {
		assert.NoError(t, cert.Verify(sp.Public))
		assert.Equal(t, notBefore.Add(24*time.Hour), cert.NotAfter)
	})

	t.Run("Validity window", func(t *testing.T) {
		assert.True(t, cert.ValidAt(notBefore))
		assert.True(t, cert.ValidAt(notBefore.Add(time.Hour)))
		assert.False(t, cert.ValidAt(notBefore.Add(-time.Second)))
		assert.False(t, cert.ValidAt(notBefore.Add(24*time.Hour)))
	})

	t.Run("Rejected under a different system", func(t *testing.T) {
		_, other := setupSystem(t)
		assert.ErrorIs(t, cert.Verify(other.Public), ErrInvalidCertificate)
	})

	t.Run("Rejected when fields are altered", func(t *testing.T) {
		forged := *cert
		forged.Identity = "server-2"
		assert.ErrorIs(t, forged.Verify(sp.Public), ErrInvalidCertificate)
	})

	t.Run("Non-positive validity is refused", func(t *testing.T) {
		_, err := engine.IssueCertificate(sp, "server-1", notBefore, 0)
		assert.Error(t, err)
	})
}

func TestIdentityDescription(t *testing.T) {
	engine, sp := setupSystem(t)
	key, err := engine.Keygen(sp, "carol")
	require.NoError(t, err)
	cert, err := engine.IssueCertificate(sp, "carol", time.Now(), time.Hour)
	require.NoError(t, err)

	t.Run("Marshal and unmarshal", func(t *testing.T) {
		desc := &IdentityDescription{PrivateKey: key, Certificate: cert}
		data, err := desc.Marshal()
		require.NoError(t, err)

		got, err := UnmarshalIdentityDescription(data)
		require.NoError(t, err)
		assert.Equal(t, "carol", got.Identity())
		assert.Equal(t, key.D0, got.PrivateKey.D0)
		assert.NoError(t, got.Certificate.Verify(sp.Public))
	})

	t.Run("Mismatched components are rejected", func(t *testing.T) {
		otherCert, err := engine.IssueCertificate(sp, "dave", time.Now(), time.Hour)
		require.NoError(t, err)
		data, err := (&IdentityDescription{PrivateKey: key, Certificate: otherCert}).Marshal()
		require.NoError(t, err)

		_, err = UnmarshalIdentityDescription(data)
		assert.Error(t, err)
	})

	t.Run("Incomplete description cannot be marshaled", func(t *testing.T) {
		_, err := (&IdentityDescription{PrivateKey: key}).Marshal()
		assert.Error(t, err)
	})
}
