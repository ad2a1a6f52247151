package ibe

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"time"
)

// Certificate binds an identity to a validity window under one System.
type Certificate struct {
	Identity     string    `json:"identity"`
	NotBefore    time.Time `json:"notBefore"`
	NotAfter     time.Time `json:"notAfter"`
	ParamsDigest []byte    `json:"paramsDigest"`
	Signature    []byte    `json:"signature"`
}

func (c *Certificate) signedBytes() []byte {
	var buf bytes.Buffer
	buf.WriteString("ibekd-certificate-v1")
	buf.WriteByte(0)
	binary.Write(&buf, binary.BigEndian, uint32(len(c.Identity)))
	buf.WriteString(c.Identity)
	binary.Write(&buf, binary.BigEndian, c.NotBefore.UnixMilli())
	binary.Write(&buf, binary.BigEndian, c.NotAfter.UnixMilli())
	buf.Write(c.ParamsDigest)
	return buf.Bytes()
}

// Verify checks that the certificate was issued by the System owning pub.
func (c *Certificate) Verify(pub *PublicParameter) error {
	if pub == nil || len(pub.Verifier) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: missing verifier", ErrInvalidCertificate)
	}
	if !bytes.Equal(c.ParamsDigest, pub.Digest()) {
		return fmt.Errorf("%w: issued under different public parameters", ErrInvalidCertificate)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub.Verifier), c.signedBytes(), c.Signature) {
		return fmt.Errorf("%w: bad signature", ErrInvalidCertificate)
	}
	return nil
}

// ValidAt reports whether t falls inside the certificate's validity window.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.NotBefore) && t.Before(c.NotAfter)
}
