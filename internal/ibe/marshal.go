package ibe

import (
	"crypto/ed25519"
	"fmt"

	"golang.org/x/crypto/bn256"
)

const (
	marshaledG1Size = 64
	marshaledG2Size = 128
	marshaledGTSize = 384
)

type bb1params struct {
	g1, h       bn256.G1
	g1Hat, hHat bn256.G2
	v           bn256.GT
}

func parseParams(p *PublicParameter) (*bb1params, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: missing public parameters", ErrInvalidParameter)
	}
	if string(p.Pairing) != PairingBN256 {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPairing, p.Pairing)
	}
	if len(p.ParamG) != marshaledGTSize ||
		len(p.ParamG1) != marshaledG1Size+marshaledG2Size ||
		len(p.ParamH) != marshaledG1Size+marshaledG2Size ||
		len(p.Verifier) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: unexpected parameter sizes", ErrInvalidParameter)
	}

	var params bb1params
	if _, ok := params.v.Unmarshal(p.ParamG); !ok {
		return nil, fmt.Errorf("%w: paramG", ErrInvalidParameter)
	}
	if _, ok := params.g1.Unmarshal(p.ParamG1[:marshaledG1Size]); !ok {
		return nil, fmt.Errorf("%w: paramG1", ErrInvalidParameter)
	}
	if _, ok := params.g1Hat.Unmarshal(p.ParamG1[marshaledG1Size:]); !ok {
		return nil, fmt.Errorf("%w: paramG1", ErrInvalidParameter)
	}
	if _, ok := params.h.Unmarshal(p.ParamH[:marshaledG1Size]); !ok {
		return nil, fmt.Errorf("%w: paramH", ErrInvalidParameter)
	}
	if _, ok := params.hHat.Unmarshal(p.ParamH[marshaledG1Size:]); !ok {
		return nil, fmt.Errorf("%w: paramH", ErrInvalidParameter)
	}
	return &params, nil
}

// parseMaster splits the master secret into g0Hat and the signing seed.
func parseMaster(master []byte) (*bn256.G2, []byte, error) {
	if len(master) != marshaledG2Size+ed25519.SeedSize {
		return nil, nil, fmt.Errorf("%w: master secret has %d bytes", ErrInvalidParameter, len(master))
	}
	g0Hat, ok := new(bn256.G2).Unmarshal(master[:marshaledG2Size])
	if !ok {
		return nil, nil, fmt.Errorf("%w: master secret", ErrInvalidParameter)
	}
	return g0Hat, master[marshaledG2Size:], nil
}
