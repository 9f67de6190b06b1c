// Package attest signs and checks guest images.
//
// The core only needs a yes/no answer for a staged image; Ed25519 over the
// raw image bytes provides it.
package attest

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

var (
	ErrKeySize       = errors.New("bad key size")
	ErrSignatureSize = errors.New("bad signature size")
)

// GenerateKey creates a signing key pair, reading entropy from r (or the
// system source when r is nil).
func GenerateKey(r io.Reader) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if r == nil {
		r = rand.Reader
	}

	return ed25519.GenerateKey(r)
}

// Sign signs an image.
func Sign(priv ed25519.PrivateKey, image []byte) []byte {
	return ed25519.Sign(priv, image)
}

// Verify reports whether sig is a valid signature of image under pub. A
// malformed key or signature never verifies.
func Verify(pub, image, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}

	return ed25519.Verify(pub, image, sig)
}

// ParsePublicKey decodes a hex-encoded public key.
func ParsePublicKey(s string) (ed25519.PublicKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}

	if len(b) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key: %d bytes: %w", len(b), ErrKeySize)
	}

	return b, nil
}

// ParsePrivateKey decodes a hex-encoded private key or seed.
func ParsePrivateKey(s string) (ed25519.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}

	switch len(b) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(b), nil
	case ed25519.PrivateKeySize:
		return b, nil
	default:
		return nil, fmt.Errorf("private key: %d bytes: %w", len(b), ErrKeySize)
	}
}

// ParseSignature decodes a hex-encoded signature.
func ParseSignature(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("signature: %w", err)
	}

	if len(b) != ed25519.SignatureSize {
		return nil, fmt.Errorf("signature: %d bytes: %w", len(b), ErrSignatureSize)
	}

	return b, nil
}

// Manifest lists the trusted signature of each image slot.
type Manifest map[uint32][]byte

// Signature returns a copy of the signature for slot, or nil.
func (m Manifest) Signature(slot uint32) []byte {
	sig, ok := m[slot]
	if !ok {
		return nil
	}

	return append([]byte(nil), sig...)
}
