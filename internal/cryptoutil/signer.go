// Package cryptoutil provides the coordinator's signing primitives:
// Ed25519 keypairs, detached hex-encoded signatures, and SHA-256
// content hashing. Every signed artifact in the system (gossip
// envelopes, ledger records, blacklist events, treasury policies)
// goes through this package.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Signer holds an Ed25519 keypair and signs on behalf of one coordinator.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// NewSigner generates a fresh Ed25519 keypair.
func NewSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("ed25519 key generation failed: %w", err)
	}
	return &Signer{privateKey: priv, publicKey: pub}, nil
}

// NewSignerFromSeed derives a deterministic keypair from a 32-byte
// hex-encoded seed. Used so a coordinator keeps its identity across
// restarts when COORDINATOR_KEY_SEED is set.
func NewSignerFromSeed(seedHex string) (*Signer, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("invalid key seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid key seed size: got %d, want %d", len(seed), ed25519.SeedSize)
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Signer{
		privateKey: priv,
		publicKey:  priv.Public().(ed25519.PublicKey),
	}, nil
}

// PublicKeyHex returns the hex-encoded public key for wire transmission.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.publicKey)
}

// Sign produces a detached hex-encoded signature over data.
func (s *Signer) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(s.privateKey, data))
}

// Verify checks a hex-encoded signature over data against a hex-encoded
// public key. Malformed keys or signatures return an error; a clean
// mismatch returns (false, nil).
func Verify(publicKeyHex string, data []byte, signatureHex string) (bool, error) {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return false, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size: got %d, want %d", len(pub), ed25519.PublicKeySize)
	}
	sig, err := hex.DecodeString(signatureHex)
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, errors.New("invalid signature size")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

// HashSHA256Hex returns the hex-encoded SHA-256 digest of data.
func HashSHA256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// IsHexDigest reports whether s is a well-formed 64-char hex SHA-256 digest.
func IsHexDigest(s string) bool {
	if len(s) != 64 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
