// Package identity provides the Ed25519 keypairs nodes use to sign
// envelopes and capsules.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeyPair holds an Ed25519 signing key identified by KeyID.
type KeyPair struct {
	KeyID      string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// Generate creates a fresh random keypair.
func Generate(keyID string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("identity: key generation failed: %w", err)
	}
	return &KeyPair{KeyID: keyID, PublicKey: pub, PrivateKey: priv}, nil
}

// FromSeed reconstructs a keypair from a persisted 32-byte seed.
func FromSeed(keyID string, seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity: invalid seed size %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &KeyPair{
		KeyID:      keyID,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// Seed returns the 32-byte seed for persistence.
func (k *KeyPair) Seed() []byte {
	return k.PrivateKey.Seed()
}

// Sign signs data with the private key.
func (k *KeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(k.PrivateKey, data)
}

// PublicKeyHex returns the hex-encoded public key, the form carried on the
// wire in an envelope's sender.pubkey field.
func (k *KeyPair) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey)
}

// DeriveRotationKey deterministically derives the successor key for a
// scheduled rotation at the given epoch from current's seed via
// HKDF-SHA256, so every node that independently rotates off the same key
// at the same epoch arrives at the same successor without a fresh
// out-of-band key exchange. keyID names the derived key (e.g.
// "<nodeID>-e<epoch>").
func DeriveRotationKey(current *KeyPair, epoch uint64, keyID string) (*KeyPair, error) {
	epochInfo := make([]byte, 8)
	binary.BigEndian.PutUint64(epochInfo, epoch)

	reader := hkdf.New(sha256.New, current.Seed(), []byte("concord-key-rotation"), epochInfo)
	seed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, fmt.Errorf("identity: rotation key derivation failed: %w", err)
	}
	return FromSeed(keyID, seed)
}

// Verify checks a signature over data against a hex-encoded public key.
func Verify(pubKeyHex string, data, sig []byte) (bool, error) {
	pub, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false, fmt.Errorf("identity: invalid public key hex: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("identity: invalid public key size %d", len(pub))
	}
	return ed25519.Verify(pub, data, sig), nil
}
