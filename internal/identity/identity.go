package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/curve25519"
)

const (
	PrivateKeySize   = 32
	PublicKeySize    = 32
	PresharedKeySize = 32
)

// Identity holds a node's Curve25519 keypair.
type Identity struct {
	PrivateKey [PrivateKeySize]byte
	PublicKey  [PublicKeySize]byte
}

// Generate creates a new random identity.
func Generate() (*Identity, error) {
	var priv [PrivateKeySize]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}
	// Clamp per Curve25519 convention
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	return FromPrivateKey(priv)
}

// FromPrivateKey recreates an identity from a private key.
func FromPrivateKey(priv [PrivateKeySize]byte) (*Identity, error) {
	id := &Identity{PrivateKey: priv}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	copy(id.PublicKey[:], pub)
	return id, nil
}

// LoadOrGenerate loads an identity from file, or generates and saves a
// new one.
func LoadOrGenerate(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil && len(data) == PrivateKeySize {
		var priv [PrivateKeySize]byte
		copy(priv[:], data)
		return FromPrivateKey(priv)
	}

	id, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	if err := os.WriteFile(path, id.PrivateKey[:], 0600); err != nil {
		return nil, fmt.Errorf("save identity: %w", err)
	}
	return id, nil
}

// LoadKey reads a 32-byte hex-encoded key (a peer public key or a
// preshared key) from a config value.
func LoadKey(s string) ([32]byte, error) {
	var key [32]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return key, fmt.Errorf("decode key: %w", err)
	}
	if len(b) != len(key) {
		return key, fmt.Errorf("key must be %d bytes, got %d", len(key), len(b))
	}
	copy(key[:], b)
	return key, nil
}

// PublicKeyHex returns the public key as a hex string.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey[:])
}

// String returns a human-readable identity summary.
func (id *Identity) String() string {
	return fmt.Sprintf("Identity{pubkey=%s...}", id.PublicKeyHex()[:16])
}
