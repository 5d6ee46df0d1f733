package chain

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// SecretKeyLen is the raw byte length of a keypair secret (seed || public).
const SecretKeyLen = 64

// Keypair is an ed25519 signing identity addressed by its public key.
type Keypair struct {
	pub  Address
	priv ed25519.PrivateKey
}

// NewKeypair generates a fresh signing identity.
func NewKeypair() (Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Keypair{}, fmt.Errorf("generate keypair: %w", err)
	}
	addr, err := AddressFromBytes(pub)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{pub: addr, priv: priv}, nil
}

// KeypairFromSecret builds a keypair from the 64-byte secret layout used by
// keypair files: the first 32 bytes are the seed, the last 32 the public key.
func KeypairFromSecret(secret []byte) (Keypair, error) {
	if len(secret) != SecretKeyLen {
		return Keypair{}, fmt.Errorf("secret key must have exactly %d bytes, got %d", SecretKeyLen, len(secret))
	}
	priv := ed25519.NewKeyFromSeed(secret[:32])
	pub := priv.Public().(ed25519.PublicKey)

	// The trailing 32 bytes must match the derived public key, otherwise the
	// secret material is corrupt.
	for i := range pub {
		if secret[32+i] != pub[i] {
			return Keypair{}, fmt.Errorf("secret key public half does not match derived public key")
		}
	}

	addr, err := AddressFromBytes(pub)
	if err != nil {
		return Keypair{}, err
	}
	return Keypair{pub: addr, priv: priv}, nil
}

// PublicKey returns the keypair's address.
func (k Keypair) PublicKey() Address { return k.pub }

// Secret returns the 64-byte secret layout (seed || public).
func (k Keypair) Secret() []byte {
	out := make([]byte, SecretKeyLen)
	copy(out[:32], k.priv.Seed())
	copy(out[32:], k.pub.raw[:])
	return out
}

// Sign signs a message with the keypair's private key.
func (k Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(k.priv, message)
}

// IsZero reports whether the keypair is uninitialised.
func (k Keypair) IsZero() bool { return k.priv == nil }
