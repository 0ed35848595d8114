package identity

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// KeyPair is the long-term Curve25519 key pair of the local peer. The
// secure-channel layer above the multiplexer uses it; the overlay itself only
// needs the peer ID derived from the public half.
type KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// GenerateKeyPair creates a new random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key pair: %w", err)
	}
	return &KeyPair{Public: *pub, Private: *priv}, nil
}

// KeyPairFromSecret rebuilds a key pair from a stored private key.
func KeyPairFromSecret(secret [32]byte) (*KeyPair, error) {
	if secret == ([32]byte{}) {
		return nil, errors.New("invalid secret key: all zeros")
	}
	pub, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive public key: %w", err)
	}
	kp := &KeyPair{Private: secret}
	copy(kp.Public[:], pub)
	return kp, nil
}

// PeerID returns the 256-bit peer identifier of this key pair.
func (kp *KeyPair) PeerID() ID {
	return Hash(kp.Public[:], Size256)
}
