package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

// DefaultKeySize is the RSA modulus size used for relay keys unless configured otherwise.
const DefaultKeySize = 1024

const pemTypeRSAPublicKey = "RSA PUBLIC KEY"

// PublicKey is a participant's relay encryption key.
// Participants publish it at registration; other ring members use it to
// wrap per-message symmetric keys addressed to its owner.
type PublicKey struct {
	key *rsa.PublicKey
}

// NewPublicKeyFromPEM parses a PKCS#1 PEM encoded RSA public key.
func NewPublicKeyFromPEM(data string) (*PublicKey, error) {
	block, _ := pem.Decode([]byte(data))
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block in public key", ErrCrypto)
	}
	if block.Type != pemTypeRSAPublicKey {
		return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrCrypto, block.Type)
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrypto, err)
	}
	return &PublicKey{key: key}, nil
}

// String returns the PKCS#1 PEM encoding of the public key.
// This is the form registered with the coordinator.
func (pk *PublicKey) String() string {
	block := &pem.Block{
		Type:  pemTypeRSAPublicKey,
		Bytes: x509.MarshalPKCS1PublicKey(pk.key),
	}
	return string(pem.EncodeToMemory(block))
}

// Equal compares two public keys for equality.
func (pk *PublicKey) Equal(other *PublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	return pk.key.Equal(other.key)
}

// PrivateKey is the decrypting half of a participant's relay key pair.
type PrivateKey struct {
	key *rsa.PrivateKey
}

// PublicKey returns the public half of the key pair.
func (sk *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: &sk.key.PublicKey}
}

// GenerateKeyPair generates a new RSA key pair of the given size in bits.
// A non-positive size selects DefaultKeySize.
func GenerateKeyPair(bits int) (*PublicKey, *PrivateKey, error) {
	if bits <= 0 {
		bits = DefaultKeySize
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, err
	}
	sk := &PrivateKey{key: key}
	return sk.PublicKey(), sk, nil
}

// NewKeyPairFromRSA wraps an existing RSA key.
func NewKeyPairFromRSA(key *rsa.PrivateKey) (*PublicKey, *PrivateKey, error) {
	if key == nil {
		return nil, nil, errors.New("nil private key")
	}
	sk := &PrivateKey{key: key}
	return sk.PublicKey(), sk, nil
}
