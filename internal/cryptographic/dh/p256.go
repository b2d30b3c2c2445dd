package dh

import (
	"crypto/ecdh"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
)

// CompressedKeySize is the size of a compressed P-256 point on the wire.
const CompressedKeySize = 33

// Generate a new P-256 key pair
func NewP256KeyPair() (*ecdh.PrivateKey, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate private key: %w", err)
	}
	return priv, nil
}

// Perform ECDH: priv * pub
func SharedSecret(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) ([]byte, error) {
	return priv.ECDH(pub)
}

// Compress converts a P-256 public key to its 33-byte compressed encoding.
func Compress(pub *ecdh.PublicKey) []byte {
	raw := pub.Bytes() // uncompressed: 0x04 || X || Y
	x := new(big.Int).SetBytes(raw[1:33])
	y := new(big.Int).SetBytes(raw[33:65])
	return elliptic.MarshalCompressed(elliptic.P256(), x, y)
}

// ParseCompressed decodes a 33-byte compressed point back into a public key.
func ParseCompressed(b []byte) (*ecdh.PublicKey, error) {
	if len(b) != CompressedKeySize {
		return nil, fmt.Errorf("compressed key must be %d bytes, got %d", CompressedKeySize, len(b))
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), b)
	if x == nil {
		return nil, fmt.Errorf("point is not on the P-256 curve")
	}

	raw := make([]byte, 65)
	raw[0] = 4
	x.FillBytes(raw[1:33])
	y.FillBytes(raw[33:65])
	return ecdh.P256().NewPublicKey(raw)
}
