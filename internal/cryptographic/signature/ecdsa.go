package signature

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"math/big"
)

// Size is the length of a raw r||s P-256 signature.
const Size = 64

func NewP256SigningKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Sign produces a raw r||s signature over SHA-256(message).
func Sign(priv *ecdsa.PrivateKey, message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ecdsa.Sign: %w", err)
	}
	sig := make([]byte, Size)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify checks a raw r||s signature against a compressed P-256 public key.
func Verify(compressedPub, message, sig []byte) bool {
	if len(sig) != Size {
		return false
	}
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), compressedPub)
	if x == nil {
		return false
	}
	pub := &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}
	digest := sha256.Sum256(message)
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	return ecdsa.Verify(pub, digest[:], r, s)
}

// CompressPublicKey returns the 33-byte compressed encoding of a signing key.
func CompressPublicKey(priv *ecdsa.PrivateKey) []byte {
	return elliptic.MarshalCompressed(elliptic.P256(), priv.X, priv.Y)
}
