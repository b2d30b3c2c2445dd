package nanotdf

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/rand"
	"fmt"
	"strings"

	"sealed_chat/internal/cryptographic/dh"
	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/signature"
)

// NewLocator splits a URL into its protocol byte and body.
func NewLocator(rawURL string) (Locator, error) {
	for _, p := range []struct {
		prefix string
		proto  Protocol
	}{
		{"https://", ProtocolHTTPS},
		{"http://", ProtocolHTTP},
		{"wss://", ProtocolWSS},
		{"ws://", ProtocolWS},
	} {
		if body, ok := strings.CutPrefix(rawURL, p.prefix); ok {
			if len(body) > maxLocatorLen {
				return Locator{}, fmt.Errorf("nanotdf: locator body %d bytes exceeds %d", len(body), maxLocatorLen)
			}
			return Locator{Protocol: p.proto, Body: body}, nil
		}
	}
	return Locator{}, fmt.Errorf("nanotdf: unsupported locator scheme in %q", rawURL)
}

// Seal builds an envelope around plaintext. A fresh ephemeral P-256 pair is
// generated per call; the content key is derived from its shared secret with
// the KAS public key, so only the KAS can hand the key back. The policy's
// Binding field is computed here and need not be set by the caller. A non-nil
// signer appends a detached payload signature.
func Seal(plaintext []byte, policy Policy, kasURL string, kasPub *ecdh.PublicKey, signer *ecdsa.PrivateKey) (*Envelope, error) {
	kasLoc, err := NewLocator(kasURL)
	if err != nil {
		return nil, err
	}
	switch policy.Type {
	case PolicyRemote:
		if len(policy.Remote.Body) > maxLocatorLen {
			return nil, fmt.Errorf("nanotdf: policy locator body %d bytes exceeds %d", len(policy.Remote.Body), maxLocatorLen)
		}
	case PolicyEmbeddedPlain, PolicyEmbeddedEncrypted:
		if len(policy.Body) > maxPolicyLen {
			return nil, fmt.Errorf("nanotdf: policy body %d bytes exceeds %d", len(policy.Body), maxPolicyLen)
		}
	default:
		return nil, fmt.Errorf("nanotdf: unknown policy type 0x%02x", byte(policy.Type))
	}
	if len(plaintext) > maxPayloadLen-IVSize-TagSize {
		return nil, fmt.Errorf("nanotdf: plaintext %d bytes exceeds payload capacity", len(plaintext))
	}

	ephemeral, err := dh.NewP256KeyPair()
	if err != nil {
		return nil, err
	}
	secret, err := dh.SharedSecret(ephemeral, kasPub)
	if err != nil {
		return nil, err
	}
	contentKey, err := ContentKey(secret)
	if err != nil {
		return nil, err
	}

	policySection := appendPolicy(nil, policy)
	binding, err := PolicyBinding(contentKey, policySection)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	sealed, err := encryption.Seal(contentKey, payloadNonce(iv), plaintext, nil)
	if err != nil {
		return nil, err
	}

	config := byte(CipherAES256GCM)
	if signer != nil {
		config |= 0x80
	}

	out := append([]byte(nil), magic[:]...)
	out = appendLocator(out, kasLoc)
	out = append(out, byte(CurveP256))
	out = append(out, config)
	out = append(out, policySection...)
	out = append(out, binding...)
	out = append(out, dh.Compress(ephemeral.PublicKey())...)
	out = appendU24(out, IVSize+len(sealed))
	out = append(out, iv...)
	out = append(out, sealed...)

	if signer != nil {
		sig, err := signature.Sign(signer, out)
		if err != nil {
			return nil, err
		}
		out = append(out, signature.CompressPublicKey(signer)...)
		out = append(out, sig...)
	}
	return Parse(out)
}

// Decrypt verifies the policy binding, then opens the payload.
func (e *Envelope) Decrypt(contentKey []byte) ([]byte, error) {
	if err := e.VerifyBinding(contentKey); err != nil {
		return nil, err
	}
	ct := make([]byte, 0, len(e.Ciphertext)+len(e.Tag))
	ct = append(ct, e.Ciphertext...)
	ct = append(ct, e.Tag...)
	plaintext, err := encryption.Open(contentKey, payloadNonce(e.IV), ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// VerifySignature checks the detached payload signature over everything that
// precedes it. Unsigned envelopes verify trivially.
func (e *Envelope) VerifySignature() error {
	if !e.Signed() {
		return nil
	}
	signed := e.raw[:len(e.raw)-KeySize-SignatureSize]
	if !signature.Verify(e.SignerKey, signed, e.Signature) {
		return ErrSignature
	}
	return nil
}

func appendLocator(out []byte, l Locator) []byte {
	out = append(out, byte(l.Protocol), byte(len(l.Body)))
	return append(out, l.Body...)
}

func appendPolicy(out []byte, p Policy) []byte {
	out = append(out, byte(p.Type))
	switch p.Type {
	case PolicyRemote:
		out = appendLocator(out, p.Remote)
	default:
		out = append(out, byte(len(p.Body)>>8), byte(len(p.Body)))
		out = append(out, p.Body...)
	}
	return out
}

func appendU24(out []byte, n int) []byte {
	return append(out, byte(n>>16), byte(n>>8), byte(n))
}
