// Package nanotdf implements the sealed envelope format: a compact binary
// container holding a key-access locator, a policy with an integrity binding,
// an ephemeral public key, and an AES-GCM protected payload. The ephemeral
// key doubles as the correlation identifier for key rewrap requests, so two
// envelopes never share one.
package nanotdf

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/kdf"
	"sealed_chat/internal/cryptographic/signature"
)

// Version is the single wire version in circulation.
const Version = 0x4c

// magic is the leading bytes of every envelope: "L1" plus the version.
var magic = [3]byte{0x4c, 0x31, Version}

const (
	// KeySize is a compressed P-256 point.
	KeySize = 33
	// BindingSize is the truncated GMAC over the policy section.
	BindingSize = 8
	// IVSize is the per-envelope payload IV; it is right-aligned into a
	// 12-byte AES-GCM nonce.
	IVSize = 3
	// TagSize is the AES-GCM payload authentication tag.
	TagSize = encryption.TagSize
	// SignatureSize is a raw r||s P-256 signature.
	SignatureSize = signature.Size
	// ContentKeySize is the derived AES-256 payload key.
	ContentKeySize = 32

	maxLocatorLen = 255
	maxPolicyLen  = 65535
	maxPayloadLen = 1<<24 - 1
)

var (
	// ErrNotSealed marks input that does not start with the envelope magic.
	// It is not corruption: the bytes simply belong to some other protocol.
	ErrNotSealed = errors.New("nanotdf: not a sealed envelope")
	// ErrTruncated marks an envelope that ends before a declared field does.
	ErrTruncated = errors.New("nanotdf: truncated envelope")
	// ErrCorrupt marks an envelope with an out-of-range field value.
	ErrCorrupt = errors.New("nanotdf: corrupt envelope")
	// ErrUnsupported marks a well-formed envelope using an algorithm this
	// implementation does not carry.
	ErrUnsupported = errors.New("nanotdf: unsupported algorithm")
	// ErrBinding marks a policy whose GMAC does not match the content key.
	ErrBinding = errors.New("nanotdf: policy binding mismatch")
	// ErrDecrypt marks a payload that failed tag verification.
	ErrDecrypt = errors.New("nanotdf: payload authentication failed")
	// ErrSignature marks a payload signature that does not verify.
	ErrSignature = errors.New("nanotdf: payload signature verification failed")
)

// Protocol selects the scheme of a locator.
type Protocol byte

const (
	ProtocolHTTP  Protocol = 0x00
	ProtocolHTTPS Protocol = 0x01
	ProtocolWS    Protocol = 0x02
	ProtocolWSS   Protocol = 0x03
)

// Curve is the ECC mode of an envelope. Only P-256 is in circulation.
type Curve byte

const CurveP256 Curve = 0x00

// Cipher is the payload cipher. Only AES-256-GCM with a 16-byte tag is in
// circulation.
type Cipher byte

const CipherAES256GCM Cipher = 0x00

// PolicyType selects how the policy body is carried.
type PolicyType byte

const (
	PolicyRemote            PolicyType = 0x00
	PolicyEmbeddedPlain     PolicyType = 0x01
	PolicyEmbeddedEncrypted PolicyType = 0x02
)

type (
	// Locator names a service endpoint: a protocol byte plus the remainder
	// of the URL.
	Locator struct {
		Protocol Protocol
		Body     string
	}

	// Policy describes who may read the payload. Remote policies point at a
	// policy service; embedded policies carry their body inline, plaintext
	// or encrypted. Binding is the truncated GMAC of the serialized policy
	// under the content key.
	Policy struct {
		Type    PolicyType
		Remote  Locator
		Body    []byte
		Binding []byte
	}

	// Envelope is an immutable parse result. Mutating sealed bytes requires
	// building a fresh envelope.
	Envelope struct {
		KAS          Locator
		Curve        Curve
		Cipher       Cipher
		Policy       Policy
		EphemeralKey []byte
		IV           []byte
		Ciphertext   []byte
		Tag          []byte
		SignerKey    []byte
		Signature    []byte

		raw       []byte
		headerLen int
		policyRaw []byte
	}
)

// URL reassembles the locator into a dialable URL.
func (l Locator) URL() string {
	switch l.Protocol {
	case ProtocolHTTPS:
		return "https://" + l.Body
	case ProtocolWS:
		return "ws://" + l.Body
	case ProtocolWSS:
		return "wss://" + l.Body
	default:
		return "http://" + l.Body
	}
}

// Bytes returns the serialized envelope. The slice is shared; callers must
// not modify it.
func (e *Envelope) Bytes() []byte { return e.raw }

// HeaderBytes returns the serialized header: everything up to and including
// the ephemeral key. This is the body of a rewrap request.
func (e *Envelope) HeaderBytes() []byte { return e.raw[:e.headerLen] }

// Identifier returns the rewrap correlation identifier, the envelope's
// ephemeral public key.
func (e *Envelope) Identifier() []byte { return e.EphemeralKey }

// Signed reports whether the envelope carries a detached payload signature.
func (e *Envelope) Signed() bool { return len(e.SignerKey) != 0 }

// MagicSalt is the HKDF salt for content key derivation: a digest of the
// magic and version bytes. Using protocol constants lets senders derive the
// same content key as receivers without any shared session state.
func MagicSalt() []byte {
	sum := sha256.Sum256(magic[:])
	return sum[:]
}

// ContentKeyInfo is the HKDF domain separator for payload keys.
const ContentKeyInfo = "ContentKey"

// ContentKey derives the AES-256 payload key from a message secret (the raw
// ECDH shared secret between the envelope's ephemeral key and the KAS key).
func ContentKey(messageSecret []byte) ([]byte, error) {
	return kdf.Derive(messageSecret, MagicSalt(), []byte(ContentKeyInfo), ContentKeySize)
}

// PolicyBinding computes the truncated GMAC over the serialized policy
// section: AES-GCM under key with a zero nonce and no plaintext, the policy
// bytes as additional data, keeping the first BindingSize bytes of the tag.
func PolicyBinding(key, policySection []byte) ([]byte, error) {
	zero := make([]byte, encryption.NonceSize)
	tag, err := encryption.Seal(key, zero, nil, policySection)
	if err != nil {
		return nil, err
	}
	return tag[:BindingSize], nil
}

// VerifyBinding checks the policy GMAC against the content key.
func (e *Envelope) VerifyBinding(contentKey []byte) error {
	want, err := PolicyBinding(contentKey, e.policyRaw)
	if err != nil {
		return err
	}
	if !hmac.Equal(want, e.Policy.Binding) {
		return ErrBinding
	}
	return nil
}

// payloadNonce right-aligns the 3-byte IV into a 12-byte AES-GCM nonce.
func payloadNonce(iv []byte) []byte {
	nonce := make([]byte, encryption.NonceSize)
	copy(nonce[encryption.NonceSize-IVSize:], iv)
	return nonce
}
