// Package rewrap implements the key-unwrap half of the rewrap exchange: the
// KAS recovers an envelope's message secret and seals it toward the asking
// session; the client opens that seal and derives the payload content key.
package rewrap

import (
	"errors"
	"fmt"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/cryptographic/kdf"
	"sealed_chat/internal/protocol/nanotdf"
)

// UnwrapInfo is the HKDF domain separator for the per-session unwrap key.
const UnwrapInfo = "RewrapUnwrap"

// UnwrapKeySize is the derived AES-256 unwrap key.
const UnwrapKeySize = 32

var (
	// ErrDenied is the KAS explicitly refusing to hand the key back. It is
	// a normal outcome, not a protocol failure.
	ErrDenied = errors.New("rewrap: access denied")
	// ErrMalformed marks a response that is neither a denial nor a
	// complete grant. The shape is never guessed at.
	ErrMalformed = errors.New("rewrap: malformed response")
	// ErrDecryption marks wrapped key material that failed authentication.
	ErrDecryption = errors.New("rewrap: unwrap failed")
)

// Response is the parsed key material of a granted rewrap.
type Response struct {
	Nonce      []byte
	Ciphertext []byte
	Tag        []byte
}

// Split classifies the wrapped portion of a rewrap answer. Empty means the
// KAS denied access. A grant carries at least a nonce and a tag; anything in
// between is malformed.
func Split(wrapped []byte) (*Response, error) {
	const min = encryption.NonceSize + encryption.TagSize
	switch {
	case len(wrapped) == 0:
		return nil, ErrDenied
	case len(wrapped) < min:
		return nil, fmt.Errorf("%w: %d bytes, want 0 or at least %d", ErrMalformed, len(wrapped), min)
	}
	return &Response{
		Nonce:      wrapped[:encryption.NonceSize],
		Ciphertext: wrapped[encryption.NonceSize : len(wrapped)-encryption.TagSize],
		Tag:        wrapped[len(wrapped)-encryption.TagSize:],
	}, nil
}

// SessionUnwrapKey derives the AES key protecting rewrapped secrets on one
// session. Both sides derive it from the handshake shared secret and the
// session salt; it dies with the connection.
func SessionUnwrapKey(sharedSecret, salt []byte) ([]byte, error) {
	return kdf.Derive(sharedSecret, salt, []byte(UnwrapInfo), UnwrapKeySize)
}

// WrapMessageSecret seals a message secret under a session unwrap key,
// producing the wire shape nonce || ciphertext || tag.
func WrapMessageSecret(unwrapKey, messageSecret []byte) ([]byte, error) {
	nonce, err := encryption.RandomNonce()
	if err != nil {
		return nil, err
	}
	sealed, err := encryption.Seal(unwrapKey, nonce, messageSecret, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	return append(out, sealed...), nil
}

// UnwrapContentKey opens the wrapped message secret with the session unwrap
// key, then derives the payload content key from it. Either stage failing
// authentication is ErrDecryption.
func UnwrapContentKey(unwrapKey []byte, resp *Response) ([]byte, error) {
	ct := make([]byte, 0, len(resp.Ciphertext)+len(resp.Tag))
	ct = append(ct, resp.Ciphertext...)
	ct = append(ct, resp.Tag...)

	messageSecret, err := encryption.Open(unwrapKey, resp.Nonce, ct, nil)
	if err != nil {
		return nil, ErrDecryption
	}
	return nanotdf.ContentKey(messageSecret)
}
