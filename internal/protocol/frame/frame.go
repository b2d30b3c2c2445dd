package frame

import (
	"errors"
	"fmt"
)

// Type is the leading byte of every wire frame.
type Type byte

const (
	TypeSessionKey  Type = 0x01
	TypeKASKey      Type = 0x02
	TypeRewrap      Type = 0x03
	TypeRewrapped   Type = 0x04
	TypeSealed      Type = 0x05
	TypeSealedEvent Type = 0x06
)

const (
	// KeySize is a compressed P-256 point on the wire.
	KeySize = 33
	// SaltSize is the session salt carried by the KAS handshake frame.
	SaltSize = 32
)

// ErrMalformed is returned when a frame body violates the length contract of
// its type. The receive loop logs and drops such frames without tearing the
// connection down.
var ErrMalformed = errors.New("frame: malformed")

type (
	// SessionKey is the handshake frame. The KAS half carries its session
	// public key plus the session salt; the client half carries its public
	// key alone. Body length disambiguates the two directions.
	SessionKey struct {
		PublicKey []byte
		Salt      []byte
	}

	// KASKeyRequest asks the KAS for its long-lived rewrap public key.
	// Its body is empty.
	KASKeyRequest struct{}

	// KASKeyResponse carries the KAS long-lived rewrap public key.
	KASKeyResponse struct {
		PublicKey []byte
	}

	// Rewrap carries the header of a sealed envelope whose content key the
	// sender wants unwrapped.
	Rewrap struct {
		Header []byte
	}

	// Rewrapped answers a Rewrap: the envelope's ephemeral public key (the
	// correlation identifier) followed by the wrapped key material, or the
	// identifier alone when access is denied.
	Rewrapped struct {
		Identifier []byte
		Wrapped    []byte
	}

	// Sealed carries a complete envelope addressed to the receiver.
	Sealed struct {
		Envelope []byte
	}

	// SealedEvent carries a complete envelope broadcast as an event rather
	// than addressed as a direct message.
	SealedEvent struct {
		Envelope []byte
	}

	// Custom is any frame whose leading byte is outside the known range. It
	// is handed to the application's custom handler, never treated as a
	// protocol error.
	Custom struct {
		Code byte
		Body []byte
	}
)

// Frame is the common interface of all wire frames.
type Frame interface {
	Type() Type
	ToBytes() []byte
}

// Encode prepends the type byte to body.
func Encode(t Type, body []byte) []byte {
	out := make([]byte, 0, 1+len(body))
	out = append(out, byte(t))
	return append(out, body...)
}

func (c *SessionKey) Type() Type { return TypeSessionKey }

func (c *SessionKey) ToBytes() []byte {
	body := make([]byte, 0, len(c.PublicKey)+len(c.Salt))
	body = append(body, c.PublicKey...)
	body = append(body, c.Salt...)
	return Encode(TypeSessionKey, body)
}

func (c *KASKeyRequest) Type() Type { return TypeKASKey }

func (c *KASKeyRequest) ToBytes() []byte {
	return Encode(TypeKASKey, nil)
}

func (c *KASKeyResponse) Type() Type { return TypeKASKey }

func (c *KASKeyResponse) ToBytes() []byte {
	return Encode(TypeKASKey, c.PublicKey)
}

func (c *Rewrap) Type() Type { return TypeRewrap }

func (c *Rewrap) ToBytes() []byte {
	return Encode(TypeRewrap, c.Header)
}

func (c *Rewrapped) Type() Type { return TypeRewrapped }

func (c *Rewrapped) ToBytes() []byte {
	body := make([]byte, 0, len(c.Identifier)+len(c.Wrapped))
	body = append(body, c.Identifier...)
	body = append(body, c.Wrapped...)
	return Encode(TypeRewrapped, body)
}

// Denied reports whether the response carries no wrapped key material.
func (c *Rewrapped) Denied() bool { return len(c.Wrapped) == 0 }

func (c *Sealed) Type() Type { return TypeSealed }

func (c *Sealed) ToBytes() []byte {
	return Encode(TypeSealed, c.Envelope)
}

func (c *SealedEvent) Type() Type { return TypeSealedEvent }

func (c *SealedEvent) ToBytes() []byte {
	return Encode(TypeSealedEvent, c.Envelope)
}

func (c *Custom) Type() Type { return Type(c.Code) }

func (c *Custom) ToBytes() []byte {
	return Encode(Type(c.Code), c.Body)
}

// Decode parses a single wire frame. The body is copied out of b, so the
// caller may reuse its read buffer. Unknown leading bytes decode into Custom.
func Decode(b []byte) (Frame, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: empty frame", ErrMalformed)
	}

	body := b[1:]
	switch Type(b[0]) {
	case TypeSessionKey:
		switch len(body) {
		case KeySize:
			return &SessionKey{PublicKey: dup(body)}, nil
		case KeySize + SaltSize:
			return &SessionKey{
				PublicKey: dup(body[:KeySize]),
				Salt:      dup(body[KeySize:]),
			}, nil
		default:
			return nil, fmt.Errorf("%w: session key frame body is %d bytes", ErrMalformed, len(body))
		}
	case TypeKASKey:
		switch len(body) {
		case 0:
			return &KASKeyRequest{}, nil
		case KeySize:
			return &KASKeyResponse{PublicKey: dup(body)}, nil
		default:
			return nil, fmt.Errorf("%w: kas key frame body is %d bytes", ErrMalformed, len(body))
		}
	case TypeRewrap:
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: rewrap frame has no header", ErrMalformed)
		}
		return &Rewrap{Header: dup(body)}, nil
	case TypeRewrapped:
		if len(body) < KeySize {
			return nil, fmt.Errorf("%w: rewrapped frame body is %d bytes, want at least %d", ErrMalformed, len(body), KeySize)
		}
		return &Rewrapped{
			Identifier: dup(body[:KeySize]),
			Wrapped:    dup(body[KeySize:]),
		}, nil
	case TypeSealed:
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: sealed frame has no envelope", ErrMalformed)
		}
		return &Sealed{Envelope: dup(body)}, nil
	case TypeSealedEvent:
		if len(body) == 0 {
			return nil, fmt.Errorf("%w: sealed event frame has no envelope", ErrMalformed)
		}
		return &SealedEvent{Envelope: dup(body)}, nil
	default:
		return &Custom{Code: b[0], Body: dup(body)}, nil
	}
}

func dup(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
