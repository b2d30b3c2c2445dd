package nanotdf

import (
	"bytes"
	"fmt"
)

type reader struct {
	b   []byte
	off int
}

func (r *reader) take(n int) ([]byte, error) {
	if len(r.b)-r.off < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrTruncated, n, r.off, len(r.b)-r.off)
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) u8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (int, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return int(b[0])<<8 | int(b[1]), nil
}

func (r *reader) u24() (int, error) {
	b, err := r.take(3)
	if err != nil {
		return 0, err
	}
	return int(b[0])<<16 | int(b[1])<<8 | int(b[2]), nil
}

func (r *reader) locator() (Locator, error) {
	proto, err := r.u8()
	if err != nil {
		return Locator{}, err
	}
	if Protocol(proto) > ProtocolWSS {
		return Locator{}, fmt.Errorf("%w: locator protocol 0x%02x", ErrCorrupt, proto)
	}
	n, err := r.u8()
	if err != nil {
		return Locator{}, err
	}
	body, err := r.take(int(n))
	if err != nil {
		return Locator{}, err
	}
	return Locator{Protocol: Protocol(proto), Body: string(body)}, nil
}

// Parse decodes a complete envelope: header, payload, and the detached
// signature when the config byte announces one. Trailing bytes are rejected.
func Parse(b []byte) (*Envelope, error) {
	raw := make([]byte, len(b))
	copy(raw, b)

	r := &reader{b: raw}
	e, hasSig, err := parseHeader(r)
	if err != nil {
		return nil, err
	}
	e.headerLen = r.off

	n, err := r.u24()
	if err != nil {
		return nil, err
	}
	if n < IVSize+TagSize {
		return nil, fmt.Errorf("%w: payload length %d below minimum %d", ErrCorrupt, n, IVSize+TagSize)
	}
	payload, err := r.take(n)
	if err != nil {
		return nil, err
	}
	e.IV = payload[:IVSize]
	e.Ciphertext = payload[IVSize : n-TagSize]
	e.Tag = payload[n-TagSize:]

	if hasSig {
		key, err := r.take(KeySize)
		if err != nil {
			return nil, err
		}
		sig, err := r.take(SignatureSize)
		if err != nil {
			return nil, err
		}
		e.SignerKey = key
		e.Signature = sig
	}

	if r.off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(raw)-r.off)
	}
	e.raw = raw
	return e, nil
}

// ParseHeader decodes a bare header, the body of a rewrap request. The input
// must end exactly at the ephemeral key.
func ParseHeader(b []byte) (*Envelope, error) {
	raw := make([]byte, len(b))
	copy(raw, b)

	r := &reader{b: raw}
	e, _, err := parseHeader(r)
	if err != nil {
		return nil, err
	}
	if r.off != len(raw) {
		return nil, fmt.Errorf("%w: %d trailing bytes after header", ErrCorrupt, len(raw)-r.off)
	}
	e.headerLen = r.off
	e.raw = raw
	return e, nil
}

func parseHeader(r *reader) (*Envelope, bool, error) {
	// Anything too short to hold the magic is some other protocol's data,
	// not a damaged envelope.
	lead, err := r.take(len(magic))
	if err != nil {
		return nil, false, ErrNotSealed
	}
	if !bytes.Equal(lead, magic[:]) {
		return nil, false, ErrNotSealed
	}

	e := new(Envelope)
	if e.KAS, err = r.locator(); err != nil {
		return nil, false, err
	}

	mode, err := r.u8()
	if err != nil {
		return nil, false, err
	}
	if mode&0x80 != 0 {
		return nil, false, fmt.Errorf("%w: ECDSA policy binding", ErrUnsupported)
	}
	e.Curve = Curve(mode & 0x07)
	if e.Curve != CurveP256 {
		return nil, false, fmt.Errorf("%w: curve 0x%02x", ErrUnsupported, byte(e.Curve))
	}

	config, err := r.u8()
	if err != nil {
		return nil, false, err
	}
	hasSig := config&0x80 != 0
	e.Cipher = Cipher(config & 0x0f)
	if e.Cipher != CipherAES256GCM {
		return nil, false, fmt.Errorf("%w: cipher 0x%02x", ErrUnsupported, byte(e.Cipher))
	}

	policyStart := r.off
	ptype, err := r.u8()
	if err != nil {
		return nil, false, err
	}
	e.Policy.Type = PolicyType(ptype)
	switch e.Policy.Type {
	case PolicyRemote:
		if e.Policy.Remote, err = r.locator(); err != nil {
			return nil, false, err
		}
	case PolicyEmbeddedPlain, PolicyEmbeddedEncrypted:
		n, err := r.u16()
		if err != nil {
			return nil, false, err
		}
		if e.Policy.Body, err = r.take(n); err != nil {
			return nil, false, err
		}
	default:
		return nil, false, fmt.Errorf("%w: policy type 0x%02x", ErrCorrupt, ptype)
	}
	e.policyRaw = r.b[policyStart:r.off]

	if e.Policy.Binding, err = r.take(BindingSize); err != nil {
		return nil, false, err
	}
	if e.EphemeralKey, err = r.take(KeySize); err != nil {
		return nil, false, err
	}
	return e, hasSig, nil
}
