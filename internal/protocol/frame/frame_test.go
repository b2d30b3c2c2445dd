package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(fill byte) []byte {
	k := bytes.Repeat([]byte{fill}, KeySize)
	k[0] = 0x02
	return k
}

func TestRoundTrip(t *testing.T) {
	salt := bytes.Repeat([]byte{0x5a}, SaltSize)

	frames := []Frame{
		&SessionKey{PublicKey: testKey(0x11)},
		&SessionKey{PublicKey: testKey(0x22), Salt: salt},
		&KASKeyRequest{},
		&KASKeyResponse{PublicKey: testKey(0x33)},
		&Rewrap{Header: []byte("header bytes")},
		&Rewrapped{Identifier: testKey(0x44), Wrapped: []byte("nonce and ciphertext")},
		&Rewrapped{Identifier: testKey(0x55)},
		&Sealed{Envelope: []byte{0x4c, 0x31, 0x4c, 0x00}},
		&SealedEvent{Envelope: []byte{0x4c, 0x31, 0x4c, 0x01}},
	}

	for _, in := range frames {
		raw := in.ToBytes()
		require.NotEmpty(t, raw)
		assert.Equal(t, byte(in.Type()), raw[0])

		out, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestDecodeRewrappedDenial(t *testing.T) {
	in := &Rewrapped{Identifier: testKey(0x66)}
	out, err := Decode(in.ToBytes())
	require.NoError(t, err)

	resp, ok := out.(*Rewrapped)
	require.True(t, ok)
	assert.True(t, resp.Denied())
	assert.Empty(t, resp.Wrapped)
}

func TestDecodeMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  []byte
	}{
		{"empty input", nil},
		{"session key short", Encode(TypeSessionKey, testKey(0x01)[:KeySize-1])},
		{"session key between sizes", Encode(TypeSessionKey, bytes.Repeat([]byte{0x01}, KeySize+1))},
		{"session key oversize", Encode(TypeSessionKey, bytes.Repeat([]byte{0x01}, KeySize+SaltSize+1))},
		{"kas key wrong size", Encode(TypeKASKey, []byte{0x02, 0x03})},
		{"rewrap empty", Encode(TypeRewrap, nil)},
		{"rewrapped short identifier", Encode(TypeRewrapped, testKey(0x01)[:KeySize-1])},
		{"sealed empty", Encode(TypeSealed, nil)},
		{"sealed event empty", Encode(TypeSealedEvent, nil)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := Decode(tc.raw)
			require.ErrorIs(t, err, ErrMalformed)
			assert.Nil(t, out)
		})
	}
}

func TestDecodeUnknownType(t *testing.T) {
	out, err := Decode([]byte{0x7f, 0xde, 0xad})
	require.NoError(t, err)

	custom, ok := out.(*Custom)
	require.True(t, ok)
	assert.Equal(t, byte(0x7f), custom.Code)
	assert.Equal(t, []byte{0xde, 0xad}, custom.Body)

	// A bare unknown byte is still a frame, not an error.
	out, err = Decode([]byte{0xff})
	require.NoError(t, err)
	custom, ok = out.(*Custom)
	require.True(t, ok)
	assert.Equal(t, byte(0xff), custom.Code)
	assert.Empty(t, custom.Body)
}

func TestDecodeCopiesBody(t *testing.T) {
	raw := Encode(TypeRewrap, []byte("mutable"))
	out, err := Decode(raw)
	require.NoError(t, err)

	raw[1] = 'X'
	assert.Equal(t, []byte("mutable"), out.(*Rewrap).Header)
}
