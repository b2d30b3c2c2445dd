package rewrap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sealed_chat/internal/cryptographic/encryption"
	"sealed_chat/internal/protocol/nanotdf"
)

func TestSplitBoundaries(t *testing.T) {
	min := encryption.NonceSize + encryption.TagSize

	t.Run("empty is denial", func(t *testing.T) {
		resp, err := Split(nil)
		require.ErrorIs(t, err, ErrDenied)
		assert.Nil(t, resp)
	})

	t.Run("one byte is malformed", func(t *testing.T) {
		_, err := Split([]byte{0x01})
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("one short of minimum is malformed", func(t *testing.T) {
		_, err := Split(make([]byte, min-1))
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("minimum is a grant with empty ciphertext", func(t *testing.T) {
		resp, err := Split(make([]byte, min))
		require.NoError(t, err)
		assert.Len(t, resp.Nonce, encryption.NonceSize)
		assert.Empty(t, resp.Ciphertext)
		assert.Len(t, resp.Tag, encryption.TagSize)
	})

	t.Run("one past minimum carries ciphertext", func(t *testing.T) {
		wrapped := bytes.Repeat([]byte{0xab}, min+1)
		resp, err := Split(wrapped)
		require.NoError(t, err)
		assert.Equal(t, wrapped[:encryption.NonceSize], resp.Nonce)
		assert.Len(t, resp.Ciphertext, 1)
		assert.Equal(t, wrapped[len(wrapped)-encryption.TagSize:], resp.Tag)
	})
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	sharedSecret := bytes.Repeat([]byte{0x11}, 32)
	salt := bytes.Repeat([]byte{0x22}, 32)
	unwrapKey, err := SessionUnwrapKey(sharedSecret, salt)
	require.NoError(t, err)
	require.Len(t, unwrapKey, UnwrapKeySize)

	messageSecret := bytes.Repeat([]byte{0x33}, 32)
	wrapped, err := WrapMessageSecret(unwrapKey, messageSecret)
	require.NoError(t, err)

	resp, err := Split(wrapped)
	require.NoError(t, err)

	got, err := UnwrapContentKey(unwrapKey, resp)
	require.NoError(t, err)

	want, err := nanotdf.ContentKey(messageSecret)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestUnwrapWrongKey(t *testing.T) {
	unwrapKey := bytes.Repeat([]byte{0x44}, UnwrapKeySize)
	wrapped, err := WrapMessageSecret(unwrapKey, bytes.Repeat([]byte{0x55}, 32))
	require.NoError(t, err)

	resp, err := Split(wrapped)
	require.NoError(t, err)

	wrong := bytes.Repeat([]byte{0x45}, UnwrapKeySize)
	_, err = UnwrapContentKey(wrong, resp)
	require.ErrorIs(t, err, ErrDecryption)
}

func TestSessionUnwrapKeyDomainSeparation(t *testing.T) {
	secret := bytes.Repeat([]byte{0x66}, 32)
	saltA := bytes.Repeat([]byte{0x01}, 32)
	saltB := bytes.Repeat([]byte{0x02}, 32)

	a1, err := SessionUnwrapKey(secret, saltA)
	require.NoError(t, err)
	a2, err := SessionUnwrapKey(secret, saltA)
	require.NoError(t, err)
	b, err := SessionUnwrapKey(secret, saltB)
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
}
