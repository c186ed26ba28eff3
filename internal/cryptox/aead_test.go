package cryptox

import (
	"bytes"
	"testing"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	key := common.GenerateRandByteArray(SessionKeySize)

	for _, alg := range []string{AES256GCM, ChaCha20Poly1305} {
		for _, size := range []int{0, 1, 31, 1024, 64 * 1024} {
			plaintext := common.GenerateRandByteArray(size)

			sealed, err := Encrypt(alg, plaintext, key)
			require.NoError(t, err)
			assert.Len(t, sealed.IV, IVSize)
			assert.Len(t, sealed.Tag, TagSize)
			assert.Len(t, sealed.Ciphertext, size)

			got, err := Decrypt(alg, sealed, key)
			require.NoError(t, err, "%s/%d", alg, size)
			assert.True(t, bytes.Equal(plaintext, got))
		}
	}
}

func TestEncrypt_FreshIVPerCall(t *testing.T) {
	key := common.GenerateRandByteArray(SessionKeySize)
	a, err := Encrypt(AES256GCM, []byte("same"), key)
	require.NoError(t, err)
	b, err := Encrypt(AES256GCM, []byte("same"), key)
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestDecrypt_BitFlipFails(t *testing.T) {
	key := common.GenerateRandByteArray(SessionKeySize)
	plaintext := []byte("attack at dawn, bring snacks")

	sealed, err := Encrypt(AES256GCM, plaintext, key)
	require.NoError(t, err)

	flip := func(b []byte, bit int) []byte {
		out := append([]byte{}, b...)
		out[bit/8] ^= 1 << (bit % 8)
		return out
	}

	for bit := 0; bit < len(sealed.Ciphertext)*8; bit++ {
		tampered := &Sealed{IV: sealed.IV, Ciphertext: flip(sealed.Ciphertext, bit), Tag: sealed.Tag}
		got, err := Decrypt(AES256GCM, tampered, key)
		require.ErrorIs(t, err, common.ErrAuthentication, "ciphertext bit %d", bit)
		require.Nil(t, got)
	}
	for bit := 0; bit < TagSize*8; bit++ {
		tampered := &Sealed{IV: sealed.IV, Ciphertext: sealed.Ciphertext, Tag: flip(sealed.Tag, bit)}
		_, err := Decrypt(AES256GCM, tampered, key)
		require.ErrorIs(t, err, common.ErrAuthentication, "tag bit %d", bit)
	}
}

func TestDecrypt_WrongKeyAndShapes(t *testing.T) {
	key := common.GenerateRandByteArray(SessionKeySize)
	sealed, err := Encrypt(ChaCha20Poly1305, []byte("hi"), key)
	require.NoError(t, err)

	_, err = Decrypt(ChaCha20Poly1305, sealed, common.GenerateRandByteArray(SessionKeySize))
	assert.ErrorIs(t, err, common.ErrAuthentication)

	_, err = Decrypt(ChaCha20Poly1305, &Sealed{IV: sealed.IV[:5], Ciphertext: sealed.Ciphertext, Tag: sealed.Tag}, key)
	assert.ErrorIs(t, err, common.ErrAuthentication)

	_, err = Decrypt(ChaCha20Poly1305, nil, key)
	assert.ErrorIs(t, err, common.ErrAuthentication)
}

func TestEncrypt_Errors(t *testing.T) {
	_, err := Encrypt("DES", []byte("x"), make([]byte, 32))
	assert.ErrorIs(t, err, common.ErrUnsupportedAlgorithm)

	_, err = Encrypt(AES256GCM, []byte("x"), make([]byte, 16))
	assert.ErrorIs(t, err, common.ErrInvalidSessionKey)

	assert.True(t, IsAEAD(AES256GCM))
	assert.False(t, IsAEAD("AES-CBC"))
}
