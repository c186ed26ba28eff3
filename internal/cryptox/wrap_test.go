package cryptox

import (
	"sync"
	"testing"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	keyPairsMu sync.Mutex
	keyPairs   = map[string]*KeyPair{}
)

// testKeyPair caches generated keys; RSA generation is slow.
func testKeyPair(t *testing.T, alg string) *KeyPair {
	t.Helper()
	keyPairsMu.Lock()
	defer keyPairsMu.Unlock()
	if kp, ok := keyPairs[alg]; ok {
		return kp
	}
	kp, err := GenerateKeyPair(alg)
	require.NoError(t, err)
	keyPairs[alg] = kp
	return kp
}

func TestWrapUnwrap_RoundTrip(t *testing.T) {
	tests := []struct {
		keyAlg       string
		wrapAlg      string
		wrappedLen   int
		hasEphemeral bool
	}{
		{KeyRSA, WrapRSAOAEP256, 256, false},
		{KeyX25519, WrapX25519HKDF, 60, true},
		{KeyMLKEM768, WrapMLKEM768HKDF, mlkem768.CiphertextSize + 60, false},
	}
	for _, tt := range tests {
		t.Run(tt.keyAlg, func(t *testing.T) {
			kp := testKeyPair(t, tt.keyAlg)
			sessionKey := common.GenerateRandByteArray(SessionKeySize)

			w, err := WrapKey(sessionKey, kp.PublicKey, tt.keyAlg)
			require.NoError(t, err)
			assert.Equal(t, tt.wrapAlg, w.Algorithm)
			assert.Len(t, w.WrappedKey, tt.wrappedLen)
			assert.Equal(t, tt.hasEphemeral, len(w.EphemeralPublicKey) > 0)

			wrapper, err := LookupWrapper(w.Algorithm)
			require.NoError(t, err)
			assert.True(t, wrapper.ValidLength(len(w.WrappedKey)))
			assert.False(t, wrapper.ValidLength(len(w.WrappedKey)-1))

			got, err := UnwrapKey(w, kp.PrivateKey)
			require.NoError(t, err)
			assert.Equal(t, sessionKey, got)
		})
	}
}

func TestUnwrap_MismatchFails(t *testing.T) {
	for _, alg := range []string{KeyRSA, KeyX25519, KeyMLKEM768} {
		t.Run(alg, func(t *testing.T) {
			kp := testKeyPair(t, alg)
			other, err := GenerateKeyPair(alg)
			require.NoError(t, err)

			w, err := WrapKey(common.GenerateRandByteArray(SessionKeySize), kp.PublicKey, alg)
			require.NoError(t, err)

			_, err = UnwrapKey(w, other.PrivateKey)
			assert.ErrorIs(t, err, common.ErrKeyUnwrap, "wrong private key")

			tampered := *w
			tampered.WrappedKey = append([]byte{}, w.WrappedKey...)
			tampered.WrappedKey[len(tampered.WrappedKey)-1] ^= 0x01
			_, err = UnwrapKey(&tampered, kp.PrivateKey)
			assert.ErrorIs(t, err, common.ErrKeyUnwrap, "tampered wrapped key")

			_, err = UnwrapKey(w, []byte("garbage"))
			assert.ErrorIs(t, err, common.ErrKeyUnwrap, "garbage private key")
		})
	}
}

func TestWrapX25519_EphemeralIsBound(t *testing.T) {
	kp := testKeyPair(t, KeyX25519)
	w, err := WrapKey(common.GenerateRandByteArray(SessionKeySize), kp.PublicKey, KeyX25519)
	require.NoError(t, err)

	swapped := *w
	other, err := GenerateKeyPair(KeyX25519)
	require.NoError(t, err)
	swapped.EphemeralPublicKey = other.PublicKey

	_, err = UnwrapKey(&swapped, kp.PrivateKey)
	assert.ErrorIs(t, err, common.ErrKeyUnwrap)
}

func TestWrapKey_Errors(t *testing.T) {
	_, err := WrapKey(make([]byte, 16), make([]byte, 32), KeyX25519)
	assert.ErrorIs(t, err, common.ErrInvalidSessionKey)

	_, err = WrapKey(make([]byte, 32), make([]byte, 32), KeyEd25519)
	assert.ErrorIs(t, err, common.ErrUnsupportedAlgorithm, "signing keys cannot wrap")

	_, err = WrapKey(make([]byte, 32), []byte("short"), KeyX25519)
	assert.ErrorIs(t, err, common.ErrInvalidKey)

	_, err = UnwrapKey(&WrappedKey{Algorithm: "ROT13"}, nil)
	assert.ErrorIs(t, err, common.ErrUnsupportedAlgorithm)

	_, err = UnwrapKey(nil, nil)
	assert.ErrorIs(t, err, common.ErrKeyUnwrap)
}
