package cryptox

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/dmitrijs2005/securemsg/internal/common"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

// WrappedKey is a session key encrypted to one recipient public key.
type WrappedKey struct {
	Algorithm          string
	WrappedKey         []byte
	EphemeralPublicKey []byte
	KDFAlgorithm       string
}

// KeyWrapper is one session-key wrapping variant.
type KeyWrapper interface {
	Algorithm() string
	KeyAlgorithm() string
	// Ephemeral reports whether Wrap binds a fresh ephemeral key pair,
	// which is what forward secret packages require.
	Ephemeral() bool
	Wrap(sessionKey, recipientPublicKey []byte) (*WrappedKey, error)
	Unwrap(w *WrappedKey, recipientPrivateKey []byte) ([]byte, error)
	// ValidLength reports whether n is a possible wrapped length for a
	// SessionKeySize key.
	ValidLength(n int) bool
}

var wrappers = map[string]KeyWrapper{
	WrapRSAOAEP256:   rsaOAEPWrapper{},
	WrapX25519HKDF:   x25519Wrapper{},
	WrapMLKEM768HKDF: mlkemWrapper{},
}

// WrapperFor returns the wrapper matching a recipient key algorithm.
func WrapperFor(keyAlgorithm string) (KeyWrapper, error) {
	w, ok := wrappers[keyAlgorithms[keyAlgorithm].wrap]
	if !ok {
		return nil, unsupported("wrap key", keyAlgorithm)
	}
	return w, nil
}

// LookupWrapper returns the wrapper registered under a wrap algorithm id.
func LookupWrapper(wrapAlgorithm string) (KeyWrapper, error) {
	w, ok := wrappers[wrapAlgorithm]
	if !ok {
		return nil, unsupported("wrap", wrapAlgorithm)
	}
	return w, nil
}

// WrapKey wraps sessionKey for a recipient key of the given algorithm.
func WrapKey(sessionKey, recipientPublicKey []byte, keyAlgorithm string) (*WrappedKey, error) {
	if len(sessionKey) != SessionKeySize {
		return nil, common.ErrInvalidSessionKey
	}
	w, err := WrapperFor(keyAlgorithm)
	if err != nil {
		return nil, err
	}
	return w.Wrap(sessionKey, recipientPublicKey)
}

// UnwrapKey is the inverse of WrapKey. Every failure is ErrKeyUnwrap.
func UnwrapKey(wrapped *WrappedKey, recipientPrivateKey []byte) ([]byte, error) {
	if wrapped == nil {
		return nil, common.ErrKeyUnwrap
	}
	w, err := LookupWrapper(wrapped.Algorithm)
	if err != nil {
		return nil, err
	}
	return w.Unwrap(wrapped, recipientPrivateKey)
}

// ---- RSA-OAEP(SHA-256) ----

type rsaOAEPWrapper struct{}

func (rsaOAEPWrapper) Algorithm() string    { return WrapRSAOAEP256 }
func (rsaOAEPWrapper) KeyAlgorithm() string { return KeyRSA }
func (rsaOAEPWrapper) Ephemeral() bool      { return false }

// ValidLength accepts the ciphertext sizes of 2048, 3072 and 4096 bit moduli.
func (rsaOAEPWrapper) ValidLength(n int) bool {
	return n == 256 || n == 384 || n == 512
}

func (rsaOAEPWrapper) Wrap(sessionKey, recipientPublicKey []byte) (*WrappedKey, error) {
	pub, err := parseRSAPublicKey(recipientPublicKey)
	if err != nil {
		return nil, err
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep wrap: %w", err)
	}
	return &WrappedKey{Algorithm: WrapRSAOAEP256, WrappedKey: ct}, nil
}

func (rsaOAEPWrapper) Unwrap(w *WrappedKey, recipientPrivateKey []byte) ([]byte, error) {
	k, err := x509.ParsePKCS8PrivateKey(recipientPrivateKey)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	priv, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, common.ErrKeyUnwrap
	}
	key, err := rsa.DecryptOAEP(sha256.New(), nil, priv, w.WrappedKey, nil)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	return key, nil
}

// ---- ephemeral X25519 + HKDF-SHA256 + AES-256-GCM ----

var x25519WrapInfo = []byte("securemsg/wrap/x25519/v1")

type x25519Wrapper struct{}

func (x25519Wrapper) Algorithm() string    { return WrapX25519HKDF }
func (x25519Wrapper) KeyAlgorithm() string { return KeyX25519 }
func (x25519Wrapper) Ephemeral() bool      { return true }

func (x25519Wrapper) ValidLength(n int) bool {
	return n == IVSize+SessionKeySize+TagSize
}

func (x25519Wrapper) Wrap(sessionKey, recipientPublicKey []byte) (*WrappedKey, error) {
	if len(recipientPublicKey) != curve25519.PointSize {
		return nil, common.ErrInvalidKey
	}
	ephPriv := common.GenerateRandByteArray(curve25519.ScalarSize)
	defer common.WipeByteArray(ephPriv)

	ephPub, err := curve25519.X25519(ephPriv, curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	shared, err := curve25519.X25519(ephPriv, recipientPublicKey)
	if err != nil {
		return nil, fmt.Errorf("x25519: %w", common.ErrInvalidKey)
	}
	defer common.WipeByteArray(shared)

	kek, err := deriveKEK(shared, append(append([]byte{}, ephPub...), recipientPublicKey...), x25519WrapInfo)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(kek)

	wrapped, err := sealCompact(kek, sessionKey, ephPub)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{
		Algorithm:          WrapX25519HKDF,
		WrappedKey:         wrapped,
		EphemeralPublicKey: ephPub,
		KDFAlgorithm:       KDFHKDFSHA256,
	}, nil
}

func (x25519Wrapper) Unwrap(w *WrappedKey, recipientPrivateKey []byte) ([]byte, error) {
	if len(recipientPrivateKey) != curve25519.ScalarSize || len(w.EphemeralPublicKey) != curve25519.PointSize {
		return nil, common.ErrKeyUnwrap
	}
	recipientPub, err := curve25519.X25519(recipientPrivateKey, curve25519.Basepoint)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	shared, err := curve25519.X25519(recipientPrivateKey, w.EphemeralPublicKey)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	defer common.WipeByteArray(shared)

	kek, err := deriveKEK(shared, append(append([]byte{}, w.EphemeralPublicKey...), recipientPub...), x25519WrapInfo)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	defer common.WipeByteArray(kek)

	key, err := openCompact(kek, w.WrappedKey, w.EphemeralPublicKey)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	return key, nil
}

// ---- ML-KEM-768 + HKDF-SHA256 + AES-256-GCM ----

var mlkemWrapInfo = []byte("securemsg/wrap/ml-kem-768/v1")

type mlkemWrapper struct{}

func (mlkemWrapper) Algorithm() string    { return WrapMLKEM768HKDF }
func (mlkemWrapper) KeyAlgorithm() string { return KeyMLKEM768 }
func (mlkemWrapper) Ephemeral() bool      { return false }

func (mlkemWrapper) ValidLength(n int) bool {
	return n == mlkem768.Scheme().CiphertextSize()+IVSize+SessionKeySize+TagSize
}

func (mlkemWrapper) Wrap(sessionKey, recipientPublicKey []byte) (*WrappedKey, error) {
	scheme := mlkem768.Scheme()
	pk, err := scheme.UnmarshalBinaryPublicKey(recipientPublicKey)
	if err != nil {
		return nil, common.ErrInvalidKey
	}
	ct, shared, err := scheme.Encapsulate(pk)
	if err != nil {
		return nil, fmt.Errorf("ml-kem encapsulate: %w", err)
	}
	defer common.WipeByteArray(shared)

	kek, err := deriveKEK(shared, ct, mlkemWrapInfo)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(kek)

	sealed, err := sealCompact(kek, sessionKey, ct)
	if err != nil {
		return nil, err
	}
	return &WrappedKey{
		Algorithm:    WrapMLKEM768HKDF,
		WrappedKey:   append(ct, sealed...),
		KDFAlgorithm: KDFHKDFSHA256,
	}, nil
}

func (mlkemWrapper) Unwrap(w *WrappedKey, recipientPrivateKey []byte) ([]byte, error) {
	scheme := mlkem768.Scheme()
	ctSize := scheme.CiphertextSize()
	if len(w.WrappedKey) <= ctSize {
		return nil, common.ErrKeyUnwrap
	}
	sk, err := scheme.UnmarshalBinaryPrivateKey(recipientPrivateKey)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	ct := w.WrappedKey[:ctSize]
	shared, err := scheme.Decapsulate(sk, ct)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	defer common.WipeByteArray(shared)

	kek, err := deriveKEK(shared, ct, mlkemWrapInfo)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	defer common.WipeByteArray(kek)

	key, err := openCompact(kek, w.WrappedKey[ctSize:], ct)
	if err != nil {
		return nil, common.ErrKeyUnwrap
	}
	return key, nil
}

func deriveKEK(secret, salt, info []byte) ([]byte, error) {
	kek := make([]byte, SessionKeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, info), kek); err != nil {
		return nil, err
	}
	return kek, nil
}
