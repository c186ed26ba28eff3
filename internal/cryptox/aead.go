package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	IVSize  = 12
	TagSize = 16
)

// Sealed is the output of an AEAD encryption; the tag is kept apart from the
// ciphertext because envelopes store them in separate fields.
type Sealed struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// AEAD is one authenticated encryption variant.
type AEAD interface {
	Algorithm() string
	Seal(key, plaintext, aad []byte) (*Sealed, error)
	Open(key []byte, sealed *Sealed, aad []byte) ([]byte, error)
}

type aeadCipher struct {
	name string
	new  func(key []byte) (cipher.AEAD, error)
}

var aeads = map[string]AEAD{
	AES256GCM: &aeadCipher{name: AES256GCM, new: func(key []byte) (cipher.AEAD, error) {
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}},
	ChaCha20Poly1305: &aeadCipher{name: ChaCha20Poly1305, new: chacha20poly1305.New},
}

// LookupAEAD returns the AEAD registered under alg.
func LookupAEAD(alg string) (AEAD, error) {
	a, ok := aeads[alg]
	if !ok {
		return nil, unsupported("cipher", alg)
	}
	return a, nil
}

// IsAEAD reports whether alg names a registered AEAD.
func IsAEAD(alg string) bool {
	_, ok := aeads[alg]
	return ok
}

func (c *aeadCipher) Algorithm() string { return c.name }

// Seal encrypts plaintext under a 32-byte key with a fresh random 12-byte IV.
func (c *aeadCipher) Seal(key, plaintext, aad []byte) (*Sealed, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%s: %w", c.name, common.ErrInvalidSessionKey)
	}
	aead, err := c.new(key)
	if err != nil {
		return nil, err
	}

	iv := common.GenerateRandByteArray(aead.NonceSize())
	out := aead.Seal(nil, iv, plaintext, aad)
	n := len(out) - aead.Overhead()

	return &Sealed{IV: iv, Ciphertext: out[:n], Tag: out[n:]}, nil
}

// Open authenticates and decrypts. Any mismatch yields ErrAuthentication and
// no plaintext.
func (c *aeadCipher) Open(key []byte, sealed *Sealed, aad []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%s: %w", c.name, common.ErrInvalidSessionKey)
	}
	aead, err := c.new(key)
	if err != nil {
		return nil, err
	}
	if sealed == nil || len(sealed.IV) != aead.NonceSize() || len(sealed.Tag) != aead.Overhead() {
		return nil, common.ErrAuthentication
	}

	buf := make([]byte, 0, len(sealed.Ciphertext)+len(sealed.Tag))
	buf = append(buf, sealed.Ciphertext...)
	buf = append(buf, sealed.Tag...)

	plaintext, err := aead.Open(nil, sealed.IV, buf, aad)
	if err != nil {
		return nil, common.ErrAuthentication
	}
	return plaintext, nil
}

// Encrypt seals plaintext with the named AEAD.
func Encrypt(alg string, plaintext, key []byte) (*Sealed, error) {
	a, err := LookupAEAD(alg)
	if err != nil {
		return nil, err
	}
	return a.Seal(key, plaintext, nil)
}

// Decrypt opens a value produced by Encrypt.
func Decrypt(alg string, sealed *Sealed, key []byte) ([]byte, error) {
	a, err := LookupAEAD(alg)
	if err != nil {
		return nil, err
	}
	return a.Open(key, sealed, nil)
}

// sealCompact is the internal iv||ciphertext||tag form used inside wrapped keys.
func sealCompact(key, plaintext, aad []byte) ([]byte, error) {
	s, err := aeads[AES256GCM].Seal(key, plaintext, aad)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, IVSize+len(s.Ciphertext)+TagSize)
	out = append(out, s.IV...)
	out = append(out, s.Ciphertext...)
	return append(out, s.Tag...), nil
}

func openCompact(key, compact, aad []byte) ([]byte, error) {
	if len(compact) < IVSize+TagSize {
		return nil, common.ErrAuthentication
	}
	n := len(compact) - TagSize
	return aeads[AES256GCM].Open(key, &Sealed{
		IV:         compact[:IVSize],
		Ciphertext: compact[IVSize:n],
		Tag:        compact[n:],
	}, aad)
}
