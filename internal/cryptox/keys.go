package cryptox

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/dmitrijs2005/securemsg/internal/common"
	"golang.org/x/crypto/curve25519"
)

// MinRSABits is the smallest RSA modulus accepted for uploads.
const MinRSABits = 2048

// KeyPair is freshly generated key material in its transport encoding:
// PKIX / PKCS#8 DER for RSA, raw bytes for the curve and lattice schemes.
type KeyPair struct {
	Algorithm  string
	PublicKey  []byte
	PrivateKey []byte
}

// Fingerprint returns the lowercase hex SHA-256 of an encoded public key.
func Fingerprint(encodedKey []byte) string {
	sum := sha256.Sum256(encodedKey)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint lowercases a claimed fingerprint and drops the ':'
// and whitespace separators people paste in.
func NormalizeFingerprint(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ':', ' ', '\t', '\n', '\r':
			return -1
		}
		if r >= 'A' && r <= 'F' {
			return r + ('a' - 'A')
		}
		return r
	}, s)
}

// ConstantTimeEquals compares a and b by their SHA-256 digests so the cost
// does not depend on the position of the first differing byte, nor leak the
// inputs' lengths through an early return.
func ConstantTimeEquals(a, b []byte) bool {
	da := sha256.Sum256(a)
	db := sha256.Sum256(b)
	return subtle.ConstantTimeCompare(da[:], db[:]) == 1
}

// ConstantTimeEqualsString is ConstantTimeEquals for strings.
func ConstantTimeEqualsString(a, b string) bool {
	return ConstantTimeEquals([]byte(a), []byte(b))
}

// EncodeBase64 uses standard padded base64.
func EncodeBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeBase64 accepts standard or URL-safe base64, padded or not.
func DecodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	for _, enc := range []*base64.Encoding{
		base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding,
	} {
		if b, err := enc.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("invalid base64 value")
}

// ParsePublicKey checks that encoded is a well formed public key of algorithm alg.
func ParsePublicKey(alg string, encoded []byte) error {
	var err error
	switch alg {
	case KeyRSA:
		_, err = parseRSAPublicKey(encoded)
	case KeyX25519:
		if len(encoded) != curve25519.PointSize || subtle.ConstantTimeCompare(encoded, make([]byte, curve25519.PointSize)) == 1 {
			err = common.ErrInvalidKey
		}
	case KeyEd25519:
		if len(encoded) != ed25519.PublicKeySize {
			err = common.ErrInvalidKey
		}
	case KeyMLKEM768:
		if _, e := mlkem768.Scheme().UnmarshalBinaryPublicKey(encoded); e != nil {
			err = common.ErrInvalidKey
		}
	case KeyMLDSA65:
		var pk mldsa65.PublicKey
		if e := pk.UnmarshalBinary(encoded); e != nil {
			err = common.ErrInvalidKey
		}
	default:
		return unsupported("key", alg)
	}
	if err != nil {
		return fmt.Errorf("%s key: %w", alg, err)
	}
	return nil
}

func parseRSAPublicKey(der []byte) (*rsa.PublicKey, error) {
	k, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, common.ErrInvalidKey
	}
	pub, ok := k.(*rsa.PublicKey)
	if !ok || pub.N.BitLen() < MinRSABits {
		return nil, common.ErrInvalidKey
	}
	return pub, nil
}

// GenerateKeyPair issues new key material for algorithm alg.
func GenerateKeyPair(alg string) (*KeyPair, error) {
	kp := &KeyPair{Algorithm: alg}
	switch alg {
	case KeyRSA:
		priv, err := rsa.GenerateKey(rand.Reader, MinRSABits)
		if err != nil {
			return nil, err
		}
		if kp.PublicKey, err = x509.MarshalPKIXPublicKey(&priv.PublicKey); err != nil {
			return nil, err
		}
		if kp.PrivateKey, err = x509.MarshalPKCS8PrivateKey(priv); err != nil {
			return nil, err
		}
	case KeyX25519:
		kp.PrivateKey = common.GenerateRandByteArray(curve25519.ScalarSize)
		pub, err := curve25519.X25519(kp.PrivateKey, curve25519.Basepoint)
		if err != nil {
			return nil, err
		}
		kp.PublicKey = pub
	case KeyEd25519:
		pub, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		kp.PublicKey, kp.PrivateKey = pub, priv
	case KeyMLKEM768:
		pub, priv, err := mlkem768.Scheme().GenerateKeyPair()
		if err != nil {
			return nil, err
		}
		if kp.PublicKey, err = pub.MarshalBinary(); err != nil {
			return nil, err
		}
		if kp.PrivateKey, err = priv.MarshalBinary(); err != nil {
			return nil, err
		}
	case KeyMLDSA65:
		pub, priv, err := mldsa65.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		if kp.PublicKey, err = pub.MarshalBinary(); err != nil {
			return nil, err
		}
		if kp.PrivateKey, err = priv.MarshalBinary(); err != nil {
			return nil, err
		}
	default:
		return nil, unsupported("key", alg)
	}
	return kp, nil
}
