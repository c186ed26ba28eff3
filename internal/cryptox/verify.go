package cryptox

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"github.com/dmitrijs2005/securemsg/internal/common"
)

// PSSSaltLength is the fixed RSA-PSS salt length (equal to the SHA-256 size).
const PSSSaltLength = 32

var pssOptions = &rsa.PSSOptions{SaltLength: PSSSaltLength, Hash: crypto.SHA256}

// Verifier checks signatures for one key algorithm.
type Verifier interface {
	Algorithm() string
	Verify(payload, signature, publicKey []byte) bool
}

type verifierFunc struct {
	name string
	fn   func(payload, signature, publicKey []byte) bool
}

func (v verifierFunc) Algorithm() string { return v.name }

// Verify never panics: malformed keys or signatures count as a failed check.
func (v verifierFunc) Verify(payload, signature, publicKey []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(signature) == 0 || len(publicKey) == 0 {
		return false
	}
	return v.fn(payload, signature, publicKey)
}

var verifiers = map[string]Verifier{
	KeyRSA:     verifierFunc{name: SigRSAPSSSHA256, fn: verifyRSAPSS},
	KeyEd25519: verifierFunc{name: SigEd25519, fn: verifyEd25519},
	KeyMLDSA65: verifierFunc{name: SigMLDSA65, fn: verifyMLDSA65},
}

// VerifierFor returns the verifier for a signer key algorithm.
func VerifierFor(keyAlgorithm string) (Verifier, error) {
	v, ok := verifiers[keyAlgorithm]
	if !ok {
		return nil, unsupported("signature key", keyAlgorithm)
	}
	return v, nil
}

// VerifySignature checks signature over payload with publicKey of the given
// algorithm. Unknown algorithms and malformed input return false.
func VerifySignature(payload, signature, publicKey []byte, keyAlgorithm string) bool {
	v, err := VerifierFor(keyAlgorithm)
	if err != nil {
		return false
	}
	return v.Verify(payload, signature, publicKey)
}

func verifyRSAPSS(payload, signature, publicKey []byte) bool {
	pub, err := parseRSAPublicKey(publicKey)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(payload)
	return rsa.VerifyPSS(pub, crypto.SHA256, digest[:], signature, pssOptions) == nil
}

func verifyEd25519(payload, signature, publicKey []byte) bool {
	if len(publicKey) != ed25519.PublicKeySize || len(signature) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(publicKey, payload, signature)
}

func verifyMLDSA65(payload, signature, publicKey []byte) bool {
	if len(signature) != mldsa65.SignatureSize {
		return false
	}
	var pk mldsa65.PublicKey
	if err := pk.UnmarshalBinary(publicKey); err != nil {
		return false
	}
	return mldsa65.Verify(&pk, payload, nil, signature)
}

// Sign produces a signature that VerifySignature accepts. The server never
// holds user signing keys; this exists for tooling and tests.
func Sign(payload, privateKey []byte, keyAlgorithm string) ([]byte, error) {
	switch keyAlgorithm {
	case KeyRSA:
		k, err := x509.ParsePKCS8PrivateKey(privateKey)
		if err != nil {
			return nil, err
		}
		priv, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, common.ErrInvalidKey
		}
		digest := sha256.Sum256(payload)
		return rsa.SignPSS(rand.Reader, priv, crypto.SHA256, digest[:], pssOptions)
	case KeyEd25519:
		if len(privateKey) != ed25519.PrivateKeySize {
			return nil, common.ErrInvalidKey
		}
		return ed25519.Sign(privateKey, payload), nil
	case KeyMLDSA65:
		var sk mldsa65.PrivateKey
		if err := sk.UnmarshalBinary(privateKey); err != nil {
			return nil, err
		}
		sig := make([]byte, mldsa65.SignatureSize)
		if err := mldsa65.SignTo(&sk, payload, nil, true, sig); err != nil {
			return nil, err
		}
		return sig, nil
	default:
		return nil, errors.Join(common.ErrUnsupportedAlgorithm, errors.New(keyAlgorithm))
	}
}
