// Package cryptox holds the stateless cryptographic primitives of the
// messaging engine: AEAD encryption, session-key wrapping, signature
// verification, fingerprints and constant-time comparison.
//
// Every primitive is a strategy keyed by an algorithm identifier, so adding
// an algorithm means registering one more variant; call sites only pass the
// identifier stored next to the data.
package cryptox

import (
	"fmt"
	"sort"

	"github.com/dmitrijs2005/securemsg/internal/common"
)

// Public key algorithms accepted by the registry.
const (
	KeyRSA      = "RSA"
	KeyX25519   = "X25519"
	KeyEd25519  = "ED25519"
	KeyMLKEM768 = "ML-KEM-768"
	KeyMLDSA65  = "ML-DSA-65"
)

// Content encryption algorithms.
const (
	AES256GCM        = "AES-256-GCM"
	ChaCha20Poly1305 = "CHACHA20-POLY1305"
)

// Key wrap algorithms recorded on session key packages.
const (
	WrapRSAOAEP256   = "RSA-OAEP-256"
	WrapX25519HKDF   = "ECDH-X25519-HKDF-SHA256"
	WrapMLKEM768HKDF = "ML-KEM-768-HKDF-SHA256"

	KDFHKDFSHA256 = "HKDF-SHA256"
)

// Signature algorithms.
const (
	SigRSAPSSSHA256 = "RSA-PSS-SHA256"
	SigEd25519      = "ED25519"
	SigMLDSA65      = "ML-DSA-65"
)

// SessionKeySize is the size of every raw session key (AES-256 / ChaCha20).
const SessionKeySize = 32

type keyAlgorithm struct {
	wrap string // wrap algorithm, "" when the key cannot wrap
	sig  string // signature algorithm, "" when the key cannot sign
}

var keyAlgorithms = map[string]keyAlgorithm{
	KeyRSA:      {wrap: WrapRSAOAEP256, sig: SigRSAPSSSHA256},
	KeyX25519:   {wrap: WrapX25519HKDF},
	KeyEd25519:  {sig: SigEd25519},
	KeyMLKEM768: {wrap: WrapMLKEM768HKDF},
	KeyMLDSA65:  {sig: SigMLDSA65},
}

// SupportedKeyAlgorithm reports whether alg is a known public key algorithm.
func SupportedKeyAlgorithm(alg string) bool {
	_, ok := keyAlgorithms[alg]
	return ok
}

// CanWrap reports whether keys of algorithm alg can receive wrapped session keys.
func CanWrap(alg string) bool { return keyAlgorithms[alg].wrap != "" }

// CanSign reports whether keys of algorithm alg can verify message signatures.
func CanSign(alg string) bool { return keyAlgorithms[alg].sig != "" }

// SharedCapability returns, sorted, the key algorithms able to take over a
// role of alg: wrapping when alg can wrap, signing when alg can sign.
func SharedCapability(alg string) []string {
	var out []string
	for other := range keyAlgorithms {
		if (CanWrap(alg) && CanWrap(other)) || (CanSign(alg) && CanSign(other)) {
			out = append(out, other)
		}
	}
	sort.Strings(out)
	return out
}

func unsupported(kind, alg string) error {
	return fmt.Errorf("%s %q: %w", kind, alg, common.ErrUnsupportedAlgorithm)
}
