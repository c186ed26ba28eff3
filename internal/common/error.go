// Package common defines shared constants and sentinel errors used across
// securemsg layers. Callers should use errors.Is to match the sentinels and
// KindOf to classify any error returned by a service.
package common

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers: bad input, cryptographic failure,
// missing entity, illegal state or a retryable infrastructure problem.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindCrypto
	KindNotFound
	KindState
	KindInfrastructure
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindCrypto:
		return "crypto"
	case KindNotFound:
		return "not_found"
	case KindState:
		return "state"
	case KindInfrastructure:
		return "infrastructure"
	case KindUnauthorized:
		return "unauthorized"
	default:
		return "unknown"
	}
}

// kindError is a sentinel that knows its Kind.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Kind() Kind    { return e.kind }

func newKindError(kind Kind, msg string) error {
	return &kindError{kind: kind, msg: msg}
}

var (
	// Repository-level errors.
	ErrorNotFound = newKindError(KindNotFound, "not found")

	// Service-level errors (generic/internal flow control).
	ErrorInternal     = errors.New("internal error")
	ErrorUnauthorized = newKindError(KindUnauthorized, "unauthorized")

	// Auth errors (invalid or malformed token).
	ErrInvalidToken = newKindError(KindUnauthorized, "invalid token")
	ErrTokenExpired = newKindError(KindUnauthorized, "token expired")

	// Validation errors.
	ErrFingerprintMismatch  = newKindError(KindValidation, "fingerprint mismatch")
	ErrDuplicateKeyID       = newKindError(KindValidation, "duplicate key id")
	ErrInvalidKey           = newKindError(KindValidation, "invalid public key")
	ErrUnsupportedAlgorithm = newKindError(KindValidation, "unsupported algorithm")
	ErrRecipientExclusivity = newKindError(KindValidation, "exactly one of recipientId and roomId must be set")
	ErrInvalidPayload       = newKindError(KindValidation, "invalid encrypted payload")
	ErrReplayDetected       = newKindError(KindValidation, "replay detected")
	ErrForwardSecrecyKey    = newKindError(KindValidation, "forward secrecy requires an ECDH recipient key")
	ErrInvalidSessionKey    = newKindError(KindValidation, "session key must be 32 bytes")

	// Crypto errors.
	ErrAuthentication   = newKindError(KindCrypto, "authentication failed")
	ErrKeyUnwrap        = newKindError(KindCrypto, "key unwrap failed")
	ErrSignatureInvalid = newKindError(KindCrypto, "signature verification failed")

	// State errors.
	ErrKeyExpired           = newKindError(KindState, "key expired")
	ErrKeyInactive          = newKindError(KindState, "key is not active")
	ErrMessageDestroyed     = newKindError(KindState, "message destroyed")
	ErrForwardSecrecyFields = newKindError(KindState, "forward secret package requires ephemeral key and kdf")
	ErrNoDeliveryKey        = newKindError(KindState, "no wrap-capable key available")
)

// infraError marks storage, cache and broker failures as retryable.
type infraError struct {
	op  string
	err error
}

func (e *infraError) Error() string { return fmt.Sprintf("%s: %v", e.op, e.err) }
func (e *infraError) Unwrap() error { return e.err }
func (e *infraError) Kind() Kind    { return KindInfrastructure }

// Infra wraps err as an infrastructure failure of operation op.
// A nil err stays nil; an error that already carries a Kind is returned as is.
func Infra(op string, err error) error {
	if err == nil {
		return nil
	}
	if KindOf(err) != KindUnknown {
		return err
	}
	return &infraError{op: op, err: err}
}

// KindOf walks the wrap chain of err and returns the first Kind found.
func KindOf(err error) Kind {
	var k interface{ Kind() Kind }
	if errors.As(err, &k) {
		return k.Kind()
	}
	return KindUnknown
}

// IsRetryable reports whether err is an infrastructure failure.
func IsRetryable(err error) bool {
	return KindOf(err) == KindInfrastructure
}
