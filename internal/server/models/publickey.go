// Package models holds the persistent entities of the messaging engine and
// the notification payloads derived from them.
package models

import "time"

// KeyStatus is the lifecycle state of a registered public key.
type KeyStatus string

const (
	KeyActive   KeyStatus = "ACTIVE"
	KeyDisabled KeyStatus = "DISABLED"
	KeyExpired  KeyStatus = "EXPIRED"
)

// PublicKey is a user's registered public key. Keys are never deleted:
// disabled and expired keys stay so historical ciphertext can be audited.
type PublicKey struct {
	TenantID    string
	UserID      string
	KeyID       string
	Algorithm   string
	EncodedKey  []byte
	Fingerprint string
	Status      KeyStatus
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	LastUsedAt  *time.Time
}

// ExpiredAt reports whether the key's validity ended before now.
func (k *PublicKey) ExpiredAt(now time.Time) bool {
	return k.ExpiresAt != nil && k.ExpiresAt.Before(now)
}

// UsableAt reports whether the key is ACTIVE and not past its expiry.
func (k *PublicKey) UsableAt(now time.Time) bool {
	return k.Status == KeyActive && !k.ExpiredAt(now)
}
