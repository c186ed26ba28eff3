package models

import "time"

// SessionKeyPackage carries one session key wrapped to one recipient key.
// KeyID names the recipient public key used for wrapping. A zero ExpiresAt
// never expires.
type SessionKeyPackage struct {
	ID                 string
	TenantID           string
	SessionID          string
	KeyID              string
	SenderID           string
	RecipientID        string
	WrappedKey         []byte
	Algorithm          string
	EphemeralPublicKey []byte
	KDFAlgorithm       string
	ForwardSecret      bool
	CreatedAt          time.Time
	ExpiresAt          time.Time
}

func (p *SessionKeyPackage) ExpiredAt(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && !p.ExpiresAt.After(now)
}

// SessionSummary is what rotation needs to know about a session.
type SessionSummary struct {
	TenantID      string
	SessionID     string
	SenderID      string
	LastIssuedAt  time.Time
	RecipientIDs  []string
	ForwardSecret bool
}
