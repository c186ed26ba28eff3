package models

import "time"

// VerificationStatus records the outcome of the signature check on save.
type VerificationStatus string

const (
	VerificationUnverified VerificationStatus = "UNVERIFIED"
	VerificationVerified   VerificationStatus = "VERIFIED"
	VerificationFailed     VerificationStatus = "FAILED"
)

// MessageStatus is derived from the lifecycle timestamps.
type MessageStatus string

const (
	MessageCreated   MessageStatus = "CREATED"
	MessageRead      MessageStatus = "READ"
	MessageDestroyed MessageStatus = "DESTROYED"
)

// EncryptedMessage is a stored ciphertext envelope. Exactly one of
// RecipientID and RoomID is non-empty.
type EncryptedMessage struct {
	ID                 string
	TenantID           string
	ConversationID     string
	SenderID           string
	RecipientID        string
	RoomID             string
	KeyID              string
	Algorithm          string
	Ciphertext         []byte
	IV                 []byte
	Tag                []byte
	Signature          []byte
	ContentType        string
	MessageSize        int64
	IsSigned           bool
	VerificationStatus VerificationStatus
	SelfDestructTimer  time.Duration
	ClientTimestamp    time.Time
	ReadAt             *time.Time
	DestructAt         *time.Time
	CreatedAt          time.Time
}

// StatusAt derives the lifecycle state. Destroyed rows are deleted by the
// cleanup job; until then a passed deadline already counts as destroyed.
func (m *EncryptedMessage) StatusAt(now time.Time) MessageStatus {
	switch {
	case m.DueForDestructionAt(now):
		return MessageDestroyed
	case m.ReadAt != nil:
		return MessageRead
	default:
		return MessageCreated
	}
}

// DueForDestructionAt reports whether the self-destruct deadline has passed.
func (m *EncryptedMessage) DueForDestructionAt(now time.Time) bool {
	return m.DestructAt != nil && !m.DestructAt.After(now)
}

// SignedPayload is the byte string a sender signs: ciphertext || iv || tag.
func (m *EncryptedMessage) SignedPayload() []byte {
	out := make([]byte, 0, len(m.Ciphertext)+len(m.IV)+len(m.Tag))
	out = append(out, m.Ciphertext...)
	out = append(out, m.IV...)
	return append(out, m.Tag...)
}

// Metadata strips every ciphertext-adjacent field.
func (m *EncryptedMessage) Metadata() MessageMetadata {
	return MessageMetadata{
		ID:                 m.ID,
		TenantID:           m.TenantID,
		ConversationID:     m.ConversationID,
		SenderID:           m.SenderID,
		RecipientID:        m.RecipientID,
		RoomID:             m.RoomID,
		KeyID:              m.KeyID,
		Algorithm:          m.Algorithm,
		ContentType:        m.ContentType,
		MessageSize:        m.MessageSize,
		IsSigned:           m.IsSigned,
		VerificationStatus: m.VerificationStatus,
		SelfDestructTimer:  m.SelfDestructTimer,
		ReadAt:             m.ReadAt,
		DestructAt:         m.DestructAt,
		CreatedAt:          m.CreatedAt,
	}
}

// MessageMetadata is the list-view projection of a message.
type MessageMetadata struct {
	ID                 string
	TenantID           string
	ConversationID     string
	SenderID           string
	RecipientID        string
	RoomID             string
	KeyID              string
	Algorithm          string
	ContentType        string
	MessageSize        int64
	IsSigned           bool
	VerificationStatus VerificationStatus
	SelfDestructTimer  time.Duration
	ReadAt             *time.Time
	DestructAt         *time.Time
	CreatedAt          time.Time
}

// MessagePage is one page of a conversation, newest first.
type MessagePage struct {
	Items      []MessageMetadata
	NextCursor string
	HasMore    bool
}
