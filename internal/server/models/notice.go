package models

// Event names used as broker record keys' prefix and realtime frame types.
const (
	EventPublicKeyUploaded     = "PublicKeyUploaded"
	EventSessionKeyDistributed = "SessionKeyDistributed"
	EventEncryptedMessageSend  = "EncryptedMessageSend"
	EventMessageRead           = "MessageRead"
	EventMessageDestructed     = "MessageDestructed"
	EventKeyRotated            = "KeyRotated"
)

// Notification payloads. Binary values are base64 strings on the wire.

type KeyDistributionNotice struct {
	SessionID     string `json:"sessionId"`
	KeyID         string `json:"keyId"`
	SenderID      string `json:"senderId"`
	RecipientID   string `json:"recipientId"`
	Algorithm     string `json:"algorithm"`
	ForwardSecret bool   `json:"forwardSecret"`
	TenantID      string `json:"tenantId"`
}

type MessageSendNotice struct {
	MessageID            string `json:"messageId"`
	ConversationID       string `json:"conversationId"`
	SenderID             string `json:"senderId"`
	RecipientID          string `json:"recipientId,omitempty"`
	RoomID               string `json:"roomId,omitempty"`
	KeyID                string `json:"keyId"`
	Algorithm            string `json:"algorithm"`
	ContentType          string `json:"contentType"`
	MessageSize          int64  `json:"messageSize"`
	VerificationStatus   string `json:"verificationStatus"`
	CreatedAtEpochMillis int64  `json:"createdAtEpochMillis"`
	TenantID             string `json:"tenantId"`
}

type MessageReadNotice struct {
	MessageID         string `json:"messageId"`
	ConversationID    string `json:"conversationId"`
	SenderID          string `json:"senderId"`
	ReaderID          string `json:"readerId"`
	ReadAtEpochMillis int64  `json:"readAtEpochMillis"`
	TenantID          string `json:"tenantId"`
}

type MessageDestructNotice struct {
	MessageID               string `json:"messageId"`
	ConversationID          string `json:"conversationId"`
	SenderID                string `json:"senderId"`
	RecipientID             string `json:"recipientId,omitempty"`
	RoomID                  string `json:"roomId,omitempty"`
	DestructedAtEpochMillis int64  `json:"destructedAtEpochMillis"`
	TenantID                string `json:"tenantId"`
}

type PublicKeyUploadedNotice struct {
	UserID      string `json:"userId"`
	KeyID       string `json:"keyId"`
	Algorithm   string `json:"algorithm"`
	Fingerprint string `json:"fingerprint"`
	TenantID    string `json:"tenantId"`
}

// KeyRotatedNotice tells a user that the server issued new key material.
// The new private key is sealed under a data key that was wrapped to the
// user's previous key and stored as session package DataKeySessionID.
type KeyRotatedNotice struct {
	UserID           string `json:"userId"`
	OldKeyID         string `json:"oldKeyId"`
	NewKeyID         string `json:"newKeyId"`
	Algorithm        string `json:"algorithm"`
	Fingerprint      string `json:"fingerprint"`
	PublicKey        string `json:"publicKey"`
	SealedPrivateKey string `json:"sealedPrivateKey"`
	SealIV           string `json:"sealIv"`
	SealTag          string `json:"sealTag"`
	DataKeySessionID string `json:"dataKeySessionId"`
	TenantID         string `json:"tenantId"`
}

// AuditRecord is a security event archived by the audit sink.
type AuditRecord struct {
	ID                   string `json:"id"`
	Event                string `json:"event"`
	UserID               string `json:"userId,omitempty"`
	MessageID            string `json:"messageId,omitempty"`
	KeyID                string `json:"keyId,omitempty"`
	Algorithm            string `json:"algorithm,omitempty"`
	Detail               string `json:"detail,omitempty"`
	OccurredAtEpochMilli int64  `json:"occurredAtEpochMillis"`
	TenantID             string `json:"tenantId"`
}
