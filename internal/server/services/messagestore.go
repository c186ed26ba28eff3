package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/cryptox"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/audit"
	"github.com/dmitrijs2005/securemsg/internal/server/config"
	"github.com/dmitrijs2005/securemsg/internal/server/events"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/messages"
	"github.com/google/uuid"
)

const (
	MinSelfDestructTimer = 5 * time.Minute
	MaxSelfDestructTimer = 7 * 24 * time.Hour
	MaxSignatureSize     = 8 * 1024

	DefaultPageSize = 50
	MaxPageSize     = 100
)

// SaveMessageRequest is an encrypted envelope as submitted by a client.
// Binary fields are base64. Exactly one of RecipientID and RoomID is set.
type SaveMessageRequest struct {
	ConversationID    string
	SenderID          string
	RecipientID       string
	RoomID            string
	KeyID             string
	Algorithm         string
	Ciphertext        string
	IV                string
	Tag               string
	Signature         string
	ContentType       string
	SelfDestructTimer time.Duration
	ClientTimestamp   time.Time
}

// MessageStore persists encrypted envelopes and drives their read and
// self-destruct lifecycle.
type MessageStore struct {
	Deps
	registry *KeyRegistry
	log      logging.Logger
	audit    logging.Logger
}

func NewMessageStore(d Deps, registry *KeyRegistry) *MessageStore {
	l := d.Log.With("module", "messagestore")
	return &MessageStore{
		Deps:     d,
		registry: registry,
		log:      l,
		audit:    logging.Audit(l),
	}
}

func (s *MessageStore) repo(db dbx.DBTX) messages.Repository {
	return s.Repos.Messages(db)
}

type decodedEnvelope struct {
	ciphertext, iv, tag, signature []byte
}

func (s *MessageStore) validate(req SaveMessageRequest, now time.Time) (*decodedEnvelope, error) {
	if (req.RecipientID == "") == (req.RoomID == "") {
		return nil, common.ErrRecipientExclusivity
	}
	if req.ConversationID == "" || req.SenderID == "" || req.KeyID == "" {
		return nil, fmt.Errorf("conversation, sender and key id are required: %w", common.ErrInvalidPayload)
	}
	if !cryptox.IsAEAD(req.Algorithm) {
		return nil, fmt.Errorf("cipher %q: %w", req.Algorithm, common.ErrUnsupportedAlgorithm)
	}

	var (
		env decodedEnvelope
		err error
	)
	fields := []struct {
		name     string
		in       string
		out      *[]byte
		optional bool
	}{
		{"ciphertext", req.Ciphertext, &env.ciphertext, false},
		{"iv", req.IV, &env.iv, false},
		{"tag", req.Tag, &env.tag, false},
		{"signature", req.Signature, &env.signature, true},
	}
	for _, f := range fields {
		if f.in == "" {
			if f.optional {
				continue
			}
			return nil, fmt.Errorf("%s is required: %w", f.name, common.ErrInvalidPayload)
		}
		if *f.out, err = cryptox.DecodeBase64(f.in); err != nil {
			return nil, fmt.Errorf("%s: %w", f.name, common.ErrInvalidPayload)
		}
	}

	switch {
	case len(env.ciphertext) == 0 || len(env.ciphertext) > s.Config.MaxCiphertextSize:
		return nil, fmt.Errorf("ciphertext of %d bytes: %w", len(env.ciphertext), common.ErrInvalidPayload)
	case len(env.iv) != cryptox.IVSize:
		return nil, fmt.Errorf("iv of %d bytes: %w", len(env.iv), common.ErrInvalidPayload)
	case len(env.tag) != cryptox.TagSize:
		return nil, fmt.Errorf("tag of %d bytes: %w", len(env.tag), common.ErrInvalidPayload)
	case len(env.signature) > MaxSignatureSize:
		return nil, fmt.Errorf("signature of %d bytes: %w", len(env.signature), common.ErrInvalidPayload)
	}

	if t := req.SelfDestructTimer; t != 0 && (t < MinSelfDestructTimer || t > MaxSelfDestructTimer) {
		return nil, fmt.Errorf("self-destruct timer %s: %w", t, common.ErrInvalidPayload)
	}

	if req.ClientTimestamp.IsZero() {
		return nil, fmt.Errorf("client timestamp is required: %w", common.ErrInvalidPayload)
	}
	if skew := now.Sub(req.ClientTimestamp); skew > s.Config.MaxClockSkew || skew < -s.Config.MaxClockSkew {
		return nil, fmt.Errorf("client timestamp off by %s: %w", skew.Round(time.Second), common.ErrReplayDetected)
	}
	return &env, nil
}

// SaveEncryptedMessage validates and stores an envelope and notifies the
// recipient (or the room, minus the sender) before the write commits.
func (s *MessageStore) SaveEncryptedMessage(ctx context.Context, req SaveMessageRequest) (*models.EncryptedMessage, error) {
	now := s.now()
	env, err := s.validate(req, now)
	if err != nil {
		if errors.Is(err, common.ErrReplayDetected) {
			s.rejectReplay(ctx, req, err)
		}
		return nil, err
	}

	msg := &models.EncryptedMessage{
		ID:                 newID(),
		TenantID:           s.tenant(ctx),
		ConversationID:     req.ConversationID,
		SenderID:           req.SenderID,
		RecipientID:        req.RecipientID,
		RoomID:             req.RoomID,
		KeyID:              req.KeyID,
		Algorithm:          req.Algorithm,
		Ciphertext:         env.ciphertext,
		IV:                 env.iv,
		Tag:                env.tag,
		Signature:          env.signature,
		ContentType:        req.ContentType,
		MessageSize:        int64(len(env.ciphertext)),
		IsSigned:           len(env.signature) > 0,
		VerificationStatus: models.VerificationUnverified,
		SelfDestructTimer:  req.SelfDestructTimer,
		ClientTimestamp:    req.ClientTimestamp.UTC(),
		CreatedAt:          now,
	}

	if msg.IsSigned {
		if err := s.verifySignature(ctx, msg); err != nil {
			return nil, err
		}
	}

	err = s.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
		if err := s.repo(uow.Tx).Create(ctx, msg); err != nil {
			return common.Infra("create message", err)
		}
		if msg.VerificationStatus == models.VerificationFailed {
			rec := s.auditRecord(ctx, audit.EventSignatureFailed)
			rec.UserID, rec.MessageID, rec.KeyID = msg.SenderID, msg.ID, msg.KeyID
			rec.Detail = "stored with verification status FAILED"
			s.Publisher.Audit(uow, rec, s.Pools.E2EE)
		}

		e := events.Event{
			Name: models.EventEncryptedMessageSend,
			Payload: models.MessageSendNotice{
				MessageID:            msg.ID,
				ConversationID:       msg.ConversationID,
				SenderID:             msg.SenderID,
				RecipientID:          msg.RecipientID,
				RoomID:               msg.RoomID,
				KeyID:                msg.KeyID,
				Algorithm:            msg.Algorithm,
				ContentType:          msg.ContentType,
				MessageSize:          msg.MessageSize,
				VerificationStatus:   string(msg.VerificationStatus),
				CreatedAtEpochMillis: msg.CreatedAt.UnixMilli(),
				TenantID:             msg.TenantID,
			},
			TenantID:     msg.TenantID,
			PartitionKey: msg.ConversationID,
		}
		if msg.RoomID != "" {
			e.RoomID, e.ExcludeUserID = msg.RoomID, msg.SenderID
		} else {
			e.Recipients = []string{msg.RecipientID}
		}
		s.Publisher.PreCommit(uow, e)
		return nil
	})
	if err != nil {
		if errors.Is(err, common.ErrReplayDetected) {
			s.rejectReplay(ctx, req, err)
		}
		return nil, err
	}

	s.log.Debug(ctx, "message stored", "message_id", msg.ID, "conversation_id", msg.ConversationID, "size", msg.MessageSize)
	return msg, nil
}

func (s *MessageStore) rejectReplay(ctx context.Context, req SaveMessageRequest, cause error) {
	s.audit.Warn(ctx, "replay rejected", "user_id", req.SenderID, "key_id", req.KeyID, "error", cause)
	rec := s.auditRecord(ctx, audit.EventReplayRejected)
	rec.UserID, rec.KeyID, rec.Detail = req.SenderID, req.KeyID, cause.Error()
	s.Publisher.RecordAudit(ctx, rec)
}

// verifySignature sets msg.VerificationStatus from the sender's active
// signing keys. Under the reject policy a failed check is an error.
func (s *MessageStore) verifySignature(ctx context.Context, msg *models.EncryptedMessage) error {
	var signer *models.PublicKey
	err := s.Pools.Signature.Do(ctx, func(ctx context.Context) error {
		keys, err := s.registry.ListActiveKeys(ctx, msg.SenderID)
		if err != nil {
			return err
		}
		payload := msg.SignedPayload()
		for _, k := range keys {
			if cryptox.CanSign(k.Algorithm) && cryptox.VerifySignature(payload, msg.Signature, k.EncodedKey, k.Algorithm) {
				signer = k
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	if signer != nil {
		msg.VerificationStatus = models.VerificationVerified
		s.registry.TouchKey(ctx, signer.UserID, signer.KeyID)
		return nil
	}

	msg.VerificationStatus = models.VerificationFailed
	s.audit.Warn(ctx, "signature verification failed", "user_id", msg.SenderID, "key_id", msg.KeyID, "policy", s.Config.SignaturePolicy)
	if s.Config.SignaturePolicy == config.SignaturePolicyReject {
		rec := s.auditRecord(ctx, audit.EventSignatureFailed)
		rec.UserID, rec.KeyID, rec.Detail = msg.SenderID, msg.KeyID, "message rejected"
		s.Publisher.RecordAudit(ctx, rec)
		return common.ErrSignatureInvalid
	}
	return nil
}

// GetMessagesByConversation lists message metadata newest first. cursor is
// the NextCursor of a previous page; limit is clamped to [1, MaxPageSize].
func (s *MessageStore) GetMessagesByConversation(ctx context.Context, conversationID, cursor string, limit int) (*models.MessagePage, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id is required: %w", common.ErrInvalidPayload)
	}
	if cursor != "" {
		if _, err := uuid.Parse(cursor); err != nil {
			return nil, fmt.Errorf("cursor: %w", common.ErrInvalidPayload)
		}
	}
	switch {
	case limit <= 0:
		limit = DefaultPageSize
	case limit > MaxPageSize:
		limit = MaxPageSize
	}

	rows, err := s.repo(s.DB).ListByConversation(ctx, conversationID, cursor, limit+1)
	if err != nil {
		return nil, common.Infra("list messages", err)
	}

	page := &models.MessagePage{HasMore: len(rows) > limit}
	if page.HasMore {
		rows = rows[:limit]
		page.NextCursor = rows[len(rows)-1].ID
	}

	now := s.now()
	page.Items = make([]models.MessageMetadata, 0, len(rows))
	for _, m := range rows {
		if m.DestructAt != nil && !m.DestructAt.After(now) {
			continue
		}
		page.Items = append(page.Items, m)
	}
	return page, nil
}

// GetMessage returns the full envelope. Direct messages are only visible to
// their sender and recipient.
func (s *MessageStore) GetMessage(ctx context.Context, messageID, userID string) (*models.EncryptedMessage, error) {
	msg, err := s.repo(s.DB).Get(ctx, messageID)
	if err != nil {
		return nil, common.Infra("get message", err)
	}
	if msg.RoomID == "" && userID != msg.SenderID && userID != msg.RecipientID {
		return nil, common.ErrorUnauthorized
	}
	if msg.DueForDestructionAt(s.now()) {
		return nil, common.ErrMessageDestroyed
	}
	return msg, nil
}

// MarkMessageAsRead records the first read by the recipient and starts the
// self-destruct countdown. Repeated calls return the message unchanged and
// publish nothing. readAtMillis <= 0 means now; future values are clamped.
func (s *MessageStore) MarkMessageAsRead(ctx context.Context, messageID string, readAtMillis int64, userID string) (*models.EncryptedMessage, error) {
	var msg *models.EncryptedMessage
	err := s.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
		repo := s.repo(uow.Tx)
		now := s.now()

		var err error
		if msg, err = repo.Get(ctx, messageID); err != nil {
			return common.Infra("get message", err)
		}
		if msg.RoomID != "" || msg.RecipientID != userID {
			return common.ErrorUnauthorized
		}
		if msg.DueForDestructionAt(now) {
			return common.ErrMessageDestroyed
		}
		if msg.ReadAt != nil {
			return nil
		}

		readAt := now
		if readAtMillis > 0 {
			if t := time.UnixMilli(readAtMillis).UTC(); t.Before(now) {
				readAt = t
			}
		}
		var destructAt *time.Time
		if msg.SelfDestructTimer > 0 {
			t := readAt.Add(msg.SelfDestructTimer)
			destructAt = &t
		}

		changed, err := repo.MarkRead(ctx, msg.ID, readAt, destructAt)
		if err != nil {
			return common.Infra("mark read", err)
		}
		if !changed {
			msg, err = repo.Get(ctx, messageID)
			return common.Infra("get message", err)
		}
		msg.ReadAt, msg.DestructAt = &readAt, destructAt

		s.Publisher.PostCommit(uow, events.Event{
			Name: models.EventMessageRead,
			Payload: models.MessageReadNotice{
				MessageID:         msg.ID,
				ConversationID:    msg.ConversationID,
				SenderID:          msg.SenderID,
				ReaderID:          userID,
				ReadAtEpochMillis: readAt.UnixMilli(),
				TenantID:          tenantOr(msg.TenantID, s.tenant(ctx)),
			},
			TenantID:     msg.TenantID,
			PartitionKey: msg.ConversationID,
			Recipients:   []string{msg.SenderID},
		}, s.Pools.E2EE)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// CleanupSelfDestructMessages deletes messages whose countdown has ended,
// in batches, and announces each deletion once its batch commits.
func (s *MessageStore) CleanupSelfDestructMessages(ctx context.Context) (int, error) {
	batch := s.batchSize()
	total := 0
	for {
		var n int
		err := s.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
			now := s.now()
			deleted, err := s.repo(uow.Tx).DeleteDue(ctx, now, batch)
			if err != nil {
				return common.Infra("delete due messages", err)
			}
			n = len(deleted)
			for _, m := range deleted {
				s.Publisher.PostCommit(uow, s.destructEvent(ctx, m, now), s.Pools.Cleanup)
			}
			return nil
		})
		if err != nil {
			return total, err
		}
		total += n
		if n < batch || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.log.Info(ctx, "self-destructed messages removed", "count", total)
	}
	return total, nil
}

func (s *MessageStore) destructEvent(ctx context.Context, m models.MessageMetadata, now time.Time) events.Event {
	e := events.Event{
		Name: models.EventMessageDestructed,
		Payload: models.MessageDestructNotice{
			MessageID:               m.ID,
			ConversationID:          m.ConversationID,
			SenderID:                m.SenderID,
			RecipientID:             m.RecipientID,
			RoomID:                  m.RoomID,
			DestructedAtEpochMillis: now.UnixMilli(),
			TenantID:                tenantOr(m.TenantID, s.tenant(ctx)),
		},
		TenantID:     m.TenantID,
		PartitionKey: m.ConversationID,
		Recipients:   []string{m.SenderID},
	}
	if m.RoomID != "" {
		e.RoomID, e.ExcludeUserID = m.RoomID, m.SenderID
	} else {
		e.Recipients = append(e.Recipients, m.RecipientID)
	}
	return e
}

// CleanupExpiredMessages deletes messages older than the retention period.
func (s *MessageStore) CleanupExpiredMessages(ctx context.Context) (int64, error) {
	if s.Config.MessageRetention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-s.Config.MessageRetention)
	batch := s.batchSize()
	repo := s.repo(s.DB)

	var total int64
	for {
		n, err := repo.DeleteOlderThan(ctx, cutoff, batch)
		if err != nil {
			return total, common.Infra("delete expired messages", err)
		}
		total += n
		if n < int64(batch) || ctx.Err() != nil {
			break
		}
	}
	if total > 0 {
		s.log.Info(ctx, "expired messages removed", "count", total)
	}
	return total, nil
}
