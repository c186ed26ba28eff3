// Package messages persists encrypted message envelopes.
package messages

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

const metadataColumns = `id, conversation_id, sender_id, recipient_id, room_id, key_id, algorithm,
	content_type, message_size, is_signed, verification_status, self_destruct_ms, read_at, destruct_at, created_at, tenant_id`

const messageColumns = metadataColumns + `, ciphertext, iv, tag, signature, client_timestamp`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, m *models.EncryptedMessage) error {
	query := `
		INSERT INTO encrypted_messages (id, conversation_id, sender_id, recipient_id, room_id, key_id, algorithm,
			ciphertext, iv, tag, signature, content_type, message_size, is_signed, verification_status,
			self_destruct_ms, client_timestamp, created_at, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
	`
	_, err := r.db.ExecContext(ctx, query,
		m.ID, m.ConversationID, m.SenderID, nullString(m.RecipientID), nullString(m.RoomID), m.KeyID, m.Algorithm,
		m.Ciphertext, m.IV, m.Tag, m.Signature, m.ContentType, m.MessageSize, m.IsSigned,
		string(m.VerificationStatus), nullDuration(m.SelfDestructTimer), m.ClientTimestamp, m.CreatedAt, m.TenantID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return common.ErrReplayDetected
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Get(ctx context.Context, id string) (*models.EncryptedMessage, error) {
	query := `SELECT ` + messageColumns + ` FROM encrypted_messages WHERE id = $1`

	var m models.EncryptedMessage
	md, err := scanMetadata(r.db.QueryRowContext(ctx, query, id), &m.Ciphertext, &m.IV, &m.Tag, &m.Signature, &m.ClientTimestamp)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	fromMetadata(&m, md)
	return &m, nil
}

func (r *PostgresRepository) ListByConversation(ctx context.Context, conversationID, beforeID string, limit int) ([]models.MessageMetadata, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if beforeID == "" {
		query := `SELECT ` + metadataColumns + ` FROM encrypted_messages
			WHERE conversation_id = $1
			ORDER BY id DESC
			LIMIT $2`
		rows, err = r.db.QueryContext(ctx, query, conversationID, limit)
	} else {
		query := `SELECT ` + metadataColumns + ` FROM encrypted_messages
			WHERE conversation_id = $1 AND id < $2
			ORDER BY id DESC
			LIMIT $3`
		rows, err = r.db.QueryContext(ctx, query, conversationID, beforeID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select messages: %w", err)
	}
	return collect(rows)
}

func (r *PostgresRepository) MarkRead(ctx context.Context, id string, readAt time.Time, destructAt *time.Time) (bool, error) {
	query := `UPDATE encrypted_messages SET read_at = $1, destruct_at = $2
		WHERE id = $3 AND read_at IS NULL`

	var destruct sql.NullTime
	if destructAt != nil {
		destruct = sql.NullTime{Time: *destructAt, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, query, readAt, destruct, id)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) DeleteDue(ctx context.Context, now time.Time, limit int) ([]models.MessageMetadata, error) {
	query := `DELETE FROM encrypted_messages
		WHERE id IN (
			SELECT id FROM encrypted_messages
			WHERE destruct_at IS NOT NULL AND destruct_at <= $1
			ORDER BY destruct_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + metadataColumns

	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return collect(rows)
}

func (r *PostgresRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	query := `DELETE FROM encrypted_messages
		WHERE id IN (
			SELECT id FROM encrypted_messages
			WHERE created_at < $1
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)`

	res, err := r.db.ExecContext(ctx, query, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func collect(rows *sql.Rows) ([]models.MessageMetadata, error) {
	defer rows.Close()

	var result []models.MessageMetadata
	for rows.Next() {
		md, err := scanMetadata(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, md)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(s scanner, extra ...any) (models.MessageMetadata, error) {
	var (
		md           models.MessageMetadata
		recipient    sql.NullString
		room         sql.NullString
		status       string
		selfDestruct sql.NullInt64
		readAt       sql.NullTime
		destructAt   sql.NullTime
	)
	dest := append([]any{&md.ID, &md.ConversationID, &md.SenderID, &recipient, &room, &md.KeyID, &md.Algorithm,
		&md.ContentType, &md.MessageSize, &md.IsSigned, &status, &selfDestruct, &readAt, &destructAt, &md.CreatedAt, &md.TenantID},
		extra...)
	if err := s.Scan(dest...); err != nil {
		return md, err
	}
	md.RecipientID = recipient.String
	md.RoomID = room.String
	md.VerificationStatus = models.VerificationStatus(status)
	if selfDestruct.Valid {
		md.SelfDestructTimer = time.Duration(selfDestruct.Int64) * time.Millisecond
	}
	if readAt.Valid {
		md.ReadAt = &readAt.Time
	}
	if destructAt.Valid {
		md.DestructAt = &destructAt.Time
	}
	return md, nil
}

func fromMetadata(m *models.EncryptedMessage, md models.MessageMetadata) {
	m.ID = md.ID
	m.TenantID = md.TenantID
	m.ConversationID = md.ConversationID
	m.SenderID = md.SenderID
	m.RecipientID = md.RecipientID
	m.RoomID = md.RoomID
	m.KeyID = md.KeyID
	m.Algorithm = md.Algorithm
	m.ContentType = md.ContentType
	m.MessageSize = md.MessageSize
	m.IsSigned = md.IsSigned
	m.VerificationStatus = md.VerificationStatus
	m.SelfDestructTimer = md.SelfDestructTimer
	m.ReadAt = md.ReadAt
	m.DestructAt = md.DestructAt
	m.CreatedAt = md.CreatedAt
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullDuration(d time.Duration) sql.NullInt64 {
	if d <= 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: d.Milliseconds(), Valid: true}
}
