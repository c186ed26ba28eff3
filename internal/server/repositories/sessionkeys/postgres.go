// Package sessionkeys stores wrapped session key packages.
package sessionkeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

// RotationSessionPrefix marks packages that carry a rotated key's data key.
const RotationSessionPrefix = "rotation:"

const packageColumns = `id, session_id, key_id, sender_id, recipient_id, wrapped_key, algorithm,
	ephemeral_public_key, kdf_algorithm, forward_secret, created_at, expires_at, tenant_id`

// live matches packages that have not expired at the given parameter.
func live(param string) string {
	return `(expires_at IS NULL OR expires_at > ` + param + `)`
}

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, p *models.SessionKeyPackage) error {
	query := `
		INSERT INTO session_key_packages (id, session_id, key_id, sender_id, recipient_id, wrapped_key,
			algorithm, ephemeral_public_key, kdf_algorithm, forward_secret, created_at, expires_at, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := r.db.ExecContext(ctx, query,
		p.ID, p.SessionID, p.KeyID, p.SenderID, p.RecipientID, p.WrappedKey, p.Algorithm,
		p.EphemeralPublicKey, nullString(p.KDFAlgorithm), p.ForwardSecret, p.CreatedAt, nullTime(p.ExpiresAt), p.TenantID)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetLatest(ctx context.Context, sessionID, recipientID string, now time.Time) (*models.SessionKeyPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM session_key_packages
		WHERE session_id = $1 AND recipient_id = $2 AND ` + live("$3") + `
		ORDER BY created_at DESC
		LIMIT 1`

	p, err := scanPackage(r.db.QueryRowContext(ctx, query, sessionID, recipientID, now))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return p, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, sessionID string, now time.Time) ([]*models.SessionKeyPackage, error) {
	query := `SELECT ` + packageColumns + ` FROM session_key_packages
		WHERE session_id = $1 AND ` + live("$2") + `
		ORDER BY created_at DESC`

	rows, err := r.db.QueryContext(ctx, query, sessionID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to select packages: %w", err)
	}
	defer rows.Close()

	var result []*models.SessionKeyPackage
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PostgresRepository) ExpireSession(ctx context.Context, sessionID string, now time.Time) (int64, error) {
	query := `UPDATE session_key_packages SET expires_at = $1
		WHERE session_id = $2 AND ` + live("$1")

	res, err := r.db.ExecContext(ctx, query, now, sessionID)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) ListDue(ctx context.Context, issuedBefore, now time.Time, limit int) ([]models.SessionSummary, error) {
	query := `SELECT session_id, MIN(tenant_id), MIN(sender_id), MAX(created_at), BOOL_OR(forward_secret)
		FROM session_key_packages
		WHERE ` + live("$1") + ` AND session_id NOT LIKE 'rotation:%'
		GROUP BY session_id
		HAVING MAX(created_at) < $2
		ORDER BY MAX(created_at)
		LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, now, issuedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to select due sessions: %w", err)
	}
	defer rows.Close()

	var result []models.SessionSummary
	for rows.Next() {
		var s models.SessionSummary
		if err := rows.Scan(&s.SessionID, &s.TenantID, &s.SenderID, &s.LastIssuedAt, &s.ForwardSecret); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(s scanner) (*models.SessionKeyPackage, error) {
	var (
		p       models.SessionKeyPackage
		kdf     sql.NullString
		expires sql.NullTime
	)
	if err := s.Scan(&p.ID, &p.SessionID, &p.KeyID, &p.SenderID, &p.RecipientID, &p.WrappedKey, &p.Algorithm,
		&p.EphemeralPublicKey, &kdf, &p.ForwardSecret, &p.CreatedAt, &expires, &p.TenantID); err != nil {
		return nil, err
	}
	p.KDFAlgorithm = kdf.String
	if expires.Valid {
		p.ExpiresAt = expires.Time
	}
	return &p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
