// Package publickeys provides storage for users' registered public keys.
package publickeys

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

const keyColumns = `user_id, key_id, algorithm, encoded_key, fingerprint, status, created_at, expires_at, last_used_at, tenant_id`

// PostgresRepository implements Repository over a dbx.DBTX (*sql.DB or *sql.Tx).
type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Create(ctx context.Context, key *models.PublicKey) (bool, error) {
	query := `
		INSERT INTO public_keys (user_id, key_id, algorithm, encoded_key, fingerprint, status, created_at, expires_at, tenant_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id, key_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query,
		key.UserID, key.KeyID, key.Algorithm, key.EncodedKey, key.Fingerprint, string(key.Status),
		key.CreatedAt, nullTime(key.ExpiresAt), key.TenantID)
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) Get(ctx context.Context, userID, keyID string) (*models.PublicKey, error) {
	query := `SELECT ` + keyColumns + ` FROM public_keys
		WHERE user_id = $1 AND key_id = $2`

	key, err := scanKey(r.db.QueryRowContext(ctx, query, userID, keyID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return key, nil
}

func (r *PostgresRepository) ListActive(ctx context.Context, userID string, now time.Time) ([]*models.PublicKey, error) {
	query := `SELECT ` + keyColumns + ` FROM public_keys
		WHERE user_id = $1 AND status = 'ACTIVE' AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY created_at DESC`

	return r.list(ctx, query, userID, now)
}

func (r *PostgresRepository) ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.PublicKey, error) {
	query := `SELECT ` + keyColumns + ` FROM public_keys
		WHERE status = 'ACTIVE' AND created_at < $1
		ORDER BY created_at
		LIMIT $2`

	return r.list(ctx, query, cutoff, limit)
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, userID, keyID string, from, to models.KeyStatus) (bool, error) {
	query := `UPDATE public_keys SET status = $1
		WHERE user_id = $2 AND key_id = $3 AND status = $4`

	res, err := r.db.ExecContext(ctx, query, string(to), userID, keyID, string(from))
	if err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected error: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresRepository) DisableOthers(ctx context.Context, userID, keepKeyID string, algorithms []string) ([]string, error) {
	if len(algorithms) == 0 {
		return nil, nil
	}
	args := []any{userID, keepKeyID}
	marks := make([]string, len(algorithms))
	for i, alg := range algorithms {
		args = append(args, alg)
		marks[i] = "$" + strconv.Itoa(i+3)
	}
	query := `UPDATE public_keys SET status = 'DISABLED'
		WHERE user_id = $1 AND key_id <> $2 AND status = 'ACTIVE'
		AND algorithm IN (` + strings.Join(marks, ", ") + `)
		RETURNING key_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *PostgresRepository) ExpireBefore(ctx context.Context, now time.Time) (int64, error) {
	query := `UPDATE public_keys SET status = 'EXPIRED'
		WHERE status = 'ACTIVE' AND expires_at < $1`

	res, err := r.db.ExecContext(ctx, query, now)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Touch(ctx context.Context, userID, keyID string, at time.Time) error {
	query := `UPDATE public_keys SET last_used_at = $1
		WHERE user_id = $2 AND key_id = $3`

	if _, err := r.db.ExecContext(ctx, query, at, userID, keyID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) list(ctx context.Context, query string, args ...any) ([]*models.PublicKey, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select public keys: %w", err)
	}
	defer rows.Close()

	var result []*models.PublicKey
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKey(s scanner) (*models.PublicKey, error) {
	var (
		key      models.PublicKey
		status   string
		expires  sql.NullTime
		lastUsed sql.NullTime
	)
	if err := s.Scan(&key.UserID, &key.KeyID, &key.Algorithm, &key.EncodedKey, &key.Fingerprint,
		&status, &key.CreatedAt, &expires, &lastUsed, &key.TenantID); err != nil {
		return nil, err
	}
	key.Status = models.KeyStatus(status)
	if expires.Valid {
		key.ExpiresAt = &expires.Time
	}
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	return &key, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
