// Package repomanager provides RepositoryManager implementations for
// PostgreSQL and for the in-memory backend.
package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/server/migrations"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/messages"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/publickeys"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/sessionkeys"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// PostgresRepositoryManager vends PostgreSQL-backed repository implementations
// and exposes a schema migration hook.
type PostgresRepositoryManager struct{}

// PublicKeys returns a publickeys.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) PublicKeys(db dbx.DBTX) publickeys.Repository {
	return publickeys.NewPostgresRepository(db)
}

// SessionKeys returns a sessionkeys.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) SessionKeys(db dbx.DBTX) sessionkeys.Repository {
	return sessionkeys.NewPostgresRepository(db)
}

// Messages returns a messages.Repository bound to the provided DBTX.
func (m *PostgresRepositoryManager) Messages(db dbx.DBTX) messages.Repository {
	return messages.NewPostgresRepository(db)
}

// gooseUpContext is a seam for testing goose.UpContext.
var gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
	return goose.UpContext(ctx, db, dir, opts...)
}

// RunMigrations sets up goose with the embedded migrations and runs them
// against the provided database connection.
func (m *PostgresRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return gooseUpContext(ctx, db, ".")
}

func NewPostgresRepositoryManager() RepositoryManager {
	return &PostgresRepositoryManager{}
}
