package repomanager

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/messages"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/publickeys"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/sessionkeys"
	"github.com/pressly/goose/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	return db, mock
}

func TestFactories_ReturnConcreteRepos(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	m := NewPostgresRepositoryManager()

	assert.IsType(t, &publickeys.PostgresRepository{}, m.PublicKeys(db))
	assert.IsType(t, &sessionkeys.PostgresRepository{}, m.SessionKeys(db))
	assert.IsType(t, &messages.PostgresRepository{}, m.Messages(db))
}

func TestRunMigrations_Success(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		if dir != "." {
			return errors.New("unexpected dir")
		}
		if len(opts) != 0 {
			return errors.New("unexpected opts")
		}
		return nil
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{}
	require.NoError(t, m.RunMigrations(context.Background(), db))
}

func TestRunMigrations_Error(t *testing.T) {
	db, _ := newDB(t)
	defer db.Close()

	orig := gooseUpContext
	gooseUpContext = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return errors.New("boom")
	}
	defer func() { gooseUpContext = orig }()

	m := &PostgresRepositoryManager{}
	err := m.RunMigrations(context.Background(), db)
	require.Error(t, err)
	assert.Equal(t, "boom", err.Error())
}

func TestMemoryManager_SharesRepositories(t *testing.T) {
	m := NewMemoryRepositoryManager()
	require.NoError(t, m.RunMigrations(context.Background(), nil))

	assert.Same(t, m.PublicKeys(nil), m.PublicKeys(nil))
	assert.Same(t, m.SessionKeys(nil), m.SessionKeys(nil))
	assert.Same(t, m.Messages(nil), m.Messages(nil))

	var _ RepositoryManager = m
}
