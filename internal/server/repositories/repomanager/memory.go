package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/messages"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/publickeys"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/sessionkeys"
)

// MemoryRepositoryManager shares one set of process-local repositories and
// ignores the DBTX it is given. Pair it with dbx.NopTransactor.
type MemoryRepositoryManager struct {
	publicKeys  *publickeys.MemoryRepository
	sessionKeys *sessionkeys.MemoryRepository
	messages    *messages.MemoryRepository
}

func NewMemoryRepositoryManager() *MemoryRepositoryManager {
	return &MemoryRepositoryManager{
		publicKeys:  publickeys.NewMemoryRepository(),
		sessionKeys: sessionkeys.NewMemoryRepository(),
		messages:    messages.NewMemoryRepository(),
	}
}

func (m *MemoryRepositoryManager) RunMigrations(context.Context, *sql.DB) error {
	return nil
}

func (m *MemoryRepositoryManager) PublicKeys(dbx.DBTX) publickeys.Repository {
	return m.publicKeys
}

func (m *MemoryRepositoryManager) SessionKeys(dbx.DBTX) sessionkeys.Repository {
	return m.sessionKeys
}

func (m *MemoryRepositoryManager) Messages(dbx.DBTX) messages.Repository {
	return m.messages
}
