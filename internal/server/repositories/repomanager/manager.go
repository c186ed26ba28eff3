package repomanager

import (
	"context"
	"database/sql"

	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/messages"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/publickeys"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/sessionkeys"
)

// RepositoryManager hands out repositories bound to a DBTX, so services can
// run them inside the transaction of a unit of work.
type RepositoryManager interface {
	RunMigrations(context.Context, *sql.DB) error
	PublicKeys(db dbx.DBTX) publickeys.Repository
	SessionKeys(db dbx.DBTX) sessionkeys.Repository
	Messages(db dbx.DBTX) messages.Repository
}
