// Package services contains the server-side business logic of the messaging
// engine: the public key registry, session key distribution, the encrypted
// message store and key rotation.
package services

import (
	"context"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/config"
	"github.com/dmitrijs2005/securemsg/internal/server/events"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/securemsg/internal/server/workers"
	"github.com/google/uuid"
)

// Deps carries the singletons every service is built from.
//
// DB is the handle used for reads outside a unit of work; Tx runs units of
// work. With the memory backend DB is nil and Tx is a dbx.NopTransactor.
type Deps struct {
	DB        dbx.DBTX
	Tx        dbx.Transactor
	Repos     repomanager.RepositoryManager
	Publisher *events.Publisher
	Pools     *workers.Pools
	Config    *config.Config
	Log       logging.Logger
	Now       func() time.Time
}

func (d Deps) now() time.Time {
	if d.Now != nil {
		return d.Now().UTC()
	}
	return time.Now().UTC()
}

func (d Deps) batchSize() int {
	if d.Config.CleanupBatchSize > 0 {
		return d.Config.CleanupBatchSize
	}
	return 500
}

func (d Deps) tenant(ctx context.Context) string {
	return common.TenantFromContext(ctx, d.Config.DefaultTenantID)
}

// tenantOr returns the stored tenant of a row, or fallback for rows
// written without one.
func tenantOr(stored, fallback string) string {
	if stored != "" {
		return stored
	}
	return fallback
}

func (d Deps) auditRecord(ctx context.Context, event string) models.AuditRecord {
	return models.AuditRecord{
		ID:                   uuid.NewString(),
		Event:                event,
		OccurredAtEpochMilli: d.now().UnixMilli(),
		TenantID:             d.tenant(ctx),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
