package sessionkeys

import (
	"context"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, pkg *models.SessionKeyPackage) error
	// GetLatest returns the newest package for the recipient that has not
	// expired at now.
	GetLatest(ctx context.Context, sessionID, recipientID string, now time.Time) (*models.SessionKeyPackage, error)
	ListActive(ctx context.Context, sessionID string, now time.Time) ([]*models.SessionKeyPackage, error)
	// ExpireSession ends every live package of the session at now.
	ExpireSession(ctx context.Context, sessionID string, now time.Time) (int64, error)
	// ListDue returns live sessions whose newest package was issued before
	// issuedBefore. Rotation data-key sessions are excluded.
	ListDue(ctx context.Context, issuedBefore, now time.Time, limit int) ([]models.SessionSummary, error)
}
