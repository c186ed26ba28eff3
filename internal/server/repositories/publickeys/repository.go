package publickeys

import (
	"context"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

// Repository stores registered public keys. Status changes are conditional
// on the current status so concurrent nodes cannot apply a transition twice.
type Repository interface {
	// Create inserts key and reports false when (user_id, key_id) exists.
	Create(ctx context.Context, key *models.PublicKey) (bool, error)
	Get(ctx context.Context, userID, keyID string) (*models.PublicKey, error)
	// ListActive returns ACTIVE keys not expired at now, newest first.
	ListActive(ctx context.Context, userID string, now time.Time) ([]*models.PublicKey, error)
	UpdateStatus(ctx context.Context, userID, keyID string, from, to models.KeyStatus) (bool, error)
	// DisableOthers disables the ACTIVE keys of userID whose algorithm is one
	// of algorithms, except keepKeyID, and returns the ids it changed.
	DisableOthers(ctx context.Context, userID, keepKeyID string, algorithms []string) ([]string, error)
	ExpireBefore(ctx context.Context, now time.Time) (int64, error)
	Touch(ctx context.Context, userID, keyID string, at time.Time) error
	// ListCreatedBefore returns ACTIVE keys issued before cutoff.
	ListCreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]*models.PublicKey, error)
}
