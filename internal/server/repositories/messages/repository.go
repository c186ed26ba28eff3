package messages

import (
	"context"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

type Repository interface {
	// Create stores m. A second message under the same (key_id, iv) yields
	// common.ErrReplayDetected.
	Create(ctx context.Context, m *models.EncryptedMessage) error
	Get(ctx context.Context, id string) (*models.EncryptedMessage, error)
	// ListByConversation returns up to limit rows with id below beforeID
	// (all rows when beforeID is empty), id descending.
	ListByConversation(ctx context.Context, conversationID, beforeID string, limit int) ([]models.MessageMetadata, error)
	// MarkRead sets read_at only while it is still NULL.
	MarkRead(ctx context.Context, id string, readAt time.Time, destructAt *time.Time) (bool, error)
	DeleteDue(ctx context.Context, now time.Time, limit int) ([]models.MessageMetadata, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
