package messages

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

type MemoryRepository struct {
	mu   sync.RWMutex
	byID map[string]*models.EncryptedMessage
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{byID: make(map[string]*models.EncryptedMessage)}
}

func (r *MemoryRepository) Create(_ context.Context, m *models.EncryptedMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.byID {
		if existing.KeyID == m.KeyID && len(m.IV) > 0 && bytes.Equal(existing.IV, m.IV) {
			return common.ErrReplayDetected
		}
	}
	c := *m
	r.byID[m.ID] = &c
	return nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (*models.EncryptedMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := *m
	return &c, nil
}

func (r *MemoryRepository) ListByConversation(_ context.Context, conversationID, beforeID string, limit int) ([]models.MessageMetadata, error) {
	r.mu.RLock()
	var out []models.MessageMetadata
	for _, m := range r.byID {
		if m.ConversationID == conversationID && (beforeID == "" || m.ID < beforeID) {
			out = append(out, m.Metadata())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) MarkRead(_ context.Context, id string, readAt time.Time, destructAt *time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[id]
	if !ok || m.ReadAt != nil {
		return false, nil
	}
	m.ReadAt = &readAt
	m.DestructAt = destructAt
	return true, nil
}

func (r *MemoryRepository) DeleteDue(_ context.Context, now time.Time, limit int) ([]models.MessageMetadata, error) {
	return r.deleteWhere(func(m *models.EncryptedMessage) bool { return m.DueForDestructionAt(now) }, limit), nil
}

func (r *MemoryRepository) DeleteOlderThan(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	deleted := r.deleteWhere(func(m *models.EncryptedMessage) bool { return m.CreatedAt.Before(cutoff) }, limit)
	return int64(len(deleted)), nil
}

func (r *MemoryRepository) deleteWhere(match func(*models.EncryptedMessage) bool, limit int) []models.MessageMetadata {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.MessageMetadata
	for id, m := range r.byID {
		if limit > 0 && len(out) >= limit {
			break
		}
		if match(m) {
			out = append(out, m.Metadata())
			delete(r.byID, id)
		}
	}
	return out
}
