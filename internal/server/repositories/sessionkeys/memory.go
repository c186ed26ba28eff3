package sessionkeys

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

type MemoryRepository struct {
	mu       sync.RWMutex
	packages []*models.SessionKeyPackage
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

func (r *MemoryRepository) Create(_ context.Context, p *models.SessionKeyPackage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *p
	r.packages = append(r.packages, &c)
	return nil
}

func (r *MemoryRepository) GetLatest(ctx context.Context, sessionID, recipientID string, now time.Time) (*models.SessionKeyPackage, error) {
	list, _ := r.ListActive(ctx, sessionID, now)
	for _, p := range list {
		if p.RecipientID == recipientID {
			return p, nil
		}
	}
	return nil, common.ErrorNotFound
}

func (r *MemoryRepository) ListActive(_ context.Context, sessionID string, now time.Time) ([]*models.SessionKeyPackage, error) {
	r.mu.RLock()
	var out []*models.SessionKeyPackage
	for _, p := range r.packages {
		if p.SessionID == sessionID && !p.ExpiredAt(now) {
			c := *p
			out = append(out, &c)
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *MemoryRepository) ExpireSession(_ context.Context, sessionID string, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, p := range r.packages {
		if p.SessionID == sessionID && !p.ExpiredAt(now) {
			p.ExpiresAt = now
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) ListDue(_ context.Context, issuedBefore, now time.Time, limit int) ([]models.SessionSummary, error) {
	r.mu.RLock()
	sessions := make(map[string]*models.SessionSummary)
	for _, p := range r.packages {
		if p.ExpiredAt(now) || strings.HasPrefix(p.SessionID, RotationSessionPrefix) {
			continue
		}
		s, ok := sessions[p.SessionID]
		if !ok {
			s = &models.SessionSummary{TenantID: p.TenantID, SessionID: p.SessionID, SenderID: p.SenderID}
			sessions[p.SessionID] = s
		}
		if p.CreatedAt.After(s.LastIssuedAt) {
			s.LastIssuedAt = p.CreatedAt
		}
		s.ForwardSecret = s.ForwardSecret || p.ForwardSecret
	}
	r.mu.RUnlock()

	var out []models.SessionSummary
	for _, s := range sessions {
		if s.LastIssuedAt.Before(issuedBefore) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastIssuedAt.Before(out[j].LastIssuedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
