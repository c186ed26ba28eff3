package publickeys

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

// MemoryRepository is a process-local Repository for the memory backend
// and tests.
type MemoryRepository struct {
	mu   sync.RWMutex
	keys map[string]*models.PublicKey
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{keys: make(map[string]*models.PublicKey)}
}

func memKey(userID, keyID string) string { return userID + "\x00" + keyID }

func clone(k *models.PublicKey) *models.PublicKey {
	c := *k
	c.EncodedKey = append([]byte(nil), k.EncodedKey...)
	return &c
}

func (r *MemoryRepository) Create(_ context.Context, key *models.PublicKey) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := memKey(key.UserID, key.KeyID)
	if _, ok := r.keys[id]; ok {
		return false, nil
	}
	r.keys[id] = clone(key)
	return true, nil
}

func (r *MemoryRepository) Get(_ context.Context, userID, keyID string) (*models.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[memKey(userID, keyID)]
	if !ok {
		return nil, common.ErrorNotFound
	}
	return clone(k), nil
}

func (r *MemoryRepository) ListActive(_ context.Context, userID string, now time.Time) ([]*models.PublicKey, error) {
	return r.filter(func(k *models.PublicKey) bool {
		return k.UserID == userID && k.UsableAt(now)
	}, true, 0), nil
}

func (r *MemoryRepository) ListCreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]*models.PublicKey, error) {
	return r.filter(func(k *models.PublicKey) bool {
		return k.Status == models.KeyActive && k.CreatedAt.Before(cutoff)
	}, false, limit), nil
}

func (r *MemoryRepository) UpdateStatus(_ context.Context, userID, keyID string, from, to models.KeyStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[memKey(userID, keyID)]
	if !ok || k.Status != from {
		return false, nil
	}
	k.Status = to
	return true, nil
}

func (r *MemoryRepository) DisableOthers(_ context.Context, userID, keepKeyID string, algorithms []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for _, k := range r.keys {
		if k.UserID == userID && k.KeyID != keepKeyID && k.Status == models.KeyActive && slices.Contains(algorithms, k.Algorithm) {
			k.Status = models.KeyDisabled
			ids = append(ids, k.KeyID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (r *MemoryRepository) ExpireBefore(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, k := range r.keys {
		if k.Status == models.KeyActive && k.ExpiredAt(now) {
			k.Status = models.KeyExpired
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) Touch(_ context.Context, userID, keyID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if k, ok := r.keys[memKey(userID, keyID)]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

func (r *MemoryRepository) filter(keep func(*models.PublicKey) bool, newestFirst bool, limit int) []*models.PublicKey {
	r.mu.RLock()
	var out []*models.PublicKey
	for _, k := range r.keys {
		if keep(k) {
			out = append(out, clone(k))
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
