package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/cryptox"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/audit"
	"github.com/dmitrijs2005/securemsg/internal/server/cache"
	"github.com/dmitrijs2005/securemsg/internal/server/events"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/publickeys"
)

// UploadPublicKeyRequest is a client key registration. EncodedKey is the
// base64 transport form of the key.
type UploadPublicKeyRequest struct {
	UserID             string
	KeyID              string
	EncodedKey         string
	Algorithm          string
	ClaimedFingerprint string
	ExpiresAt          *time.Time
	// SupersedePrevious disables, in the same unit of work, the user's other
	// ACTIVE keys that share a capability (wrap or sign) with the new key.
	SupersedePrevious bool
}

// KeyRegistry stores users' public keys and serves them through a TTL cache.
type KeyRegistry struct {
	Deps
	cache *cache.Cache[*models.PublicKey]
	log   logging.Logger
	audit logging.Logger
}

func NewKeyRegistry(d Deps, c *cache.Cache[*models.PublicKey]) *KeyRegistry {
	l := d.Log.With("module", "keyregistry")
	return &KeyRegistry{
		Deps:  d,
		cache: c,
		log:   l,
		audit: logging.Audit(l),
	}
}

// cacheKey mirrors the storage identity (user_id, key_id).
func cacheKey(userID, keyID string) string {
	return userID + "/" + keyID
}

func (r *KeyRegistry) repo(db dbx.DBTX) publickeys.Repository {
	return r.Repos.PublicKeys(db)
}

// UploadPublicKey validates and registers a key. The stored fingerprint is
// always the one computed here; the claim is only compared against it.
func (r *KeyRegistry) UploadPublicKey(ctx context.Context, req UploadPublicKeyRequest) (*models.PublicKey, error) {
	if req.UserID == "" || req.KeyID == "" {
		return nil, fmt.Errorf("user id and key id are required: %w", common.ErrInvalidKey)
	}
	if !cryptox.SupportedKeyAlgorithm(req.Algorithm) {
		return nil, fmt.Errorf("key algorithm %q: %w", req.Algorithm, common.ErrUnsupportedAlgorithm)
	}
	raw, err := cryptox.DecodeBase64(req.EncodedKey)
	if err != nil || len(raw) == 0 {
		return nil, fmt.Errorf("public key encoding: %w", common.ErrInvalidKey)
	}
	if err := cryptox.ParsePublicKey(req.Algorithm, raw); err != nil {
		return nil, err
	}

	fingerprint := cryptox.Fingerprint(raw)
	if !cryptox.ConstantTimeEqualsString(fingerprint, cryptox.NormalizeFingerprint(req.ClaimedFingerprint)) {
		r.audit.Warn(ctx, "fingerprint mismatch on upload", "user_id", req.UserID, "key_id", req.KeyID)
		return nil, common.ErrFingerprintMismatch
	}

	now := r.now()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, fmt.Errorf("expiry must be in the future: %w", common.ErrInvalidKey)
	}

	key := &models.PublicKey{
		TenantID:    r.tenant(ctx),
		UserID:      req.UserID,
		KeyID:       req.KeyID,
		Algorithm:   req.Algorithm,
		EncodedKey:  raw,
		Fingerprint: fingerprint,
		Status:      models.KeyActive,
		CreatedAt:   now,
		ExpiresAt:   req.ExpiresAt,
	}

	err = r.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
		if err := r.RegisterInTx(ctx, uow, key); err != nil {
			return err
		}
		if req.SupersedePrevious {
			disabled, err := r.repo(uow.Tx).DisableOthers(ctx, req.UserID, req.KeyID, cryptox.SharedCapability(key.Algorithm))
			if err != nil {
				return common.Infra("disable previous keys", err)
			}
			r.invalidateAfterCommit(uow, req.UserID, disabled...)
		}
		rec := r.auditRecord(ctx, audit.EventKeyUploaded)
		rec.UserID, rec.KeyID, rec.Algorithm = key.UserID, key.KeyID, key.Algorithm
		r.Publisher.Audit(uow, rec, r.Pools.E2EE)
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.log.Info(ctx, "public key registered", "user_id", key.UserID, "key_id", key.KeyID, "algorithm", key.Algorithm)
	return key, nil
}

// RegisterInTx inserts an already validated ACTIVE key within uow and
// publishes PublicKeyUploaded once it commits.
func (r *KeyRegistry) RegisterInTx(ctx context.Context, uow *dbx.UnitOfWork, key *models.PublicKey) error {
	created, err := r.repo(uow.Tx).Create(ctx, key)
	if err != nil {
		return common.Infra("create public key", err)
	}
	if !created {
		return fmt.Errorf("key %s/%s: %w", key.UserID, key.KeyID, common.ErrDuplicateKeyID)
	}
	r.Publisher.PostCommit(uow, events.Event{
		Name: models.EventPublicKeyUploaded,
		Payload: models.PublicKeyUploadedNotice{
			UserID:      key.UserID,
			KeyID:       key.KeyID,
			Algorithm:   key.Algorithm,
			Fingerprint: key.Fingerprint,
			TenantID:    key.TenantID,
		},
		TenantID:     key.TenantID,
		PartitionKey: key.UserID,
		Recipients:   []string{key.UserID},
	}, r.Pools.E2EE)
	return nil
}

// GetPublicKey returns a key by id. Expiry is checked on every read,
// including cache hits; disabled keys are still returned.
func (r *KeyRegistry) GetPublicKey(ctx context.Context, userID, keyID string) (*models.PublicKey, error) {
	now := r.now()
	ck := cacheKey(userID, keyID)

	key, ok := r.cache.Get(ck)
	if !ok {
		var err error
		key, err = r.repo(r.DB).Get(ctx, userID, keyID)
		if err != nil {
			return nil, common.Infra("get public key", err)
		}
		r.cache.Set(ck, key, r.cacheTTL(key, now))
	}

	if key.Status == models.KeyExpired || key.ExpiredAt(now) {
		return nil, fmt.Errorf("key %s/%s: %w", userID, keyID, common.ErrKeyExpired)
	}
	c := *key
	return &c, nil
}

func (r *KeyRegistry) cacheTTL(key *models.PublicKey, now time.Time) time.Duration {
	ttl := r.Config.PublicKeyCacheTTL
	if key.ExpiresAt != nil {
		if left := key.ExpiresAt.Sub(now); left < ttl {
			ttl = left
		}
	}
	return ttl
}

// ListActiveKeys returns the user's ACTIVE, unexpired keys, newest first.
func (r *KeyRegistry) ListActiveKeys(ctx context.Context, userID string) ([]*models.PublicKey, error) {
	keys, err := r.repo(r.DB).ListActive(ctx, userID, r.now())
	if err != nil {
		return nil, common.Infra("list active keys", err)
	}
	return keys, nil
}

// GetLatestKey returns the newest active key usable for purpose
// (common.PurposeWrap or common.PurposeSign).
func (r *KeyRegistry) GetLatestKey(ctx context.Context, userID, purpose string) (*models.PublicKey, error) {
	keys, err := r.ListActiveKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		if fitsPurpose(k.Algorithm, purpose) {
			return k, nil
		}
	}
	if purpose == common.PurposeWrap {
		return nil, fmt.Errorf("user %s: %w", userID, common.ErrNoDeliveryKey)
	}
	return nil, fmt.Errorf("no %s key for user %s: %w", purpose, userID, common.ErrorNotFound)
}

func fitsPurpose(alg, purpose string) bool {
	switch purpose {
	case common.PurposeWrap:
		return cryptox.CanWrap(alg)
	case common.PurposeSign:
		return cryptox.CanSign(alg)
	default:
		return false
	}
}

// CleanupExpiredKeys moves keys past their expiry from ACTIVE to EXPIRED.
func (r *KeyRegistry) CleanupExpiredKeys(ctx context.Context) (int64, error) {
	n, err := r.repo(r.DB).ExpireBefore(ctx, r.now())
	if err != nil {
		return 0, common.Infra("expire keys", err)
	}
	if n > 0 {
		r.log.Info(ctx, "expired public keys", "count", n)
	}
	return n, nil
}

// DisableKey moves a key from ACTIVE to DISABLED. It reports false when the
// key was not ACTIVE.
func (r *KeyRegistry) DisableKey(ctx context.Context, userID, keyID string) (bool, error) {
	var changed bool
	err := r.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
		var err error
		changed, err = r.DisableInTx(ctx, uow, userID, keyID)
		return err
	})
	return changed, err
}

// DisableInTx is DisableKey within an existing unit of work. The cache entry
// is dropped after commit.
func (r *KeyRegistry) DisableInTx(ctx context.Context, uow *dbx.UnitOfWork, userID, keyID string) (bool, error) {
	changed, err := r.repo(uow.Tx).UpdateStatus(ctx, userID, keyID, models.KeyActive, models.KeyDisabled)
	if err != nil {
		return false, common.Infra("disable key", err)
	}
	if changed {
		r.invalidateAfterCommit(uow, userID, keyID)
	}
	return changed, nil
}

func (r *KeyRegistry) invalidateAfterCommit(uow *dbx.UnitOfWork, userID string, keyIDs ...string) {
	if len(keyIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(keyIDs))
	for _, id := range keyIDs {
		keys = append(keys, cacheKey(userID, id))
	}
	uow.AfterCommit(func(context.Context) {
		for _, k := range keys {
			r.cache.Delete(k)
		}
	})
}

// TouchKey records that a key was just used. Failures are only logged.
func (r *KeyRegistry) TouchKey(ctx context.Context, userID, keyID string) {
	if err := r.repo(r.DB).Touch(ctx, userID, keyID, r.now()); err != nil && !errors.Is(err, context.Canceled) {
		r.log.Warn(ctx, "touch key failed", "user_id", userID, "key_id", keyID, "error", err)
	}
}
