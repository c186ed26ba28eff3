package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/cryptox"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/audit"
	"github.com/dmitrijs2005/securemsg/internal/server/events"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/sessionkeys"
)

// errRotationLost means another node claimed the key first.
var errRotationLost = errors.New("rotation claimed elsewhere")

// KeyRotationScheduler replaces user keys and session keys that are older
// than their configured rotation intervals.
type KeyRotationScheduler struct {
	Deps
	registry    *KeyRegistry
	distributor *SessionKeyDistributor
	log         logging.Logger
	audit       logging.Logger
}

func NewKeyRotationScheduler(d Deps, registry *KeyRegistry, distributor *SessionKeyDistributor) *KeyRotationScheduler {
	l := d.Log.With("module", "rotation")
	return &KeyRotationScheduler{
		Deps:        d,
		registry:    registry,
		distributor: distributor,
		log:         l,
		audit:       logging.Audit(l),
	}
}

// CheckAndRotateKeys rotates every user key and session due for rotation
// and returns how many were rotated. A failure on one subject does not stop
// the others; all failures are returned joined.
func (r *KeyRotationScheduler) CheckAndRotateKeys(ctx context.Context) (int, error) {
	now := r.now()
	batch := r.batchSize()
	var (
		rotated int
		errs    []error
	)

	if r.Config.UserKeyRotationInterval > 0 {
		due, err := r.Repos.PublicKeys(r.DB).ListCreatedBefore(ctx, now.Add(-r.Config.UserKeyRotationInterval), batch)
		if err != nil {
			return 0, common.Infra("list keys due for rotation", err)
		}
		for _, key := range due {
			ok, err := r.rotateKey(ctx, key)
			if err != nil {
				r.log.Error(ctx, "key rotation failed", "user_id", key.UserID, "key_id", key.KeyID, "error", err)
				errs = append(errs, err)
				continue
			}
			if ok {
				rotated++
			}
		}
	}

	if r.Config.SessionKeyRotationInterval > 0 {
		sessions, err := r.Repos.SessionKeys(r.DB).ListDue(ctx, now.Add(-r.Config.SessionKeyRotationInterval), now, batch)
		if err != nil {
			return rotated, errors.Join(append(errs, common.Infra("list sessions due for rotation", err))...)
		}
		for _, sess := range sessions {
			n, err := r.distributor.RotateSession(ctx, sess.SessionID)
			if err != nil {
				r.log.Error(ctx, "session rotation failed", "session_id", sess.SessionID, "error", err)
				errs = append(errs, err)
				continue
			}
			if n > 0 {
				rotated++
			}
		}
	}

	if rotated > 0 {
		r.log.Info(ctx, "rotation check done", "rotated", rotated)
	}
	return rotated, errors.Join(errs...)
}

// ForceRotate rotates every active key of userID now.
func (r *KeyRotationScheduler) ForceRotate(ctx context.Context, userID string) (int, error) {
	keys, err := r.registry.ListActiveKeys(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, fmt.Errorf("no active keys for %s: %w", userID, common.ErrorNotFound)
	}

	var (
		rotated int
		errs    []error
	)
	for _, key := range keys {
		ok, err := r.rotateKey(ctx, key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			rotated++
		}
	}
	r.audit.Info(ctx, "forced key rotation", "user_id", userID, "rotated", rotated)
	return rotated, errors.Join(errs...)
}

// rotateKey replaces old with a server-issued key pair of the same
// algorithm. The new private key is sealed under a fresh data key, and the
// data key is wrapped to the user's wrap-capable key (old itself when it can
// wrap) as session "rotation:<newKeyId>". It reports false when another node
// rotated old first.
func (r *KeyRotationScheduler) rotateKey(ctx context.Context, old *models.PublicKey) (bool, error) {
	// The replacement, its data key package and the notice belong to the
	// tenant that owns old, not to the caller.
	if old.TenantID != "" {
		ctx = common.WithTenant(ctx, old.TenantID)
	}

	var kp *cryptox.KeyPair
	err := r.Pools.E2EE.Do(ctx, func(context.Context) error {
		var err error
		kp, err = cryptox.GenerateKeyPair(old.Algorithm)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("generate %s key pair: %w", old.Algorithm, err)
	}
	defer common.WipeByteArray(kp.PrivateKey)

	dataKey := common.GenerateRandByteArray(cryptox.SessionKeySize)
	defer common.WipeByteArray(dataKey)
	sealed, err := cryptox.Encrypt(cryptox.AES256GCM, kp.PrivateKey, dataKey)
	if err != nil {
		return false, fmt.Errorf("seal rotated private key: %w", err)
	}

	deliverTo := old
	if !cryptox.CanWrap(old.Algorithm) {
		if deliverTo, err = r.registry.GetLatestKey(ctx, old.UserID, common.PurposeWrap); err != nil {
			return false, err
		}
	}

	now := r.now()
	next := &models.PublicKey{
		TenantID:    r.tenant(ctx),
		UserID:      old.UserID,
		KeyID:       newID(),
		Algorithm:   old.Algorithm,
		EncodedKey:  kp.PublicKey,
		Fingerprint: cryptox.Fingerprint(kp.PublicKey),
		Status:      models.KeyActive,
		CreatedAt:   now,
	}
	if old.ExpiresAt != nil {
		t := now.Add(old.ExpiresAt.Sub(old.CreatedAt))
		next.ExpiresAt = &t
	}
	dataKeySession := sessionkeys.RotationSessionPrefix + next.KeyID

	err = r.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
		// Wrap before the claim: the distributor only accepts ACTIVE keys.
		if _, err := r.distributor.CreatePackageInTx(ctx, uow, CreatePackageRequest{
			SessionID:     dataKeySession,
			SenderID:      common.SystemSenderID,
			RecipientID:   old.UserID,
			RawSessionKey: dataKey,
			RecipientKey:  deliverTo,
		}); err != nil {
			return err
		}

		claimed, err := r.registry.DisableInTx(ctx, uow, old.UserID, old.KeyID)
		if err != nil {
			return err
		}
		if !claimed {
			return errRotationLost
		}
		if err := r.registry.RegisterInTx(ctx, uow, next); err != nil {
			return err
		}

		r.Publisher.PostCommit(uow, events.Event{
			Name: models.EventKeyRotated,
			Payload: models.KeyRotatedNotice{
				UserID:           old.UserID,
				OldKeyID:         old.KeyID,
				NewKeyID:         next.KeyID,
				Algorithm:        next.Algorithm,
				Fingerprint:      next.Fingerprint,
				PublicKey:        cryptox.EncodeBase64(next.EncodedKey),
				SealedPrivateKey: cryptox.EncodeBase64(sealed.Ciphertext),
				SealIV:           cryptox.EncodeBase64(sealed.IV),
				SealTag:          cryptox.EncodeBase64(sealed.Tag),
				DataKeySessionID: dataKeySession,
				TenantID:         next.TenantID,
			},
			TenantID:     next.TenantID,
			PartitionKey: old.UserID,
			Recipients:   []string{old.UserID},
		}, r.Pools.E2EE)

		rec := r.auditRecord(ctx, audit.EventKeyRotated)
		rec.UserID, rec.KeyID, rec.Algorithm = old.UserID, next.KeyID, next.Algorithm
		rec.Detail = "replaces " + old.KeyID
		r.Publisher.Audit(uow, rec, r.Pools.E2EE)
		return nil
	})
	if errors.Is(err, errRotationLost) {
		r.log.Debug(ctx, "key already rotated", "user_id", old.UserID, "key_id", old.KeyID)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	r.log.Info(ctx, "user key rotated", "user_id", old.UserID, "old_key_id", old.KeyID, "new_key_id", next.KeyID)
	return true, nil
}
