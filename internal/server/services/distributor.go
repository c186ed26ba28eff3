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
	"github.com/dmitrijs2005/securemsg/internal/server/events"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/repositories/sessionkeys"
)

// CreatePackageRequest asks for RawSessionKey to be wrapped to one recipient.
// When RecipientKey is nil the key is loaded from the registry by
// (RecipientID, KeyID). A zero TTL uses the configured session key TTL.
type CreatePackageRequest struct {
	SessionID     string
	KeyID         string
	SenderID      string
	RecipientID   string
	RawSessionKey []byte
	RecipientKey  *models.PublicKey
	ForwardSecret bool
	TTL           time.Duration
}

// SessionKeyDistributor wraps session keys to recipients' public keys and
// stores the resulting packages.
type SessionKeyDistributor struct {
	Deps
	registry *KeyRegistry
	log      logging.Logger
}

func NewSessionKeyDistributor(d Deps, registry *KeyRegistry) *SessionKeyDistributor {
	return &SessionKeyDistributor{
		Deps:     d,
		registry: registry,
		log:      d.Log.With("module", "distributor"),
	}
}

func (s *SessionKeyDistributor) repo(db dbx.DBTX) sessionkeys.Repository {
	return s.Repos.SessionKeys(db)
}

// CreatePackage wraps and stores one package in its own unit of work.
func (s *SessionKeyDistributor) CreatePackage(ctx context.Context, req CreatePackageRequest) (*models.SessionKeyPackage, error) {
	var pkg *models.SessionKeyPackage
	err := s.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
		var err error
		pkg, err = s.CreatePackageInTx(ctx, uow, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return pkg, nil
}

// CreatePackageInTx is CreatePackage within an existing unit of work. The
// SessionKeyDistributed notice is sent just before the unit commits.
func (s *SessionKeyDistributor) CreatePackageInTx(ctx context.Context, uow *dbx.UnitOfWork, req CreatePackageRequest) (*models.SessionKeyPackage, error) {
	if req.SessionID == "" || req.SenderID == "" || req.RecipientID == "" {
		return nil, fmt.Errorf("session, sender and recipient are required: %w", common.ErrInvalidPayload)
	}
	if len(req.RawSessionKey) != cryptox.SessionKeySize {
		return nil, common.ErrInvalidSessionKey
	}

	key, err := s.recipientKey(ctx, req)
	if err != nil {
		return nil, err
	}
	wrapper, err := cryptox.WrapperFor(key.Algorithm)
	if err != nil {
		return nil, err
	}
	if req.ForwardSecret && !wrapper.Ephemeral() {
		return nil, fmt.Errorf("recipient key %s is %s: %w", key.KeyID, key.Algorithm, common.ErrForwardSecrecyKey)
	}

	var wrapped *cryptox.WrappedKey
	err = s.Pools.E2EE.Do(ctx, func(context.Context) error {
		var err error
		wrapped, err = wrapper.Wrap(req.RawSessionKey, key.EncodedKey)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("wrap session key: %w", err)
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.Config.SessionKeyTTL
	}
	now := s.now()
	pkg := &models.SessionKeyPackage{
		ID:                 newID(),
		TenantID:           s.tenant(ctx),
		SessionID:          req.SessionID,
		KeyID:              key.KeyID,
		SenderID:           req.SenderID,
		RecipientID:        req.RecipientID,
		WrappedKey:         wrapped.WrappedKey,
		Algorithm:          wrapped.Algorithm,
		EphemeralPublicKey: wrapped.EphemeralPublicKey,
		KDFAlgorithm:       wrapped.KDFAlgorithm,
		ForwardSecret:      req.ForwardSecret,
		CreatedAt:          now,
	}
	if ttl > 0 {
		pkg.ExpiresAt = now.Add(ttl)
	}
	if err := s.ValidatePackage(pkg); err != nil {
		return nil, err
	}

	if err := s.repo(uow.Tx).Create(ctx, pkg); err != nil {
		return nil, common.Infra("create session key package", err)
	}

	s.Publisher.PreCommit(uow, events.Event{
		Name: models.EventSessionKeyDistributed,
		Payload: models.KeyDistributionNotice{
			SessionID:     pkg.SessionID,
			KeyID:         pkg.KeyID,
			SenderID:      pkg.SenderID,
			RecipientID:   pkg.RecipientID,
			Algorithm:     pkg.Algorithm,
			ForwardSecret: pkg.ForwardSecret,
			TenantID:      pkg.TenantID,
		},
		TenantID:     pkg.TenantID,
		PartitionKey: pkg.RecipientID,
		Recipients:   []string{pkg.RecipientID},
	})
	uow.AfterCommit(func(ctx context.Context) {
		s.registry.TouchKey(ctx, pkg.RecipientID, pkg.KeyID)
	})
	return pkg, nil
}

func (s *SessionKeyDistributor) recipientKey(ctx context.Context, req CreatePackageRequest) (*models.PublicKey, error) {
	key := req.RecipientKey
	if key == nil {
		if req.KeyID == "" {
			return nil, fmt.Errorf("recipient key id is required: %w", common.ErrInvalidPayload)
		}
		var err error
		if key, err = s.registry.GetPublicKey(ctx, req.RecipientID, req.KeyID); err != nil {
			return nil, err
		}
	}
	if key.UserID != req.RecipientID {
		return nil, fmt.Errorf("key %s does not belong to %s: %w", key.KeyID, req.RecipientID, common.ErrInvalidKey)
	}
	if key.Status != models.KeyActive {
		return nil, fmt.Errorf("key %s/%s is %s: %w", key.UserID, key.KeyID, key.Status, common.ErrKeyInactive)
	}
	if key.ExpiredAt(s.now()) {
		return nil, fmt.Errorf("key %s/%s: %w", key.UserID, key.KeyID, common.ErrKeyExpired)
	}
	return key, nil
}

// ValidatePackage checks the structure of a package: forward secret packages
// carry an ephemeral key and a KDF, and the wrapped key has a length the
// wrap algorithm can produce.
func (s *SessionKeyDistributor) ValidatePackage(pkg *models.SessionKeyPackage) error {
	if pkg == nil {
		return fmt.Errorf("nil package: %w", common.ErrInvalidPayload)
	}
	if pkg.ForwardSecret && (len(pkg.EphemeralPublicKey) == 0 || pkg.KDFAlgorithm == "") {
		return common.ErrForwardSecrecyFields
	}
	wrapper, err := cryptox.LookupWrapper(pkg.Algorithm)
	if err != nil {
		return err
	}
	if !wrapper.ValidLength(len(pkg.WrappedKey)) {
		return fmt.Errorf("wrapped key of %d bytes for %s: %w", len(pkg.WrappedKey), pkg.Algorithm, common.ErrInvalidPayload)
	}
	return nil
}

// GetPackage returns the recipient's newest unexpired package of a session.
func (s *SessionKeyDistributor) GetPackage(ctx context.Context, sessionID, recipientID string) (*models.SessionKeyPackage, error) {
	pkg, err := s.repo(s.DB).GetLatest(ctx, sessionID, recipientID, s.now())
	if err != nil {
		return nil, common.Infra("get session key package", err)
	}
	return pkg, nil
}

// RotateSession replaces the session key of a live session: the current
// packages are expired and every recipient gets a package for a fresh key
// under their newest wrap key. Recipients without such a key are skipped.
// It returns the number of packages issued.
func (s *SessionKeyDistributor) RotateSession(ctx context.Context, sessionID string) (int, error) {
	raw := common.GenerateRandByteArray(cryptox.SessionKeySize)
	defer common.WipeByteArray(raw)

	var issued int
	err := s.Tx.InTx(ctx, func(ctx context.Context, uow *dbx.UnitOfWork) error {
		issued = 0
		repo := s.repo(uow.Tx)
		now := s.now()

		current, err := repo.ListActive(ctx, sessionID, now)
		if err != nil {
			return common.Infra("list session packages", err)
		}
		if len(current) == 0 {
			return nil
		}
		if t := current[0].TenantID; t != "" {
			ctx = common.WithTenant(ctx, t)
		}
		if _, err := repo.ExpireSession(ctx, sessionID, now); err != nil {
			return common.Infra("expire session", err)
		}

		senderID := current[0].SenderID
		forwardSecret := false
		seen := make(map[string]bool, len(current))
		var recipients []string
		for _, p := range current {
			forwardSecret = forwardSecret || p.ForwardSecret
			if !seen[p.RecipientID] {
				seen[p.RecipientID] = true
				recipients = append(recipients, p.RecipientID)
			}
		}

		for _, recipientID := range recipients {
			key, err := s.registry.GetLatestKey(ctx, recipientID, common.PurposeWrap)
			if errors.Is(err, common.ErrNoDeliveryKey) {
				s.log.Warn(ctx, "no wrap key, recipient dropped from session", "session_id", sessionID, "user_id", recipientID)
				continue
			}
			if err != nil {
				return err
			}
			fs := forwardSecret
			if w, err := cryptox.WrapperFor(key.Algorithm); err == nil && fs && !w.Ephemeral() {
				s.log.Warn(ctx, "recipient key cannot keep forward secrecy", "session_id", sessionID, "user_id", recipientID, "algorithm", key.Algorithm)
				fs = false
			}
			if _, err := s.CreatePackageInTx(ctx, uow, CreatePackageRequest{
				SessionID:     sessionID,
				SenderID:      senderID,
				RecipientID:   recipientID,
				RawSessionKey: raw,
				RecipientKey:  key,
				ForwardSecret: fs,
			}); err != nil {
				return err
			}
			issued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if issued > 0 {
		s.log.Info(ctx, "session key rotated", "session_id", sessionID, "packages", issued)
	}
	return issued, nil
}
