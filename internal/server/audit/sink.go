// Package audit archives security events such as signature failures and
// key rotations.
package audit

import (
	"context"

	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
)

const (
	EventSignatureFailed = "SignatureVerificationFailed"
	EventReplayRejected  = "ReplayRejected"
	EventKeyRotated      = "KeyRotated"
	EventKeyUploaded     = "PublicKeyUploaded"
)

type Sink interface {
	Record(ctx context.Context, rec models.AuditRecord) error
}

// LogSink writes audit records to the security audit log.
type LogSink struct {
	log logging.Logger
}

func NewLogSink(l logging.Logger) *LogSink {
	return &LogSink{log: logging.Audit(l.With("module", "audit"))}
}

func (s *LogSink) Record(ctx context.Context, rec models.AuditRecord) error {
	s.log.Info(ctx, "audit record",
		"event", rec.Event,
		"user_id", rec.UserID,
		"message_id", rec.MessageID,
		"key_id", rec.KeyID,
		"algorithm", rec.Algorithm,
		"detail", rec.Detail,
		"tenant_id", rec.TenantID,
	)
	return nil
}
