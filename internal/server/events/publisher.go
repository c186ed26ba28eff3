// Package events turns domain notices into broker records and realtime
// pushes, bound to the commit phases of a unit of work.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"github.com/dmitrijs2005/securemsg/internal/common"
	"github.com/dmitrijs2005/securemsg/internal/dbx"
	"github.com/dmitrijs2005/securemsg/internal/logging"
	"github.com/dmitrijs2005/securemsg/internal/server/audit"
	"github.com/dmitrijs2005/securemsg/internal/server/broker"
	"github.com/dmitrijs2005/securemsg/internal/server/models"
	"github.com/dmitrijs2005/securemsg/internal/server/realtime"
	"github.com/dmitrijs2005/securemsg/internal/server/workers"
)

// Event is one notice plus its routing. Users listed in Recipients get a
// direct push; a non-empty RoomID broadcasts to the room except
// ExcludeUserID. A non-empty TenantID overrides the tenant of the
// dispatching context for the pushes.
type Event struct {
	Name          string
	TenantID      string
	Payload       any
	PartitionKey  string
	Recipients    []string
	RoomID        string
	ExcludeUserID string
}

type Publisher struct {
	broker      broker.Broker
	transport   realtime.Transport
	sink        audit.Sink
	topicPrefix string
	log         logging.Logger
}

func NewPublisher(b broker.Broker, t realtime.Transport, s audit.Sink, topicPrefix string, l logging.Logger) *Publisher {
	return &Publisher{
		broker:      b,
		transport:   t,
		sink:        s,
		topicPrefix: topicPrefix,
		log:         l.With("module", "events"),
	}
}

// Topic maps an event name such as "MessageRead" to "<prefix>message-read".
func (p *Publisher) Topic(name string) string {
	var b strings.Builder
	b.WriteString(p.topicPrefix)
	for i, r := range name {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Dispatch sends e to the broker and then pushes it to online users. Only
// the broker failure is returned; push failures are logged.
func (p *Publisher) Dispatch(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", e.Name, err)
	}
	if err := p.broker.Send(ctx, p.Topic(e.Name), payload, e.PartitionKey); err != nil {
		return common.Infra("publish "+e.Name, err)
	}

	if e.TenantID != "" {
		ctx = common.WithTenant(ctx, e.TenantID)
	}
	frame := realtime.Frame{Type: e.Name, Payload: payload}
	for _, userID := range e.Recipients {
		if err := p.transport.SendToUser(ctx, userID, frame); err != nil {
			p.log.Warn(ctx, "push failed", "event", e.Name, "user_id", userID, "error", err)
		}
	}
	if e.RoomID != "" {
		if err := p.transport.BroadcastToRoom(ctx, e.RoomID, e.ExcludeUserID, frame); err != nil {
			p.log.Warn(ctx, "room push failed", "event", e.Name, "room_id", e.RoomID, "error", err)
		}
	}
	return nil
}

// PreCommit dispatches e inside the transaction just before COMMIT. A broker
// failure rolls the unit back; a later commit failure cannot recall a record
// that was already sent.
func (p *Publisher) PreCommit(uow *dbx.UnitOfWork, e Event) {
	uow.BeforeCommit(func(ctx context.Context) error {
		return p.Dispatch(ctx, e)
	})
}

// PostCommit dispatches e on pool after a successful COMMIT. Failures are
// logged and never retried.
func (p *Publisher) PostCommit(uow *dbx.UnitOfWork, e Event, pool *workers.Pool) {
	uow.AfterCommit(func(ctx context.Context) {
		p.submit(ctx, pool, func(ctx context.Context) {
			if err := p.Dispatch(ctx, e); err != nil {
				p.log.Error(ctx, "post-commit publish failed", "event", e.Name, "error", err)
			}
		})
	})
}

// Audit records rec after a successful COMMIT.
func (p *Publisher) Audit(uow *dbx.UnitOfWork, rec models.AuditRecord, pool *workers.Pool) {
	uow.AfterCommit(func(ctx context.Context) {
		p.submit(ctx, pool, func(ctx context.Context) {
			p.RecordAudit(ctx, rec)
		})
	})
}

// RecordAudit writes rec now, for paths that end without committing.
func (p *Publisher) RecordAudit(ctx context.Context, rec models.AuditRecord) {
	if err := p.sink.Record(ctx, rec); err != nil {
		p.log.Error(ctx, "audit record failed", "event", rec.Event, "error", err)
	}
}

func (p *Publisher) submit(ctx context.Context, pool *workers.Pool, fn workers.Task) {
	if pool == nil {
		fn(ctx)
		return
	}
	pool.Submit(ctx, fn)
}
