// Package audit records operator actions. Recording never fails the caller.
package audit

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"netauth/pkg/model"
)

// Sink persists audit entries.
type Sink interface {
	AppendAudit(model.AuditEntry) error
}

type actorKey struct{}

type actor struct {
	name string
	ip   string
}

// WithActor attaches the acting operator and client address to ctx.
func WithActor(ctx context.Context, name, ip string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor{name: name, ip: ip})
}

// ActorFrom returns the operator recorded by WithActor, or "system".
func ActorFrom(ctx context.Context) (name, ip string) {
	if a, ok := ctx.Value(actorKey{}).(actor); ok && a.name != "" {
		return a.name, a.ip
	}
	return "system", ""
}

type Recorder struct {
	sink    Sink
	log     zerolog.Logger
	notify  func(model.AuditEntry)
	nowFunc func() time.Time
}

func NewRecorder(sink Sink, logger zerolog.Logger) *Recorder {
	return &Recorder{
		sink:    sink,
		log:     logger.With().Str("component", "audit").Logger(),
		nowFunc: time.Now,
	}
}

// OnRecord registers a callback invoked after each stored entry.
func (r *Recorder) OnRecord(fn func(model.AuditEntry)) {
	r.notify = fn
}

// Record stores an entry for the actor in ctx. Failures are logged only.
func (r *Recorder) Record(ctx context.Context, action, resourceType string, resourceID uint, detail string) {
	name, ip := ActorFrom(ctx)
	entry := model.AuditEntry{
		Actor:        name,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Detail:       detail,
		IP:           ip,
		Timestamp:    r.nowFunc(),
	}
	if err := r.sink.AppendAudit(entry); err != nil {
		r.log.Error().Err(err).Str("action", action).Str("resource", resourceType).Msg("audit write failed")
		return
	}
	r.log.Debug().Str("actor", name).Str("action", action).Str("resource", resourceType).Uint("id", resourceID).Msg(detail)
	if r.notify != nil {
		r.notify(entry)
	}
}
