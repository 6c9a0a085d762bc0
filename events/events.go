// Package events publishes security-relevant authorization events so
// operators can alert on token theft signals and client lifecycle
// changes.
package events

import (
	"context"
	"log/slog"
	"time"
)

// Event names emitted by the authorization flows.
const (
	ClientRegistered  = "client.registered"
	ClientRevoked     = "client.revoked"
	CodeIssued        = "code.issued"
	CodeReplayed      = "code.replayed"
	TokenIssued       = "token.issued"
	TokenRefreshed    = "token.refreshed"
	TokenRevoked      = "token.revoked"
	RefreshReuse      = "refresh.reuse_detected"
	FamilyRevoked     = "refresh.family_revoked"
	RegisterThrottled = "register.throttled"
)

// Event is one security event. Fields carries event-specific context
// such as client_id or subject; raw token material never appears here.
type Event struct {
	Name     string            `json:"name"`
	At       time.Time         `json:"at"`
	ClientID string            `json:"client_id,omitempty"`
	Subject  string            `json:"subject,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
}

// Emitter delivers events to a sink. Emit must not block request
// handling on slow sinks.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
	Close() error
}

// LogEmitter writes events to the structured log. It is the default
// sink when no broker is configured.
type LogEmitter struct {
	logger *slog.Logger
}

func NewLogEmitter(logger *slog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger}
}

func (e *LogEmitter) Emit(_ context.Context, ev Event) {
	attrs := []any{"event", ev.Name}
	if ev.ClientID != "" {
		attrs = append(attrs, "client_id", ev.ClientID)
	}
	if ev.Subject != "" {
		attrs = append(attrs, "subject", ev.Subject)
	}
	for k, v := range ev.Fields {
		attrs = append(attrs, k, v)
	}
	e.logger.Info("security event", attrs...)
}

func (e *LogEmitter) Close() error { return nil }
