// Package audit records admission decisions, admin operations and alert
// firings. Sinks never return errors to the caller.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"maps"
	"time"

	"github.com/developingchet/admission-gateway/internal/model"
	"github.com/developingchet/admission-gateway/internal/pool"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event names.
const (
	EventAllow          = "request_allowed"
	EventDeny           = "request_denied"
	EventAlert          = "alert_fired"
	EventKeyCreated     = "api_key_created"
	EventKeyDisabled    = "api_key_disabled"
	EventTokenCreated   = "access_token_created"
	EventTokenRevoked   = "access_token_revoked"
	EventIPBlocked      = "ip_blocked"
	EventIPUnblocked    = "ip_unblocked"
	EventConfigReloaded = "config_reloaded"
	EventSwept          = "expired_swept"
)

// Sink receives audit events.
type Sink interface {
	LogEvent(name string, fields map[string]any)
}

// hashedFields are replaced by a short digest before an event leaves the process.
var hashedFields = []string{"identity", "api_key"}

// HashIdentity returns a stable, non-reversible label for an identity or secret.
func HashIdentity(s string) string {
	if s == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(s))
	return "h:" + hex.EncodeToString(sum[:8])
}

// scrub copies fields with identity values hashed.
func scrub(fields map[string]any) map[string]any {
	out := maps.Clone(fields)
	if out == nil {
		out = map[string]any{}
	}
	for _, k := range hashedFields {
		if s, ok := out[k].(string); ok {
			out[k] = HashIdentity(s)
		}
	}
	return out
}

// Logger writes events as structured log lines.
type Logger struct {
	log zerolog.Logger
}

// NewLogger returns a Logger writing through log.
func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "audit").Logger()}
}

// LogEvent implements Sink.
func (l *Logger) LogEvent(name string, fields map[string]any) {
	ev := l.log.Info()
	if name == EventDeny || name == EventAlert {
		ev = l.log.Warn()
	}
	ev.Fields(scrub(fields)).Str("event", name).Msg("audit")
}

// Enqueuer accepts persistence jobs without blocking.
type Enqueuer interface {
	Enqueue(job pool.Job) bool
}

// Journal persists events to the request log through the worker pool.
type Journal struct {
	q     Enqueuer
	clock model.Clock
	log   zerolog.Logger
}

// NewJournal returns a Journal enqueuing onto q.
func NewJournal(q Enqueuer, clock model.Clock, log zerolog.Logger) *Journal {
	if clock == nil {
		clock = model.SystemClock{}
	}
	return &Journal{q: q, clock: clock, log: log}
}

// LogEvent implements Sink. Dropped events are logged at debug level; the
// pool already counts them.
func (j *Journal) LogEvent(name string, fields map[string]any) {
	ev := model.AuditEvent{
		ID:     uuid.NewString(),
		Name:   name,
		Fields: scrub(fields),
		At:     j.clock.Now().UTC(),
	}
	if !j.q.Enqueue(pool.Job{Kind: pool.KindAudit, Action: pool.ActionSave, ID: ev.ID, Payload: ev}) {
		j.log.Debug().Str("event", name).Msg("audit event dropped")
	}
}

// Multi fans an event out to every sink.
type Multi []Sink

// LogEvent implements Sink.
func (m Multi) LogEvent(name string, fields map[string]any) {
	for _, s := range m {
		s.LogEvent(name, fields)
	}
}

// Nop discards events.
type Nop struct{}

// LogEvent implements Sink.
func (Nop) LogEvent(string, map[string]any) {}

// Retention is how long request-log entries are kept by default.
const Retention = 24 * time.Hour
