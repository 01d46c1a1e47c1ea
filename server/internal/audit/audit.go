// Package audit records every significant control-plane event in append-only
// form. Writes flow through a single-producer funnel (one writer goroutine
// draining a channel) so the recorded order is total even though events are
// raised concurrently by the connection manager, router, and registry.
//
// Before persistence the details map is walked and sensitive keys are
// redacted: password-style keys are replaced with "[REDACTED]", credential
// material (tokens, secrets) is dropped outright because a fixed-width
// replacement would confirm the credential's presence and shape.
//
// Retention: query-time filtering is authoritative — entries older than the
// configured window are never returned. The periodic sweep is the archival
// hook; it hard-deletes expired rows so the table does not grow unbounded.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/onsembl/onsembl/server/internal/db"
)

// EventKind is the closed enumeration of auditable events.
type EventKind string

const (
	EventUserLogin        EventKind = "user-login"
	EventUserLogout       EventKind = "user-logout"
	EventAgentConnect     EventKind = "agent-connect"
	EventAgentDisconnect  EventKind = "agent-disconnect"
	EventCommandSent      EventKind = "command-sent"
	EventCommandCompleted EventKind = "command-completed"
	EventPresetCreated    EventKind = "preset-created"
	EventPresetUpdated    EventKind = "preset-updated"
	EventEmergencyStop    EventKind = "emergency-stop"
	EventAgentError       EventKind = "agent-error"
	EventConfigChange     EventKind = "config-change"
)

// ValidKind reports whether k is part of the closed enumeration.
func ValidKind(k EventKind) bool {
	switch k {
	case EventUserLogin, EventUserLogout, EventAgentConnect, EventAgentDisconnect,
		EventCommandSent, EventCommandCompleted, EventPresetCreated,
		EventPresetUpdated, EventEmergencyStop, EventAgentError, EventConfigChange:
		return true
	}
	return false
}

// Redacted is the literal stored in place of password-style values.
const Redacted = "[REDACTED]"

// replaceKeys are redacted to the Redacted literal: the fact that a password
// was supplied is audit-relevant, its value is not.
var replaceKeys = map[string]struct{}{
	"password": {},
}

// dropKeys are removed entirely. These carry replayable credential material;
// even a placeholder would leak that a live credential passed through here.
var dropKeys = map[string]struct{}{
	"token":         {},
	"secret":        {},
	"refresh_token": {},
	"accesstoken":   {},
	"access_token":  {},
	"api_key":       {},
	"apikey":        {},
}

// Event is one auditable occurrence. ID is assigned at the call site so a
// retried Record of the same event is idempotent.
type Event struct {
	ID        uuid.UUID
	Kind      EventKind
	UserID    *uuid.UUID
	AgentID   *uuid.UUID
	CommandID *uuid.UUID
	Details   map[string]any
	SourceIP  string
	UserAgent string
}

// Redact returns a copy of details with sensitive keys redacted or dropped.
// Nested maps are walked recursively; key matching is case-insensitive.
func Redact(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}
	out := make(map[string]any, len(details))
	for k, v := range details {
		lower := strings.ToLower(k)
		if _, drop := dropKeys[lower]; drop {
			continue
		}
		if _, replace := replaceKeys[lower]; replace {
			out[k] = Redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = Redact(nested)
			continue
		}
		out[k] = v
	}
	return out
}

// Filter selects audit entries. Zero-valued fields are not applied.
// The time range is half-open: [From, To).
type Filter struct {
	Kind      EventKind
	UserID    *uuid.UUID
	AgentID   *uuid.UUID
	CommandID *uuid.UUID
	From      time.Time
	To        time.Time
	// Limit caps the result set; 0 means the default of 100.
	Limit int
}

// DefaultLimit is applied when a Filter does not name one.
const DefaultLimit = 100

// DefaultRetention is the default age past which entries disappear from
// queries and become eligible for the sweep.
const DefaultRetention = 30 * 24 * time.Hour

// funnelSize bounds the append channel. Record blocks once the funnel is
// full rather than dropping audit events.
const funnelSize = 1024

// Service is the audit writer and query interface. Create with New, start
// the funnel with Run, and stop by cancelling the context passed to Run —
// the funnel drains fully before Run returns.
type Service struct {
	db        *gorm.DB
	retention time.Duration
	logger    *zap.Logger

	funnel  chan db.AuditEntry
	drained chan struct{}
}

// New creates an audit Service. retention <= 0 selects DefaultRetention.
func New(database *gorm.DB, retention time.Duration, logger *zap.Logger) *Service {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Service{
		db:        database,
		retention: retention,
		logger:    logger.Named("audit"),
		funnel:    make(chan db.AuditEntry, funnelSize),
		drained:   make(chan struct{}),
	}
}

// Run drains the append funnel until ctx is cancelled, then flushes whatever
// remains. Must be called exactly once, in its own goroutine.
func (s *Service) Run(ctx context.Context) {
	defer close(s.drained)

	for {
		select {
		case entry := <-s.funnel:
			s.insert(entry)
		case <-ctx.Done():
			// Flush everything buffered at shutdown so no recorded event
			// is lost.
			for {
				select {
				case entry := <-s.funnel:
					s.insert(entry)
				default:
					s.logger.Info("audit funnel flushed")
					return
				}
			}
		}
	}
}

// Wait blocks until the funnel goroutine has flushed and exited.
func (s *Service) Wait() { <-s.drained }

// Record redacts the event's details and enqueues it on the append funnel.
// The write happens asynchronously; ordering follows enqueue order.
func (s *Service) Record(ev Event) error {
	if !ValidKind(ev.Kind) {
		return fmt.Errorf("audit: unknown event kind %q", ev.Kind)
	}
	if ev.ID == (uuid.UUID{}) {
		return fmt.Errorf("audit: event id must be assigned at the call site")
	}

	details, err := json.Marshal(Redact(ev.Details))
	if err != nil {
		return fmt.Errorf("audit: marshal details: %w", err)
	}

	s.funnel <- db.AuditEntry{
		ID:        ev.ID,
		CreatedAt: time.Now().UTC(),
		EventKind: string(ev.Kind),
		UserID:    ev.UserID,
		AgentID:   ev.AgentID,
		CommandID: ev.CommandID,
		Details:   string(details),
		SourceIP:  ev.SourceIP,
		UserAgent: ev.UserAgent,
	}
	return nil
}

// insert performs the idempotent append. Conflicts on the caller-assigned ID
// mean the event was already recorded; DoNothing preserves immutability.
func (s *Service) insert(entry db.AuditEntry) {
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	if err != nil {
		s.logger.Error("audit append failed",
			zap.String("event_kind", entry.EventKind),
			zap.String("id", entry.ID.String()),
			zap.Error(err),
		)
	}
}

// Query returns entries matching the filter, newest first. Entries older
// than the retention window are filtered out regardless of the requested
// time range — query-time filtering is the authoritative retention boundary.
func (s *Service) Query(ctx context.Context, f Filter) ([]db.AuditEntry, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	q := s.db.WithContext(ctx).Model(&db.AuditEntry{})

	cutoff := time.Now().UTC().Add(-s.retention)
	q = q.Where("created_at >= ?", cutoff)

	if f.Kind != "" {
		q = q.Where("event_kind = ?", string(f.Kind))
	}
	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.AgentID != nil {
		q = q.Where("agent_id = ?", *f.AgentID)
	}
	if f.CommandID != nil {
		q = q.Where("command_id = ?", *f.CommandID)
	}
	if !f.From.IsZero() {
		q = q.Where("created_at >= ?", f.From)
	}
	if !f.To.IsZero() {
		q = q.Where("created_at < ?", f.To)
	}

	var entries []db.AuditEntry
	if err := q.Order("created_at DESC").Limit(limit).Find(&entries).Error; err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	return entries, nil
}

// Sweep hard-deletes entries older than the retention window. Deleting whole
// rows never edits one — append-only is preserved. Returns the number of
// archived entries.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	cutoff := time.Now().UTC().Add(-s.retention)
	result := s.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&db.AuditEntry{})
	if result.Error != nil {
		return 0, fmt.Errorf("audit: retention sweep: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		s.logger.Info("audit retention sweep",
			zap.Int64("removed", result.RowsAffected),
			zap.Time("cutoff", cutoff),
		)
	}
	return result.RowsAffected, nil
}
