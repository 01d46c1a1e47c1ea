package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Agent directory
// -----------------------------------------------------------------------------

// Agent is the persistent directory record for one wrapper-managed agent.
// The wrapper owns its stable ID (generated on first run and persisted in its
// state file); the server upserts this row on every agent:connect so identity,
// declared capabilities, and host metadata survive reconnects and server
// restarts. Live status is in-memory only — after a restart every directory
// entry is presented as offline until its wrapper reconnects.
type Agent struct {
	base
	Name      string `gorm:"not null"`
	AgentType string `gorm:"not null"` // "claude", "gemini", "codex", "custom"
	Hostname  string `gorm:"not null;default:''"`
	Platform  string `gorm:"not null;default:''"`
	Version   string `gorm:"not null;default:''"`
	PID       int    `gorm:"not null;default:0"`

	// Declared capabilities, cached so dashboards can display them while
	// the agent is offline.
	MaxTokens         int  `gorm:"not null;default:0"`
	SupportsInterrupt bool `gorm:"not null;default:false"`
	SupportsTrace     bool `gorm:"not null;default:false"`

	LastSeenAt   *time.Time
	RestartCount int `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Commands
// -----------------------------------------------------------------------------

// Command is the durable record of one submitted command. The router owns all
// mutations. Rows left in a non-terminal state by a crash are reconstituted as
// failed (reason "shutdown") by the one-time startup sweep.
type Command struct {
	base
	AgentID   uuid.UUID `gorm:"type:text;not null;index"`
	Requester string    `gorm:"not null;default:''"` // principal that submitted it
	Text      string    `gorm:"not null"`
	Priority  string    `gorm:"not null;default:'normal'"`
	Status    string    `gorm:"not null;default:'queued';index"`
	ExitCode  *int
	Error     string `gorm:"not null;default:''"`

	QueuedAt     time.Time `gorm:"not null"`
	DispatchedAt *time.Time
	CompletedAt  *time.Time
	// ExecutionTimeMs is computed by the router from its own clock
	// (dispatch → terminal transition) so there is a single authoritative
	// timing source.
	ExecutionTimeMs int64 `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Audit
// -----------------------------------------------------------------------------

// AuditEntry is one append-only audit record. Immutable once written: the
// audit service only ever inserts (idempotently on ID) and the retention
// sweep only ever deletes whole rows past the window.
type AuditEntry struct {
	// ID is assigned at the call site so retried writes are idempotent.
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null;index"`

	EventKind string     `gorm:"not null;index"`
	UserID    *uuid.UUID `gorm:"type:text;index"`
	AgentID   *uuid.UUID `gorm:"type:text;index"`
	CommandID *uuid.UUID `gorm:"type:text;index"`

	// Details is the redacted details map serialised as JSON. Sensitive keys
	// are elided or replaced with "[REDACTED]" before this row exists.
	Details string `gorm:"type:text;not null;default:'{}'"`

	SourceIP  string `gorm:"not null;default:''"`
	UserAgent string `gorm:"not null;default:''"`
}
