// Package repositories contains the GORM-backed data access layer for the
// agent directory, command history, and audit table. Repositories are plain
// interfaces so the registry, router, and audit service can be tested against
// in-memory fakes.
package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/onsembl/onsembl/server/internal/db"
)

// AgentRepository persists the agent directory: the stable id ↔ name mapping
// and last-declared capabilities that must survive server restarts.
type AgentRepository interface {
	Upsert(ctx context.Context, agent *db.Agent) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error)
	List(ctx context.Context) ([]db.Agent, error)
	TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error
	IncrementRestartCount(ctx context.Context, id uuid.UUID) error
}

// gormAgentRepository is the GORM implementation of AgentRepository.
type gormAgentRepository struct {
	db *gorm.DB
}

// NewAgentRepository returns an AgentRepository backed by the provided *gorm.DB.
func NewAgentRepository(database *gorm.DB) AgentRepository {
	return &gormAgentRepository{db: database}
}

// Upsert inserts the directory record or refreshes the mutable columns of an
// existing one. The wrapper presents the same stable id on every connect, so
// conflicts on the primary key are the common case.
func (r *gormAgentRepository) Upsert(ctx context.Context, agent *db.Agent) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"updated_at", "name", "agent_type", "hostname", "platform",
			"version", "pid", "max_tokens", "supports_interrupt",
			"supports_trace", "last_seen_at",
		}),
	}).Create(agent).Error
	if err != nil {
		return fmt.Errorf("agents: upsert: %w", err)
	}
	return nil
}

// GetByID retrieves an agent by its UUID. Returns ErrNotFound if no record exists.
func (r *gormAgentRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Agent, error) {
	var agent db.Agent
	err := r.db.WithContext(ctx).First(&agent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("agents: get by id: %w", err)
	}
	return &agent, nil
}

// List returns every directory entry ordered by creation time.
func (r *gormAgentRepository) List(ctx context.Context) ([]db.Agent, error) {
	var agents []db.Agent
	if err := r.db.WithContext(ctx).Order("created_at").Find(&agents).Error; err != nil {
		return nil, fmt.Errorf("agents: list: %w", err)
	}
	return agents, nil
}

// TouchLastSeen updates only the last_seen_at column. Called on every
// heartbeat — updating a single column avoids write amplification on the
// full row.
func (r *gormAgentRepository) TouchLastSeen(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Update("last_seen_at", at)
	if result.Error != nil {
		return fmt.Errorf("agents: touch last seen: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRestartCount bumps the wrapper restart counter.
func (r *gormAgentRepository) IncrementRestartCount(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Agent{}).
		Where("id = ?", id).
		Update("restart_count", gorm.Expr("restart_count + 1"))
	if result.Error != nil {
		return fmt.Errorf("agents: increment restart count: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
