package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/onsembl/onsembl/server/internal/db"
)

// CommandRepository persists command lifecycle transitions. The router is the
// only writer; the startup sweep reads non-terminal rows left by a crash.
type CommandRepository interface {
	Create(ctx context.Context, cmd *db.Command) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error)
	MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkRunning(ctx context.Context, id uuid.UUID) error
	Finish(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string, executionTime time.Duration) error
	// Requeue returns a dispatched command to the queued state. Used when
	// the target agent disconnects before completing it.
	Requeue(ctx context.Context, id uuid.UUID) error
	// FailInFlight transitions every queued/dispatched/running row to
	// failed with the given reason. Returns the ids of affected commands.
	// Called exactly once at server startup.
	FailInFlight(ctx context.Context, reason string) ([]uuid.UUID, error)
}

type gormCommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository returns a CommandRepository backed by the provided *gorm.DB.
func NewCommandRepository(database *gorm.DB) CommandRepository {
	return &gormCommandRepository{db: database}
}

func (r *gormCommandRepository) Create(ctx context.Context, cmd *db.Command) error {
	if err := r.db.WithContext(ctx).Create(cmd).Error; err != nil {
		return fmt.Errorf("commands: create: %w", err)
	}
	return nil
}

func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Command, error) {
	var cmd db.Command
	err := r.db.WithContext(ctx).First(&cmd, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get by id: %w", err)
	}
	return &cmd, nil
}

func (r *gormCommandRepository) MarkDispatched(ctx context.Context, id uuid.UUID, at time.Time) error {
	result := r.db.WithContext(ctx).Model(&db.Command{}).
		Where("id = ?", id).
		Updates(map[string]any{"status": "dispatched", "dispatched_at": at})
	if result.Error != nil {
		return fmt.Errorf("commands: mark dispatched: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandRepository) MarkRunning(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Command{}).
		Where("id = ?", id).
		Update("status", "running")
	if result.Error != nil {
		return fmt.Errorf("commands: mark running: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish records the single terminal transition of a command. The guard on
// the current status makes the write idempotent: once terminal, a row never
// changes again.
func (r *gormCommandRepository) Finish(ctx context.Context, id uuid.UUID, status string, exitCode *int, errMsg string, executionTime time.Duration) error {
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&db.Command{}).
		Where("id = ? AND status IN ?", id, []string{"queued", "dispatched", "running"}).
		Updates(map[string]any{
			"status":            status,
			"exit_code":         exitCode,
			"error":             errMsg,
			"completed_at":      now,
			"execution_time_ms": executionTime.Milliseconds(),
		})
	if result.Error != nil {
		return fmt.Errorf("commands: finish: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Requeue puts a non-terminal command back in the queued state. Terminal
// rows are left untouched by the same status guard Finish uses.
func (r *gormCommandRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	result := r.db.WithContext(ctx).Model(&db.Command{}).
		Where("id = ? AND status IN ?", id, []string{"dispatched", "running"}).
		Updates(map[string]any{"status": "queued", "dispatched_at": nil})
	if result.Error != nil {
		return fmt.Errorf("commands: requeue: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *gormCommandRepository) FailInFlight(ctx context.Context, reason string) ([]uuid.UUID, error) {
	inFlight := []string{"queued", "dispatched", "running"}

	var ids []uuid.UUID
	err := r.db.WithContext(ctx).Model(&db.Command{}).
		Where("status IN ?", inFlight).
		Pluck("id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("commands: list in-flight: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	err = r.db.WithContext(ctx).Model(&db.Command{}).
		Where("status IN ?", inFlight).
		Updates(map[string]any{
			"status":       "failed",
			"error":        reason,
			"completed_at": time.Now().UTC(),
		}).Error
	if err != nil {
		return nil, fmt.Errorf("commands: fail in-flight: %w", err)
	}
	return ids, nil
}
