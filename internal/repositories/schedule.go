package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// gormScheduleRepository is the GORM implementation of ScheduleRepository.
type gormScheduleRepository struct {
	db       *gorm.DB
	postgres bool
}

// NewScheduleRepository returns a ScheduleRepository backed by the provided *gorm.DB.
func NewScheduleRepository(database *gorm.DB) ScheduleRepository {
	return &gormScheduleRepository{db: database, postgres: db.IsPostgres(database)}
}

// Create inserts a new schedule record.
func (r *gormScheduleRepository) Create(ctx context.Context, s *db.Schedule) error {
	if err := r.db.WithContext(ctx).Create(s).Error; err != nil {
		return fmt.Errorf("schedules: create: %w", err)
	}
	return nil
}

// GetByID retrieves a schedule by its UUID.
func (r *gormScheduleRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error) {
	var s db.Schedule
	err := r.db.WithContext(ctx).First(&s, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("schedules: get by id: %w", err)
	}
	return &s, nil
}

// Update saves the mutable schedule fields, including a recomputed next_run.
func (r *gormScheduleRepository) Update(ctx context.Context, s *db.Schedule) error {
	res := r.db.WithContext(ctx).Model(s).
		Select("name", "cron_expression", "timezone", "enabled", "priority",
			"inputs", "next_run").
		Updates(s)
	if res.Error != nil {
		return fmt.Errorf("schedules: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetEnabled toggles a schedule on or off.
func (r *gormScheduleRepository) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	res := r.db.WithContext(ctx).Model(&db.Schedule{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if res.Error != nil {
		return fmt.Errorf("schedules: set enabled: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a schedule record.
func (r *gormScheduleRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.Schedule{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("schedules: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of schedules and the total count.
func (r *gormScheduleRepository) List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Schedule{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list count: %w", err)
	}
	var schedules []db.Schedule
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&schedules).Error; err != nil {
		return nil, 0, fmt.Errorf("schedules: list: %w", err)
	}
	return schedules, total, nil
}

// ListDue returns enabled schedules whose next_run has arrived, oldest first.
// On PostgreSQL the rows are locked with SKIP LOCKED so concurrent scheduler
// replicas partition the due set instead of contending on it.
func (r *gormScheduleRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]db.Schedule, error) {
	q := r.db.WithContext(ctx).
		Where("enabled = ? AND next_run IS NOT NULL AND next_run <= ?", true, now).
		Order("next_run ASC").
		Limit(limit)
	if r.postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var schedules []db.Schedule
	if err := q.Find(&schedules).Error; err != nil {
		return nil, fmt.Errorf("schedules: list due: %w", err)
	}
	return schedules, nil
}

// AdvanceAfterFire advances the schedule past a fire, guarded on the
// next_run value the caller observed. A replica that lost the race gets
// ErrStaleAdvance and must not materialize a job for this occurrence.
func (r *gormScheduleRepository) AdvanceAfterFire(ctx context.Context, id uuid.UUID, observedNextRun, lastRun, nextRun time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Schedule{}).
		Where("id = ? AND next_run = ?", id, observedNextRun).
		Updates(map[string]interface{}{
			"last_run":  lastRun,
			"next_run":  nextRun,
			"run_count": gorm.Expr("run_count + 1"),
		})
	if res.Error != nil {
		return fmt.Errorf("schedules: advance after fire: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrStaleAdvance
	}
	return nil
}

// RecordFailure counts a failed fire without advancing next_run.
func (r *gormScheduleRepository) RecordFailure(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Schedule{}).
		Where("id = ?", id).
		Update("failure_count", gorm.Expr("failure_count + 1"))
	if res.Error != nil {
		return fmt.Errorf("schedules: record failure: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
