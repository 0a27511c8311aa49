package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// gormDLQRepository is the GORM implementation of DLQRepository.
type gormDLQRepository struct {
	db *gorm.DB
}

// NewDLQRepository returns a DLQRepository backed by the provided *gorm.DB.
func NewDLQRepository(database *gorm.DB) DLQRepository {
	return &gormDLQRepository{db: database}
}

// Create parks a dead-lettered job. One entry per job; a duplicate insert
// returns ErrConflict.
func (r *gormDLQRepository) Create(ctx context.Context, e *db.DLQEntry) error {
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("dlq: create: %w", err)
	}
	return nil
}

// GetByID retrieves a DLQ entry by its UUID.
func (r *gormDLQRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.DLQEntry, error) {
	var e db.DLQEntry
	err := r.db.WithContext(ctx).First(&e, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dlq: get by id: %w", err)
	}
	return &e, nil
}

// GetByJobID retrieves the DLQ entry for the given job.
func (r *gormDLQRepository) GetByJobID(ctx context.Context, jobID uuid.UUID) (*db.DLQEntry, error) {
	var e db.DLQEntry
	err := r.db.WithContext(ctx).First(&e, "job_id = ?", jobID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("dlq: get by job id: %w", err)
	}
	return &e, nil
}

// Delete removes a DLQ entry, after a manual retry or purge.
func (r *gormDLQRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.DLQEntry{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("dlq: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of DLQ entries, most recently failed first.
func (r *gormDLQRepository) List(ctx context.Context, opts ListOptions) ([]db.DLQEntry, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.DLQEntry{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("dlq: list count: %w", err)
	}
	var entries []db.DLQEntry
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("failed_at DESC").
		Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("dlq: list: %w", err)
	}
	return entries, total, nil
}

// DeleteOlderThan purges entries that failed before cutoff and returns how
// many were removed.
func (r *gormDLQRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("failed_at < ?", cutoff).
		Delete(&db.DLQEntry{})
	if res.Error != nil {
		return 0, fmt.Errorf("dlq: delete older than: %w", res.Error)
	}
	return res.RowsAffected, nil
}
