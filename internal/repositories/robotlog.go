package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// gormRobotLogRepository is the GORM implementation of RobotLogRepository.
type gormRobotLogRepository struct {
	db       *gorm.DB
	postgres bool
}

// NewRobotLogRepository returns a RobotLogRepository backed by the provided
// *gorm.DB.
func NewRobotLogRepository(database *gorm.DB) RobotLogRepository {
	return &gormRobotLogRepository{db: database, postgres: db.IsPostgres(database)}
}

// BulkCreate inserts a batch of log lines in one statement. Batches arrive
// per PROGRESS frame, already capped by the transport frame size.
func (r *gormRobotLogRepository) BulkCreate(ctx context.Context, logs []db.RobotLog) error {
	if len(logs) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Create(&logs).Error; err != nil {
		return fmt.Errorf("robot logs: bulk create: %w", err)
	}
	return nil
}

// ListByRobot returns a page of log lines for a robot, newest first.
func (r *gormRobotLogRepository) ListByRobot(ctx context.Context, robotID uuid.UUID, opts ListOptions) ([]db.RobotLog, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.RobotLog{}).Where("robot_id = ?", robotID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("robot logs: list count: %w", err)
	}
	var logs []db.RobotLog
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("timestamp DESC").
		Find(&logs).Error; err != nil {
		return nil, 0, fmt.Errorf("robot logs: list by robot: %w", err)
	}
	return logs, total, nil
}

// ListByJob returns all log lines recorded for a job in chronological order.
func (r *gormRobotLogRepository) ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.RobotLog, error) {
	var logs []db.RobotLog
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("timestamp ASC").
		Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("robot logs: list by job: %w", err)
	}
	return logs, nil
}

// DeleteOlderThan removes log rows past retention with a plain DELETE.
// On PostgreSQL retention is handled by DropOldPartitions instead; this
// remains available for ad-hoc cleanup of the current partitions.
func (r *gormRobotLogRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("timestamp < ?", cutoff).
		Delete(&db.RobotLog{})
	if res.Error != nil {
		return 0, fmt.Errorf("robot logs: delete older than: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// EnsureFuturePartitions creates monthly partitions ahead of time on
// PostgreSQL. No-op on SQLite, where robot_logs is a plain table.
func (r *gormRobotLogRepository) EnsureFuturePartitions(ctx context.Context, monthsAhead int) error {
	if !r.postgres {
		return nil
	}
	if err := r.db.WithContext(ctx).
		Exec("SELECT ensure_future_log_partitions(?)", monthsAhead).Error; err != nil {
		return fmt.Errorf("robot logs: ensure partitions: %w", err)
	}
	return nil
}

// DropOldPartitions drops partitions whose range lies entirely past
// retention and returns how many were dropped. No-op on SQLite.
func (r *gormRobotLogRepository) DropOldPartitions(ctx context.Context, retentionDays int) (int64, error) {
	if !r.postgres {
		return 0, nil
	}
	var dropped int64
	if err := r.db.WithContext(ctx).
		Raw("SELECT drop_old_log_partitions(?)", retentionDays).
		Scan(&dropped).Error; err != nil {
		return 0, fmt.Errorf("robot logs: drop partitions: %w", err)
	}
	return dropped, nil
}
