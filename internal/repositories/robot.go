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

// slotCASRetries bounds optimistic retries of the slot compare-and-set when
// concurrent dispatches race on the same robot row.
const slotCASRetries = 5

// gormRobotRepository is the GORM implementation of RobotRepository.
type gormRobotRepository struct {
	db *gorm.DB
}

// NewRobotRepository returns a RobotRepository backed by the provided *gorm.DB.
func NewRobotRepository(database *gorm.DB) RobotRepository {
	return &gormRobotRepository{db: database}
}

// Create inserts a new robot record.
func (r *gormRobotRepository) Create(ctx context.Context, robot *db.Robot) error {
	if err := r.db.WithContext(ctx).Create(robot).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("robots: create: %w", err)
	}
	return nil
}

// GetByID retrieves a robot by its UUID.
func (r *gormRobotRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Robot, error) {
	var robot db.Robot
	err := r.db.WithContext(ctx).First(&robot, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("robots: get by id: %w", err)
	}
	return &robot, nil
}

// GetByHostname retrieves the robot registered under hostname. Used for
// re-registration after an agent reinstall keeps the machine identity stable.
func (r *gormRobotRepository) GetByHostname(ctx context.Context, hostname string) (*db.Robot, error) {
	var robot db.Robot
	err := r.db.WithContext(ctx).First(&robot, "hostname = ?", hostname).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("robots: get by hostname: %w", err)
	}
	return &robot, nil
}

// Update saves the full robot record.
func (r *gormRobotRepository) Update(ctx context.Context, robot *db.Robot) error {
	res := r.db.WithContext(ctx).Model(robot).
		Select("name", "hostname", "status", "capabilities", "tags",
			"max_concurrent_jobs", "version", "metrics").
		Updates(robot)
	if res.Error != nil {
		return fmt.Errorf("robots: update: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStatus sets the robot status and stamps last_heartbeat.
func (r *gormRobotRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Robot{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         status,
			"last_heartbeat": at,
		})
	if res.Error != nil {
		return fmt.Errorf("robots: update status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateHeartbeat stamps last_heartbeat and the latest metrics snapshot.
// A heartbeat from a robot marked offline brings it back online.
func (r *gormRobotRepository) UpdateHeartbeat(ctx context.Context, id uuid.UUID, metrics db.JSONMap, at time.Time) error {
	updates := map[string]interface{}{
		"last_heartbeat": at,
		"status":         gorm.Expr("CASE WHEN status = 'offline' THEN 'online' ELSE status END"),
	}
	if metrics != nil {
		updates["metrics"] = metrics
	}
	res := r.db.WithContext(ctx).Model(&db.Robot{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("robots: update heartbeat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCapabilities replaces the robot's advertised capability set.
func (r *gormRobotRepository) UpdateCapabilities(ctx context.Context, id uuid.UUID, caps db.StringSet) error {
	res := r.db.WithContext(ctx).Model(&db.Robot{}).
		Where("id = ?", id).
		Update("capabilities", caps)
	if res.Error != nil {
		return fmt.Errorf("robots: update capabilities: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes a robot record.
func (r *gormRobotRepository) Delete(ctx context.Context, id uuid.UUID) error {
	res := r.db.WithContext(ctx).Delete(&db.Robot{}, "id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("robots: delete: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns a paginated list of robots and the total count.
func (r *gormRobotRepository) List(ctx context.Context, opts ListOptions) ([]db.Robot, int64, error) {
	var total int64
	if err := r.db.WithContext(ctx).Model(&db.Robot{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("robots: list count: %w", err)
	}
	var robots []db.Robot
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("name ASC").
		Find(&robots).Error; err != nil {
		return nil, 0, fmt.Errorf("robots: list: %w", err)
	}
	return robots, total, nil
}

// ListByStatus returns all robots in the given status.
func (r *gormRobotRepository) ListByStatus(ctx context.Context, status string) ([]db.Robot, error) {
	var robots []db.Robot
	if err := r.db.WithContext(ctx).
		Where("status = ?", status).
		Order("name ASC").
		Find(&robots).Error; err != nil {
		return nil, fmt.Errorf("robots: list by status: %w", err)
	}
	return robots, nil
}

// AcquireSlot reserves a concurrency slot for jobID via compare-and-set on
// the serialized current_job_ids column. The guard re-checks the exact stored
// value, so two dispatchers racing on the same robot cannot both take the
// last slot; the loser retries against the fresh row.
func (r *gormRobotRepository) AcquireSlot(ctx context.Context, robotID, jobID uuid.UUID) error {
	for attempt := 0; attempt < slotCASRetries; attempt++ {
		robot, err := r.GetByID(ctx, robotID)
		if err != nil {
			return err
		}
		if robot.CurrentJobIDs.Contains(jobID.String()) {
			return nil // already held, idempotent
		}
		if len(robot.CurrentJobIDs) >= robot.MaxConcurrentJobs {
			return ErrSlotsExhausted
		}

		oldValue, err := robot.CurrentJobIDs.Value()
		if err != nil {
			return fmt.Errorf("robots: acquire slot: %w", err)
		}
		res := r.db.WithContext(ctx).Model(&db.Robot{}).
			Where("id = ? AND current_job_ids = ?", robotID, oldValue).
			Update("current_job_ids", robot.CurrentJobIDs.Add(jobID.String()))
		if res.Error != nil {
			return fmt.Errorf("robots: acquire slot: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
		// Row changed underneath us, retry with fresh state.
	}
	return ErrConflict
}

// ReleaseSlot removes jobID from current_job_ids. Releasing a slot that is
// not held is a no-op so release is safe to call on every terminal path.
func (r *gormRobotRepository) ReleaseSlot(ctx context.Context, robotID, jobID uuid.UUID) error {
	for attempt := 0; attempt < slotCASRetries; attempt++ {
		robot, err := r.GetByID(ctx, robotID)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil // robot deleted, nothing to release
			}
			return err
		}
		if !robot.CurrentJobIDs.Contains(jobID.String()) {
			return nil
		}

		oldValue, err := robot.CurrentJobIDs.Value()
		if err != nil {
			return fmt.Errorf("robots: release slot: %w", err)
		}
		res := r.db.WithContext(ctx).Model(&db.Robot{}).
			Where("id = ? AND current_job_ids = ?", robotID, oldValue).
			Update("current_job_ids", robot.CurrentJobIDs.Remove(jobID.String()))
		if res.Error != nil {
			return fmt.Errorf("robots: release slot: %w", res.Error)
		}
		if res.RowsAffected == 1 {
			return nil
		}
	}
	return ErrConflict
}

// ListMissedHeartbeats returns robots whose last heartbeat lapsed and that
// have not been marked offline yet. Robots in maintenance are excluded: they
// are expected to be silent.
func (r *gormRobotRepository) ListMissedHeartbeats(ctx context.Context, cutoff time.Duration, now time.Time) ([]db.Robot, error) {
	var robots []db.Robot
	if err := r.db.WithContext(ctx).
		Where("status NOT IN ?", []string{"offline", "maintenance"}).
		Where("last_heartbeat IS NULL OR last_heartbeat < ?", now.Add(-cutoff)).
		Find(&robots).Error; err != nil {
		return nil, fmt.Errorf("robots: list missed heartbeats: %w", err)
	}
	return robots, nil
}
