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

// claimScanBatch is how many pending rows a single claim transaction locks
// and inspects. Candidates that fail the capability subset test in Go are
// skipped; the batch bounds the work done while holding row locks.
const claimScanBatch = 32

// gormJobRepository is the GORM implementation of JobRepository.
type gormJobRepository struct {
	db       *gorm.DB
	postgres bool
}

// NewJobRepository returns a JobRepository backed by the provided *gorm.DB.
func NewJobRepository(database *gorm.DB) JobRepository {
	return &gormJobRepository{db: database, postgres: db.IsPostgres(database)}
}

// Create inserts a new job record.
// Returns ErrConflict when the idempotency key is already taken.
func (r *gormJobRepository) Create(ctx context.Context, job *db.Job) error {
	if err := r.db.WithContext(ctx).Create(job).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrConflict
		}
		return fmt.Errorf("jobs: create: %w", err)
	}
	return nil
}

// GetByID retrieves a job by its UUID.
// Returns ErrNotFound if no record exists.
func (r *gormJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by id: %w", err)
	}
	return &job, nil
}

// GetByIdempotencyKey retrieves the job previously enqueued under key.
func (r *gormJobRepository) GetByIdempotencyKey(ctx context.Context, key string) (*db.Job, error) {
	var job db.Job
	err := r.db.WithContext(ctx).First(&job, "idempotency_key = ?", key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: get by idempotency key: %w", err)
	}
	return &job, nil
}

// List returns a paginated, filtered list of jobs and the total count,
// ordered by creation time descending (most recent first).
func (r *gormJobRepository) List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error) {
	q := r.db.WithContext(ctx).Model(&db.Job{})
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.WorkflowID != (uuid.UUID{}) {
		q = q.Where("workflow_id = ?", filter.WorkflowID)
	}
	if filter.RobotID != (uuid.UUID{}) {
		q = q.Where("claimed_by = ?", filter.RobotID)
	}
	if filter.TenantID != "" {
		q = q.Where("tenant_id = ?", filter.TenantID)
	}
	if filter.ScheduleID != (uuid.UUID{}) {
		q = q.Where("schedule_id = ?", filter.ScheduleID)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list count: %w", err)
	}

	var jobs []db.Job
	if err := q.
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&jobs).Error; err != nil {
		return nil, 0, fmt.Errorf("jobs: list: %w", err)
	}
	return jobs, total, nil
}

// -----------------------------------------------------------------------------
// Claim & lease protocol
// -----------------------------------------------------------------------------

// ClaimNext implements the atomic claim in a single transaction:
//
//  1. Lock candidate rows (FOR UPDATE SKIP LOCKED on PostgreSQL; on SQLite
//     the single-writer connection serializes claimers) restricted to
//     pending, unclaimed, due jobs matching the filter predicates.
//  2. Walk candidates in (priority DESC, created_at ASC) order and skip the
//     ones whose required capabilities exceed the claimer's.
//  3. Transition the first survivor to claimed with the lease fields set,
//     guarded once more on (status='pending' AND claimed_by IS NULL) so a
//     row changed between scan and update is never double-claimed.
func (r *gormJobRepository) ClaimNext(ctx context.Context, robotID uuid.UUID, filter ClaimFilter, now time.Time) (*db.Job, error) {
	var claimed *db.Job

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		q := tx.
			Where("status = ? AND claimed_by IS NULL", "pending").
			Where("cancel_requested = ?", false).
			Where("scheduled_time IS NULL OR scheduled_time <= ?", now)
		if filter.JobID != nil {
			q = q.Where("id = ?", *filter.JobID)
		}
		if len(filter.WorkflowIDs) > 0 {
			q = q.Where("workflow_id IN ?", filter.WorkflowIDs)
		}
		q = q.Order("priority DESC").Order("created_at ASC").Limit(claimScanBatch)
		if r.postgres {
			q = q.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}

		var candidates []db.Job
		if err := q.Find(&candidates).Error; err != nil {
			return fmt.Errorf("jobs: claim scan: %w", err)
		}

		for i := range candidates {
			job := &candidates[i]
			if filter.Capabilities != nil && !filter.Capabilities.ContainsAll(job.RequiredCaps) {
				continue
			}

			res := tx.Model(&db.Job{}).
				Where("id = ? AND status = ? AND claimed_by IS NULL", job.ID, "pending").
				Updates(map[string]interface{}{
					"status":         "claimed",
					"claimed_by":     robotID,
					"claimed_at":     now,
					"lock_heartbeat": now,
				})
			if res.Error != nil {
				return fmt.Errorf("jobs: claim update: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				// Lost a race on this row; try the next candidate.
				continue
			}

			job.Status = "claimed"
			job.ClaimedBy = &robotID
			job.ClaimedAt = &now
			job.LockHeartbeat = &now
			claimed = job
			return nil
		}
		return ErrNotFound
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return claimed, nil
}

// RenewLease advances lock_heartbeat under the lease guard. The CASE keeps
// the heartbeat monotonically non-decreasing even if renewals arrive out of
// order from a reconnecting robot.
func (r *gormJobRepository) RenewLease(ctx context.Context, jobID, robotID uuid.UUID, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status IN ?", jobID, robotID, []string{"claimed", "running"}).
		Update("lock_heartbeat", gorm.Expr(
			"CASE WHEN lock_heartbeat IS NOT NULL AND lock_heartbeat > ? THEN lock_heartbeat ELSE ? END", now, now,
		))
	if res.Error != nil {
		return fmt.Errorf("jobs: renew lease: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SetRunning transitions claimed -> running for the lease holder.
func (r *gormJobRepository) SetRunning(ctx context.Context, jobID, robotID uuid.UUID, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, robotID, "claimed").
		Updates(map[string]interface{}{
			"status":         "running",
			"started_at":     now,
			"lock_heartbeat": now,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: set running: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// SetProgress applies a lease-guarded progress update. Out-of-order frames
// (msg ID not greater than the last applied) are discarded silently; the
// newer state already won.
func (r *gormJobRepository) SetProgress(ctx context.Context, jobID, robotID uuid.UUID, progress int, currentNode, msgID string) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status IN ?", jobID, robotID, []string{"claimed", "running"}).
		Where("last_msg_id = '' OR last_msg_id < ?", msgID).
		Updates(map[string]interface{}{
			"progress":     progress,
			"current_node": currentNode,
			"last_msg_id":  msgID,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: set progress: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// Either the lease is gone or the frame is stale. Distinguish so the
		// session can tear down on a lost lease but ignore stale frames.
		var job db.Job
		if err := r.db.WithContext(ctx).Select("claimed_by", "status", "last_msg_id").
			First(&job, "id = ?", jobID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("jobs: set progress recheck: %w", err)
		}
		if job.ClaimedBy == nil || *job.ClaimedBy != robotID {
			return ErrLeaseLost
		}
		return nil // stale frame, drop
	}
	return nil
}

// CompleteOwned records terminal success for the lease holder and computes
// the run duration. Replays against a terminal job return ErrTerminal so the
// transport can re-ack idempotently without side effects.
func (r *gormJobRepository) CompleteOwned(ctx context.Context, jobID, robotID uuid.UUID, result []byte, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := lockJob(tx, jobID, r.postgres)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return ErrTerminal
		}
		if job.ClaimedBy == nil || *job.ClaimedBy != robotID {
			return ErrLeaseLost
		}

		var durationMS int64
		if job.StartedAt != nil {
			durationMS = now.Sub(*job.StartedAt).Milliseconds()
		}
		res := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":       "completed",
			"result":       result,
			"progress":     100,
			"completed_at": now,
			"duration_ms":  durationMS,
		})
		if res.Error != nil {
			return fmt.Errorf("jobs: complete: %w", res.Error)
		}
		return nil
	})
}

// FailRetry returns the job to pending for another attempt. The lease is
// cleared and the next claim deferred to nextAttempt (retry backoff).
func (r *gormJobRepository) FailRetry(ctx context.Context, jobID, robotID uuid.UUID, errMsg, errCode string, nextAttempt time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := lockJob(tx, jobID, r.postgres)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return ErrTerminal
		}
		if job.ClaimedBy == nil || *job.ClaimedBy != robotID {
			return ErrLeaseLost
		}

		res := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":         "pending",
			"retry_count":    job.RetryCount + 1,
			"error":          errMsg,
			"error_code":     errCode,
			"scheduled_time": nextAttempt,
			"claimed_by":     nil,
			"claimed_at":     nil,
			"lock_heartbeat": nil,
			"progress":       0,
			"current_node":   "",
			"started_at":     nil,
		})
		if res.Error != nil {
			return fmt.Errorf("jobs: fail retry: %w", res.Error)
		}
		return nil
	})
}

// ReleaseOwned undoes a claim: the job returns to pending with the lease
// cleared and retry_count untouched. Only legal from claimed (an accepted
// job is running and must settle through Fail/Complete).
func (r *gormJobRepository) ReleaseOwned(ctx context.Context, jobID, robotID uuid.UUID) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND claimed_by = ? AND status = ?", jobID, robotID, "claimed").
		Updates(map[string]interface{}{
			"status":         "pending",
			"claimed_by":     nil,
			"claimed_at":     nil,
			"lock_heartbeat": nil,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: release claim: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrLeaseLost
	}
	return nil
}

// FailTerminal records a terminal failure status. When robotID is non-nil
// the update is lease-guarded; server-side terminations (timeout sweep,
// cancel grace expiry, stale reclaim past budget) pass nil and override the
// lease.
func (r *gormJobRepository) FailTerminal(ctx context.Context, jobID uuid.UUID, robotID *uuid.UUID, status, errMsg, errCode string, now time.Time) error {
	switch status {
	case "failed", "cancelled", "timeout":
	default:
		return fmt.Errorf("jobs: %q is not a terminal failure status", status)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		job, err := lockJob(tx, jobID, r.postgres)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return ErrTerminal
		}
		if robotID != nil && (job.ClaimedBy == nil || *job.ClaimedBy != *robotID) {
			return ErrLeaseLost
		}

		var durationMS int64
		if job.StartedAt != nil {
			durationMS = now.Sub(*job.StartedAt).Milliseconds()
		}
		res := tx.Model(&db.Job{}).Where("id = ?", jobID).Updates(map[string]interface{}{
			"status":         status,
			"error":          errMsg,
			"error_code":     errCode,
			"completed_at":   now,
			"duration_ms":    durationMS,
			"claimed_by":     nil,
			"claimed_at":     nil,
			"lock_heartbeat": nil,
		})
		if res.Error != nil {
			return fmt.Errorf("jobs: fail terminal: %w", res.Error)
		}
		return nil
	})
}

// MarkCancelRequested flags a non-terminal job for cooperative cancel.
func (r *gormJobRepository) MarkCancelRequested(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status IN ?", jobID, []string{"claimed", "running"}).
		Updates(map[string]interface{}{
			"cancel_requested": true,
			"cancel_reason":    reason,
			"cancelled_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: mark cancel requested: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// CancelPending transitions a still-pending job directly to cancelled.
func (r *gormJobRepository) CancelPending(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) error {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("id = ? AND status = ?", jobID, "pending").
		Updates(map[string]interface{}{
			"status":           "cancelled",
			"cancel_requested": true,
			"cancel_reason":    reason,
			"cancelled_at":     now,
			"completed_at":     now,
		})
	if res.Error != nil {
		return fmt.Errorf("jobs: cancel pending: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrConflict
	}
	return nil
}

// -----------------------------------------------------------------------------
// Sweeps
// -----------------------------------------------------------------------------

// ListStaleLeases returns claimed/running jobs whose heartbeat lapsed.
func (r *gormJobRepository) ListStaleLeases(ctx context.Context, timeout time.Duration, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND lock_heartbeat < ?", []string{"claimed", "running"}, now.Add(-timeout)).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list stale leases: %w", err)
	}
	return jobs, nil
}

// ListExpiredTimeouts returns running jobs past their timeout budget.
// Jobs with timeout_seconds = 0 never expire.
func (r *gormJobRepository) ListExpiredTimeouts(ctx context.Context, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND timeout_seconds > 0 AND started_at IS NOT NULL", "running").
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list expired timeouts: %w", err)
	}
	// The deadline arithmetic is done in Go: interval math on a column is not
	// portable between the two dialects.
	out := jobs[:0]
	for _, j := range jobs {
		if now.After(j.StartedAt.Add(time.Duration(j.TimeoutSeconds) * time.Second)) {
			out = append(out, j)
		}
	}
	return out, nil
}

// ListCancelGraceExpired returns jobs whose cooperative cancel went
// unacknowledged past the grace window.
func (r *gormJobRepository) ListCancelGraceExpired(ctx context.Context, grace time.Duration, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status IN ? AND cancel_requested = ? AND cancelled_at < ?",
			[]string{"claimed", "running"}, true, now.Add(-grace)).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list cancel grace expired: %w", err)
	}
	return jobs, nil
}

// ListPending returns claimable pending jobs in dispatch order.
func (r *gormJobRepository) ListPending(ctx context.Context, limit int, now time.Time) ([]db.Job, error) {
	var jobs []db.Job
	if err := r.db.WithContext(ctx).
		Where("status = ? AND claimed_by IS NULL", "pending").
		Where("cancel_requested = ?", false).
		Where("scheduled_time IS NULL OR scheduled_time <= ?", now).
		Order("priority DESC").Order("created_at ASC").
		Limit(limit).
		Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("jobs: list pending: %w", err)
	}
	return jobs, nil
}

// ClearIdempotencyKeys nulls the idempotency keys of long-settled jobs. The
// dedup window only needs to outlive retries and scheduler replays; after
// that the key is dead weight in the unique index.
func (r *gormJobRepository) ClearIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).Model(&db.Job{}).
		Where("idempotency_key IS NOT NULL").
		Where("status IN ?", []string{"completed", "failed", "cancelled", "timeout"}).
		Where("completed_at < ?", cutoff).
		Update("idempotency_key", nil)
	if res.Error != nil {
		return 0, fmt.Errorf("jobs: clear idempotency keys: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// -----------------------------------------------------------------------------
// History
// -----------------------------------------------------------------------------

// AppendHistory inserts an audit row. History is append-only.
func (r *gormJobRepository) AppendHistory(ctx context.Context, h *db.JobHistory) error {
	if err := r.db.WithContext(ctx).Create(h).Error; err != nil {
		return fmt.Errorf("jobs: append history: %w", err)
	}
	return nil
}

// ListHistory returns all audit rows for a job in insertion order.
func (r *gormJobRepository) ListHistory(ctx context.Context, jobID uuid.UUID) ([]db.JobHistory, error) {
	var rows []db.JobHistory
	if err := r.db.WithContext(ctx).
		Where("job_id = ?", jobID).
		Order("created_at ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("jobs: list history: %w", err)
	}
	return rows, nil
}

// CountClaims returns how many times a job transitioned pending -> claimed,
// counted from the history audit.
func (r *gormJobRepository) CountClaims(ctx context.Context, jobID uuid.UUID) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&db.JobHistory{}).
		Where("job_id = ? AND event_type = ?", jobID, "claimed").
		Count(&n).Error; err != nil {
		return 0, fmt.Errorf("jobs: count claims: %w", err)
	}
	return n, nil
}

// lockJob loads a job row, FOR UPDATE on PostgreSQL, inside tx.
func lockJob(tx *gorm.DB, jobID uuid.UUID, postgres bool) (*db.Job, error) {
	q := tx
	if postgres {
		q = q.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var job db.Job
	if err := q.First(&job, "id = ?", jobID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("jobs: lock row: %w", err)
	}
	return &job, nil
}
