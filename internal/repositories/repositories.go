// Package repositories defines the persistence interfaces of the
// orchestration core and their GORM implementations. Each owning component
// (queue, registry, scheduler) talks to the database exclusively through its
// repository; no component mutates entities it does not own.
package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// -----------------------------------------------------------------------------
// Common
// -----------------------------------------------------------------------------

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// JobFilter narrows job list queries. Zero values mean "no constraint".
type JobFilter struct {
	Status     string
	WorkflowID uuid.UUID
	RobotID    uuid.UUID
	TenantID   string
	ScheduleID uuid.UUID
}

// ClaimFilter constrains which pending jobs a claim may select.
// Capabilities is the claiming robot's capability set: only jobs whose
// required_caps are a subset of it are eligible. WorkflowIDs, when non-empty,
// restricts eligibility to jobs of those workflows (assignment routing).
// JobID, when set, restricts the claim to exactly that job; the dispatcher
// uses this for targeted claims ahead of transmission.
type ClaimFilter struct {
	Capabilities db.StringSet
	WorkflowIDs  []uuid.UUID
	JobID        *uuid.UUID
}

// -----------------------------------------------------------------------------
// JobRepository
// -----------------------------------------------------------------------------

// JobRepository persists jobs, their history, and the claim/lease protocol.
// The queue component is its only writer.
type JobRepository interface {
	Create(ctx context.Context, job *db.Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Job, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*db.Job, error)
	List(ctx context.Context, filter JobFilter, opts ListOptions) ([]db.Job, int64, error)

	// ClaimNext atomically transitions one eligible pending job to claimed
	// for the given robot and returns it. Selection order is priority DESC,
	// created_at ASC. Returns ErrNotFound when no eligible job exists.
	// Serializable against concurrent claimers: uses FOR UPDATE SKIP LOCKED
	// on PostgreSQL and the single-writer connection on SQLite, so two
	// robots can never claim the same job.
	ClaimNext(ctx context.Context, robotID uuid.UUID, filter ClaimFilter, now time.Time) (*db.Job, error)

	// RenewLease advances lock_heartbeat iff the robot still holds the lease
	// and the job is claimed or running. Returns ErrLeaseLost otherwise.
	// The heartbeat never moves backwards.
	RenewLease(ctx context.Context, jobID, robotID uuid.UUID, now time.Time) error

	// SetRunning transitions claimed -> running and stamps started_at.
	SetRunning(ctx context.Context, jobID, robotID uuid.UUID, now time.Time) error

	// SetProgress is a lease-guarded progress/current-node update, ordered by
	// per-job message ID: updates carrying a msg ID not greater than the last
	// applied one are discarded (returned as nil without effect).
	SetProgress(ctx context.Context, jobID, robotID uuid.UUID, progress int, currentNode, msgID string) error

	// CompleteOwned records terminal success. Guarded by lease ownership and
	// terminal absorption: a replayed completion returns ErrTerminal.
	CompleteOwned(ctx context.Context, jobID, robotID uuid.UUID, result []byte, now time.Time) error

	// FailRetry returns a claimed/running job to pending for another attempt:
	// increments retry_count, clears the lease, defers the next claim to
	// nextAttempt. Guarded by lease ownership.
	FailRetry(ctx context.Context, jobID, robotID uuid.UUID, errMsg, errCode string, nextAttempt time.Time) error

	// ReleaseOwned returns a claimed job to pending without consuming a
	// retry attempt. Used when an ASSIGN is never acknowledged: the claim
	// is undone rather than failed. Guarded by lease ownership.
	ReleaseOwned(ctx context.Context, jobID, robotID uuid.UUID) error

	// FailTerminal records a terminal failure status (failed, cancelled or
	// timeout), clearing the lease. RobotID may be uuid.Nil for server-side
	// terminations (grace expiry, timeout sweep).
	FailTerminal(ctx context.Context, jobID uuid.UUID, robotID *uuid.UUID, status, errMsg, errCode string, now time.Time) error

	// MarkCancelRequested flags a claimed/running job for cooperative cancel.
	MarkCancelRequested(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) error

	// CancelPending transitions a still-pending job directly to cancelled.
	// Returns ErrConflict if the job is no longer pending.
	CancelPending(ctx context.Context, jobID uuid.UUID, reason string, now time.Time) error

	// ListStaleLeases returns claimed/running jobs whose lock_heartbeat is
	// older than now-timeout, for the stale-lock sweep.
	ListStaleLeases(ctx context.Context, timeout time.Duration, now time.Time) ([]db.Job, error)

	// ListExpiredTimeouts returns running jobs that exceeded their
	// timeout_seconds budget measured from started_at.
	ListExpiredTimeouts(ctx context.Context, now time.Time) ([]db.Job, error)

	// ListCancelGraceExpired returns claimed/running jobs whose cancel was
	// requested more than grace ago and that still have not gone terminal.
	ListCancelGraceExpired(ctx context.Context, grace time.Duration, now time.Time) ([]db.Job, error)

	// ListPending returns claimable pending jobs in dispatch order.
	ListPending(ctx context.Context, limit int, now time.Time) ([]db.Job, error)

	// ClearIdempotencyKeys releases the idempotency keys of jobs terminal
	// since before cutoff, so old keys become reusable and the unique index
	// stays bounded. Returns how many keys were cleared.
	ClearIdempotencyKeys(ctx context.Context, cutoff time.Time) (int64, error)

	// History
	AppendHistory(ctx context.Context, h *db.JobHistory) error
	ListHistory(ctx context.Context, jobID uuid.UUID) ([]db.JobHistory, error)
	CountClaims(ctx context.Context, jobID uuid.UUID) (int64, error)
}

// -----------------------------------------------------------------------------
// RobotRepository
// -----------------------------------------------------------------------------

// RobotRepository persists robot records. The registry is its only writer.
type RobotRepository interface {
	Create(ctx context.Context, robot *db.Robot) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Robot, error)
	GetByHostname(ctx context.Context, hostname string) (*db.Robot, error)
	Update(ctx context.Context, robot *db.Robot) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, at time.Time) error
	UpdateHeartbeat(ctx context.Context, id uuid.UUID, metrics db.JSONMap, at time.Time) error
	UpdateCapabilities(ctx context.Context, id uuid.UUID, caps db.StringSet) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Robot, int64, error)
	ListByStatus(ctx context.Context, status string) ([]db.Robot, error)

	// AcquireSlot reserves a concurrency slot by appending jobID to
	// current_job_ids, guarded so the count never exceeds
	// max_concurrent_jobs. Returns ErrSlotsExhausted when full.
	AcquireSlot(ctx context.Context, robotID, jobID uuid.UUID) error

	// ReleaseSlot removes jobID from current_job_ids. Releasing a slot that
	// is not held is a no-op.
	ReleaseSlot(ctx context.Context, robotID, jobID uuid.UUID) error

	// ListMissedHeartbeats returns robots whose last_heartbeat is older than
	// now-cutoff and that are not already offline.
	ListMissedHeartbeats(ctx context.Context, cutoff time.Duration, now time.Time) ([]db.Robot, error)
}

// -----------------------------------------------------------------------------
// AssignmentRepository
// -----------------------------------------------------------------------------

// AssignmentRepository persists workflow-to-robot assignments and per-node
// robot overrides used by the capability router.
type AssignmentRepository interface {
	CreateAssignment(ctx context.Context, a *db.WorkflowAssignment) error
	DeleteAssignment(ctx context.Context, workflowID, robotID uuid.UUID) error
	ListAssignmentsByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]db.WorkflowAssignment, error)
	ListAssignmentsByRobot(ctx context.Context, robotID uuid.UUID) ([]db.WorkflowAssignment, error)
	DeleteAssignmentsByRobot(ctx context.Context, robotID uuid.UUID) error

	UpsertOverride(ctx context.Context, o *db.NodeRobotOverride) error
	DeleteOverride(ctx context.Context, workflowID uuid.UUID, nodeID string) error
	ListOverridesByWorkflow(ctx context.Context, workflowID uuid.UUID) ([]db.NodeRobotOverride, error)
}

// -----------------------------------------------------------------------------
// ScheduleRepository
// -----------------------------------------------------------------------------

// ScheduleRepository persists schedules. The scheduler is its only writer.
type ScheduleRepository interface {
	Create(ctx context.Context, s *db.Schedule) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.Schedule, error)
	Update(ctx context.Context, s *db.Schedule) error
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.Schedule, int64, error)

	// ListDue returns enabled schedules with next_run <= now ordered by
	// next_run, locking the rows against competing replicas on PostgreSQL.
	ListDue(ctx context.Context, now time.Time, limit int) ([]db.Schedule, error)

	// AdvanceAfterFire records a successful fire: sets last_run, the new
	// next_run and increments run_count, but only if next_run still equals
	// observedNextRun. Returns ErrStaleAdvance when a competing replica
	// already advanced the schedule, which the caller treats as a no-op.
	AdvanceAfterFire(ctx context.Context, id uuid.UUID, observedNextRun, lastRun, nextRun time.Time) error

	// RecordFailure increments failure_count without advancing next_run, so
	// the fire is retried on a subsequent tick.
	RecordFailure(ctx context.Context, id uuid.UUID) error
}

// -----------------------------------------------------------------------------
// DLQRepository
// -----------------------------------------------------------------------------

// DLQRepository persists dead-letter entries. The queue is its only writer.
type DLQRepository interface {
	Create(ctx context.Context, e *db.DLQEntry) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.DLQEntry, error)
	GetByJobID(ctx context.Context, jobID uuid.UUID) (*db.DLQEntry, error)
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, opts ListOptions) ([]db.DLQEntry, int64, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// -----------------------------------------------------------------------------
// RobotLogRepository
// -----------------------------------------------------------------------------

// RobotLogRepository persists streamed robot log lines and maintains the
// time-partitioned storage on PostgreSQL.
type RobotLogRepository interface {
	BulkCreate(ctx context.Context, logs []db.RobotLog) error
	ListByRobot(ctx context.Context, robotID uuid.UUID, opts ListOptions) ([]db.RobotLog, int64, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]db.RobotLog, error)

	// DeleteOlderThan removes log rows past retention. On PostgreSQL this is
	// handled by dropping whole partitions instead (DropOldPartitions); on
	// SQLite it is a plain DELETE.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// EnsureFuturePartitions / DropOldPartitions call the corresponding SQL
	// maintenance functions. No-ops on SQLite.
	EnsureFuturePartitions(ctx context.Context, monthsAhead int) error
	DropOldPartitions(ctx context.Context, retentionDays int) (int64, error)
}

// -----------------------------------------------------------------------------
// APIKeyRepository
// -----------------------------------------------------------------------------

// APIKeyRepository persists API keys. Only the SHA-256 hash of a key is
// stored; lookup is by the unique 8-character prefix.
type APIKeyRepository interface {
	Create(ctx context.Context, k *db.APIKey) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.APIKey, error)
	GetByPrefix(ctx context.Context, prefix string) (*db.APIKey, error)
	Revoke(ctx context.Context, id uuid.UUID) error
	Touch(ctx context.Context, id uuid.UUID, at time.Time) error
	List(ctx context.Context, tenantID string, opts ListOptions) ([]db.APIKey, int64, error)
	DeleteByRobot(ctx context.Context, robotID uuid.UUID) error
}
