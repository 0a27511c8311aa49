package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by all models. The embed must be
// exported: GORM ignores unexported embedded structs, which would silently
// drop these columns from every INSERT.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
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
// Robots
// -----------------------------------------------------------------------------

// Robot represents a registered robot agent running on a remote machine.
// Robots connect to the control plane over a persistent mTLS session and do
// not expose any ports. The persistent record here is authoritative; the
// in-memory session map in the transport package is advisory and rebuilt on
// reconnect.
//
// Invariant: the number of jobs in CurrentJobIDs never exceeds
// MaxConcurrentJobs at a transactional boundary. Slot accounting is enforced
// by RobotRepository.AcquireSlot / ReleaseSlot with guarded updates.
type Robot struct {
	Base
	Name              string     `gorm:"not null"`
	Hostname          string     `gorm:"not null"`
	Status            string     `gorm:"not null;default:'offline';index"` // offline, online, busy, error, maintenance
	Capabilities      StringSet  `gorm:"type:text;not null;default:'[]'"`
	Tags              StringSet  `gorm:"type:text;not null;default:'[]'"`
	MaxConcurrentJobs int        `gorm:"not null;default:1"`
	CurrentJobIDs     StringSet  `gorm:"type:text;not null;default:'[]'"`
	LastHeartbeat     *time.Time `gorm:"index"`
	Version           string     `gorm:"not null;default:''"`
	Metrics           JSONMap    `gorm:"type:text;not null;default:'{}'"`
}

// -----------------------------------------------------------------------------
// Jobs
// -----------------------------------------------------------------------------

// Job represents a single requested execution of a workflow with specific
// inputs. Status transitions:
//
//	pending -> claimed -> running -> completed | failed | cancelled | timeout
//
// A claimed or running job always has ClaimedBy set; terminal jobs always
// have CompletedAt set. Terminal status is absorbing: the queue refuses any
// update that would modify status, result, or error after the job reaches a
// terminal state.
type Job struct {
	Base
	WorkflowID      uuid.UUID  `gorm:"type:text;not null;index"`
	WorkflowName    string     `gorm:"not null;default:''"` // denormalized for display
	TenantID        string     `gorm:"not null;default:'';index"`
	Status          string     `gorm:"not null;default:'pending';index:idx_jobs_claim,priority:1"`
	Priority        int        `gorm:"not null;default:0;index:idx_jobs_claim,priority:2"`
	Payload         []byte     `gorm:"type:blob"` // opaque to the core
	Inputs          JSONMap    `gorm:"type:text;not null;default:'{}'"`
	Result          []byte     `gorm:"type:blob"`
	Error           string     `gorm:"type:text;not null;default:''"`
	ErrorCode       string     `gorm:"not null;default:''"`
	Progress        int        `gorm:"not null;default:0"` // 0..100
	CurrentNode     string     `gorm:"not null;default:''"`
	RetryCount      int        `gorm:"not null;default:0"`
	MaxRetries      int        `gorm:"not null;default:3"`
	TimeoutSeconds  int        `gorm:"not null;default:0"` // 0 = no job-level timeout
	ScheduledTime   *time.Time `gorm:"index"`              // earliest claimable time (retry backoff, deferred jobs)
	ScheduleID      *uuid.UUID `gorm:"type:text;index"`    // set when materialized by the scheduler
	ClaimedBy       *uuid.UUID `gorm:"type:text;index"`
	ClaimedAt       *time.Time
	LockHeartbeat   *time.Time `gorm:"index"`
	CancelRequested bool       `gorm:"not null;default:false"`
	CancelReason    string     `gorm:"not null;default:''"`
	CancelledAt     *time.Time // when cancellation was requested, for grace enforcement
	RequiredCaps    StringSet  `gorm:"type:text;not null;default:'[]'"`
	IdempotencyKey  *string    `gorm:"uniqueIndex"`
	LastMsgID       string     `gorm:"not null;default:''"` // highest per-job msg_id applied, for ordering
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationMS      int64 `gorm:"not null;default:0"`
}

// Terminal reports whether the job has reached an absorbing status.
func (j *Job) Terminal() bool {
	switch j.Status {
	case "completed", "failed", "cancelled", "timeout":
		return true
	}
	return false
}

// JobHistory is the append-only audit of every status transition per job.
// Rows are never updated or deleted (aside from operator-driven archival).
type JobHistory struct {
	Base
	JobID     uuid.UUID  `gorm:"type:text;not null;index"`
	RobotID   *uuid.UUID `gorm:"type:text"`
	EventType string     `gorm:"not null"` // created, claimed, running, progress, completed, failed, retried, reclaimed, cancel_requested, cancelled, timeout, dlq, dlq_retried
	EventData JSONMap    `gorm:"type:text;not null;default:'{}'"`
}

// DLQEntry parks a job that exhausted its retry budget (or was poisoned) for
// inspection and manual retry. Removed when an operator retries the entry
// (which enqueues a fresh job) or purges it. The routing fields (tenant,
// priority, required capabilities) are parked alongside the inputs so a
// retried job is scheduled onto an equivalent robot.
type DLQEntry struct {
	Base
	JobID        uuid.UUID `gorm:"type:text;not null;uniqueIndex"`
	WorkflowID   uuid.UUID `gorm:"type:text;not null;index"`
	WorkflowName string    `gorm:"not null;default:''"`
	TenantID     string    `gorm:"not null;default:''"`
	ErrorMessage string    `gorm:"type:text;not null;default:''"`
	ErrorCode    string    `gorm:"not null;default:''"`
	ErrorStack   string    `gorm:"type:text;not null;default:''"`
	Inputs       JSONMap   `gorm:"type:text;not null;default:'{}'"`
	Payload      []byte    `gorm:"type:blob"`
	Priority     int       `gorm:"not null;default:0"`
	RequiredCaps StringSet `gorm:"type:text;not null;default:'[]'"`
	RetryCount   int       `gorm:"not null;default:0"`
	FailedAt     time.Time `gorm:"not null;index"`
}

// -----------------------------------------------------------------------------
// Workflow routing
// -----------------------------------------------------------------------------

// WorkflowAssignment maps a workflow to a robot that may (or should, when
// IsDefault) execute it. The (workflow_id, robot_id) pair is unique.
// Workflows themselves are opaque to the core; only the ID is referenced.
type WorkflowAssignment struct {
	Base
	WorkflowID uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_assignment_pair,priority:1"`
	RobotID    uuid.UUID `gorm:"type:text;not null;uniqueIndex:idx_assignment_pair,priority:2"`
	IsDefault  bool      `gorm:"not null;default:false"`
	Priority   int       `gorm:"not null;default:0"`
}

// NodeRobotOverride pins a single workflow node to either a specific robot or
// a set of required capabilities. Exactly one of RobotID / RequiredCaps is
// populated; when no robot is named, at least one capability must be present.
type NodeRobotOverride struct {
	Base
	WorkflowID   uuid.UUID  `gorm:"type:text;not null;uniqueIndex:idx_override_node,priority:1"`
	NodeID       string     `gorm:"not null;uniqueIndex:idx_override_node,priority:2"`
	RobotID      *uuid.UUID `gorm:"type:text"`
	RequiredCaps StringSet  `gorm:"type:text;not null;default:'[]'"`
}

// -----------------------------------------------------------------------------
// Schedules
// -----------------------------------------------------------------------------

// Schedule is a cron recurrence that materializes jobs at due times.
// NextRun always reflects the first occurrence of CronExpression in Timezone
// strictly after max(now, LastRun). Advancement is computed from the previous
// NextRun, not from the wall clock, so tick jitter never causes drift.
type Schedule struct {
	Base
	WorkflowID     uuid.UUID `gorm:"type:text;not null;index"`
	WorkflowName   string    `gorm:"not null;default:''"`
	Name           string    `gorm:"not null"`
	CronExpression string    `gorm:"not null"`
	Timezone       string    `gorm:"not null;default:'UTC'"`
	Enabled        bool      `gorm:"not null;default:true;index"`
	Priority       int       `gorm:"not null;default:0"`
	Inputs         JSONMap   `gorm:"type:text;not null;default:'{}'"`
	LastRun        *time.Time
	NextRun        *time.Time `gorm:"index"`
	RunCount       int64      `gorm:"not null;default:0"`
	FailureCount   int64      `gorm:"not null;default:0"`
}

// -----------------------------------------------------------------------------
// Robot logs
// -----------------------------------------------------------------------------

// RobotLog stores structured log lines streamed by robots during execution.
// On PostgreSQL the table is range-partitioned by month on Timestamp with a
// 30-day retention; partitions are created ahead and dropped past retention
// by the maintenance sweeps (see migrations and internal/maintenance).
// Logs are inserted in bulk per PROGRESS frame, not line by line, to avoid
// high-frequency write pressure on the database.
type RobotLog struct {
	ID        uuid.UUID  `gorm:"type:text;primaryKey"`
	RobotID   uuid.UUID  `gorm:"type:text;not null;index:idx_robot_logs_robot_ts,priority:1"`
	TenantID  string     `gorm:"not null;default:''"`
	JobID     *uuid.UUID `gorm:"type:text;index"`
	Timestamp time.Time  `gorm:"not null;index:idx_robot_logs_robot_ts,priority:2,sort:desc"`
	Level     string     `gorm:"not null"` // debug, info, warn, error
	Message   string     `gorm:"type:text;not null"`
	Source    string     `gorm:"not null;default:''"`
	Extra     JSONMap    `gorm:"type:text;not null;default:'{}'"`
}

// BeforeCreate generates a UUID v7 primary key. RobotLog does not embed base
// because the partitioned table carries its own timestamp column and does not
// need UpdatedAt.
func (l *RobotLog) BeforeCreate(tx *gorm.DB) error {
	if l.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		l.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// API keys
// -----------------------------------------------------------------------------

// APIKey authenticates admin clients and robots. Only the SHA-256 hash of the
// secret is stored; the plaintext is returned exactly once at creation.
// Keys optionally bind to a single robot; robot-bound keys are presented
// during the transport HELLO handshake together with the client certificate.
type APIKey struct {
	Base
	TenantID   string     `gorm:"not null;default:'';index"`
	RobotID    *uuid.UUID `gorm:"type:text;index"`
	Name       string     `gorm:"not null;default:''"`
	Prefix     string     `gorm:"not null;uniqueIndex"` // first 8 chars of the key, for lookup and display
	Hash       string     `gorm:"not null"`             // SHA-256 hex of the full key
	Role       string     `gorm:"not null;default:'viewer'"` // admin, developer, operator, viewer
	ExpiresAt  *time.Time
	Revoked    bool `gorm:"not null;default:false"`
	LastUsedAt *time.Time
}
