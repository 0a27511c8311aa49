// Package queue owns the job lifecycle: enqueue, claim and lease, progress,
// terminal outcomes, retry backoff, the dead letter queue, and the sweeps
// that recover from lost robots. Every transition writes a JobHistory row
// and publishes an event on the hub.
package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// Error codes recorded on terminal outcomes and surfaced to clients.
const (
	CodeTimeout        = "TIMEOUT"
	CodeCancelled      = "CANCELLED"
	CodeLeaseLost      = "LEASE_LOST"
	CodeRetryExhausted = "RETRY_EXHAUSTED"
	CodeInvalidPayload = "INVALID_PAYLOAD"
)

// ErrDuplicate is returned by Enqueue when the idempotency key was already
// used; the original job is returned alongside it.
var ErrDuplicate = errors.New("queue: duplicate idempotency key")

// ErrInvalid is returned for enqueue requests that fail validation.
var ErrInvalid = errors.New("queue: invalid request")

// EnqueueRequest carries everything needed to create a job.
type EnqueueRequest struct {
	WorkflowID     uuid.UUID
	WorkflowName   string
	TenantID       string
	Priority       int
	Payload        []byte
	Inputs         db.JSONMap
	MaxRetries     *int // nil = configured default
	TimeoutSeconds int
	ScheduledTime  *time.Time
	ScheduleID     *uuid.UUID
	RequiredCaps   db.StringSet
	IdempotencyKey string
}

// FailureReport is a robot-reported job failure.
type FailureReport struct {
	Message   string
	Code      string
	Stack     string
	Retryable bool
}

// Service implements the job queue and lease manager. It is the only writer
// of jobs, job history, and DLQ entries.
type Service struct {
	jobs   repositories.JobRepository
	robots repositories.RobotRepository
	dlq    repositories.DLQRepository

	cfg     config.Config
	hub     events.Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// NewService wires the queue.
func NewService(
	jobs repositories.JobRepository,
	robots repositories.RobotRepository,
	dlq repositories.DLQRepository,
	cfg config.Config,
	hub events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		jobs:    jobs,
		robots:  robots,
		dlq:     dlq,
		cfg:     cfg,
		hub:     hub,
		metrics: m,
		logger:  logger.Named("queue"),
		now:     time.Now,
	}
}

// -----------------------------------------------------------------------------
// Enqueue
// -----------------------------------------------------------------------------

// Enqueue validates and persists a new pending job. When an idempotency key
// is supplied and already known, the original job is returned with
// ErrDuplicate so the API can answer with the prior accept.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*db.Job, error) {
	if req.WorkflowID == (uuid.UUID{}) {
		return nil, fmt.Errorf("%w: workflow id is required", ErrInvalid)
	}
	if req.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: timeout must not be negative", ErrInvalid)
	}
	maxRetries := s.cfg.MaxRetryAttempts
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, fmt.Errorf("%w: max retries must not be negative", ErrInvalid)
		}
		maxRetries = *req.MaxRetries
	}

	if req.IdempotencyKey != "" {
		existing, err := s.jobs.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, ErrDuplicate
		}
		if !errors.Is(err, repositories.ErrNotFound) {
			return nil, err
		}
	}

	job := &db.Job{
		WorkflowID:     req.WorkflowID,
		WorkflowName:   req.WorkflowName,
		TenantID:       req.TenantID,
		Status:         "pending",
		Priority:       req.Priority,
		Payload:        req.Payload,
		Inputs:         req.Inputs,
		MaxRetries:     maxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		ScheduledTime:  req.ScheduledTime,
		ScheduleID:     req.ScheduleID,
		RequiredCaps:   req.RequiredCaps,
	}
	if req.IdempotencyKey != "" {
		key := req.IdempotencyKey
		job.IdempotencyKey = &key
	}

	if err := s.jobs.Create(ctx, job); err != nil {
		if errors.Is(err, repositories.ErrConflict) && req.IdempotencyKey != "" {
			// Lost the insert race on the key; fetch the winner.
			existing, gerr := s.jobs.GetByIdempotencyKey(ctx, req.IdempotencyKey)
			if gerr != nil {
				return nil, gerr
			}
			return existing, ErrDuplicate
		}
		return nil, err
	}

	s.history(ctx, job.ID, nil, "created", db.JSONMap{
		"workflow_id": job.WorkflowID.String(),
		"priority":    job.Priority,
	})
	s.hub.PublishJob(job.ID, events.MsgJobStatus, statusPayload(job))
	s.metrics.JobsEnqueued.WithLabelValues(job.TenantID).Inc()
	s.metrics.JobTransitions.WithLabelValues("pending").Inc()
	s.logger.Info("job enqueued",
		zap.String("job_id", job.ID.String()),
		zap.String("workflow_id", job.WorkflowID.String()),
		zap.Int("priority", job.Priority),
	)
	return job, nil
}

// -----------------------------------------------------------------------------
// Claim & lease
// -----------------------------------------------------------------------------

// Claim atomically claims the next eligible job for robotID. Returns
// repositories.ErrNotFound when nothing is claimable.
func (s *Service) Claim(ctx context.Context, robotID uuid.UUID, filter repositories.ClaimFilter) (*db.Job, error) {
	job, err := s.jobs.ClaimNext(ctx, robotID, filter, s.now())
	if err != nil {
		return nil, err
	}

	s.history(ctx, job.ID, &robotID, "claimed", db.JSONMap{"attempt": job.RetryCount + 1})
	s.hub.PublishJob(job.ID, events.MsgJobStatus, statusPayload(job))
	s.metrics.JobsClaimed.Inc()
	s.metrics.JobTransitions.WithLabelValues("claimed").Inc()
	s.logger.Info("job claimed",
		zap.String("job_id", job.ID.String()),
		zap.String("robot_id", robotID.String()),
		zap.Int("attempt", job.RetryCount+1),
	)
	return job, nil
}

// Heartbeat renews the lease on a claimed or running job.
func (s *Service) Heartbeat(ctx context.Context, jobID, robotID uuid.UUID) error {
	return s.jobs.RenewLease(ctx, jobID, robotID, s.now())
}

// MarkRunning transitions a claimed job to running once the robot ACCEPTs.
func (s *Service) MarkRunning(ctx context.Context, jobID, robotID uuid.UUID) error {
	now := s.now()
	if err := s.jobs.SetRunning(ctx, jobID, robotID, now); err != nil {
		return err
	}
	s.history(ctx, jobID, &robotID, "running", nil)
	s.hub.PublishJob(jobID, events.MsgJobStatus, db.JSONMap{
		"job_id": jobID.String(), "status": "running", "robot_id": robotID.String(),
	})
	s.metrics.JobTransitions.WithLabelValues("running").Inc()
	return nil
}

// UpdateProgress applies a robot progress report. Stale frames (msg ID not
// newer than the last applied) are dropped without error.
func (s *Service) UpdateProgress(ctx context.Context, jobID, robotID uuid.UUID, progress int, currentNode, msgID string) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if err := s.jobs.SetProgress(ctx, jobID, robotID, progress, currentNode, msgID); err != nil {
		return err
	}
	s.hub.PublishJob(jobID, events.MsgJobProgress, db.JSONMap{
		"job_id": jobID.String(), "progress": progress, "current_node": currentNode,
	})
	return nil
}

// ReleaseUnacked undoes a claim whose ASSIGN was never acknowledged. The
// job returns to pending without consuming a retry attempt.
func (s *Service) ReleaseUnacked(ctx context.Context, jobID, robotID uuid.UUID) error {
	if err := s.jobs.ReleaseOwned(ctx, jobID, robotID); err != nil {
		return err
	}
	s.releaseSlot(ctx, robotID, jobID)
	s.history(ctx, jobID, &robotID, "released", nil)
	s.hub.PublishJob(jobID, events.MsgJobStatus, db.JSONMap{
		"job_id": jobID.String(), "status": "pending", "released": true,
	})
	s.logger.Warn("assignment unacknowledged, claim released",
		zap.String("job_id", jobID.String()),
		zap.String("robot_id", robotID.String()),
	)
	return nil
}

// -----------------------------------------------------------------------------
// Terminal outcomes
// -----------------------------------------------------------------------------

// Complete records terminal success. Redelivery against an already terminal
// job returns nil so the transport can re-ack without side effects.
func (s *Service) Complete(ctx context.Context, jobID, robotID uuid.UUID, result []byte) error {
	now := s.now()
	err := s.jobs.CompleteOwned(ctx, jobID, robotID, result, now)
	if errors.Is(err, repositories.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}

	s.releaseSlot(ctx, robotID, jobID)
	s.history(ctx, jobID, &robotID, "completed", nil)
	s.hub.PublishJob(jobID, events.MsgJobStatus, db.JSONMap{
		"job_id": jobID.String(), "status": "completed",
	})
	s.metrics.JobTransitions.WithLabelValues("completed").Inc()
	s.observeDuration(ctx, jobID)
	s.logger.Info("job completed", zap.String("job_id", jobID.String()))
	return nil
}

// Fail records a robot-reported failure. Retryable failures within budget go
// back to pending with exponential backoff; everything else goes terminal
// and, when the budget is exhausted or the failure is permanent, to the DLQ.
func (s *Service) Fail(ctx context.Context, jobID, robotID uuid.UUID, report FailureReport) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil // redelivered RESULT, already settled
	}

	if report.Retryable && job.RetryCount < job.MaxRetries {
		next := s.now().Add(s.retryDelay(job.RetryCount))
		if err := s.jobs.FailRetry(ctx, jobID, robotID, report.Message, report.Code, next); err != nil {
			if errors.Is(err, repositories.ErrTerminal) {
				return nil
			}
			return err
		}
		s.releaseSlot(ctx, robotID, jobID)
		s.history(ctx, jobID, &robotID, "retried", db.JSONMap{
			"error":        report.Message,
			"error_code":   report.Code,
			"attempt":      job.RetryCount + 1,
			"next_attempt": next,
		})
		s.hub.PublishJob(jobID, events.MsgJobStatus, db.JSONMap{
			"job_id": jobID.String(), "status": "pending", "retry_count": job.RetryCount + 1,
		})
		s.metrics.JobTransitions.WithLabelValues("pending").Inc()
		s.logger.Warn("job failed, retrying",
			zap.String("job_id", jobID.String()),
			zap.String("error_code", report.Code),
			zap.Int("attempt", job.RetryCount+1),
			zap.Time("next_attempt", next),
		)
		return nil
	}

	if err := s.failTerminal(ctx, job, &robotID, "failed", report.Message, report.Code, report.Stack); err != nil {
		return err
	}
	s.releaseSlot(ctx, robotID, jobID)
	return nil
}

// failTerminal moves job to a terminal failure status, records history and,
// for status "failed", parks a DLQ entry.
func (s *Service) failTerminal(ctx context.Context, job *db.Job, robotID *uuid.UUID, status, msg, code, stack string) error {
	err := s.jobs.FailTerminal(ctx, job.ID, robotID, status, msg, code, s.now())
	if errors.Is(err, repositories.ErrTerminal) {
		return nil
	}
	if err != nil {
		return err
	}

	s.history(ctx, job.ID, robotID, status, db.JSONMap{"error": msg, "error_code": code})
	s.hub.PublishJob(job.ID, events.MsgJobStatus, db.JSONMap{
		"job_id": job.ID.String(), "status": status, "error_code": code,
	})
	s.metrics.JobTransitions.WithLabelValues(status).Inc()
	s.observeDuration(ctx, job.ID)

	if status == "failed" {
		entry := &db.DLQEntry{
			JobID:        job.ID,
			WorkflowID:   job.WorkflowID,
			WorkflowName: job.WorkflowName,
			TenantID:     job.TenantID,
			ErrorMessage: msg,
			ErrorCode:    code,
			ErrorStack:   stack,
			Inputs:       job.Inputs,
			Payload:      job.Payload,
			Priority:     job.Priority,
			RequiredCaps: job.RequiredCaps,
			RetryCount:   job.RetryCount,
			FailedAt:     s.now(),
		}
		if derr := s.dlq.Create(ctx, entry); derr != nil && !errors.Is(derr, repositories.ErrConflict) {
			s.logger.Error("failed to park job in dlq",
				zap.String("job_id", job.ID.String()), zap.Error(derr))
		} else if derr == nil {
			s.history(ctx, job.ID, robotID, "dlq", db.JSONMap{"entry_id": entry.ID.String()})
			s.hub.PublishJob(job.ID, events.MsgDLQ, db.JSONMap{
				"job_id": job.ID.String(), "error_code": code,
			})
		}
	}

	s.logger.Warn("job terminal",
		zap.String("job_id", job.ID.String()),
		zap.String("status", status),
		zap.String("error_code", code),
	)
	return nil
}

// -----------------------------------------------------------------------------
// Cancellation
// -----------------------------------------------------------------------------

// RequestCancel cancels a job. Pending jobs go terminal immediately;
// claimed/running jobs are flagged for cooperative cancel and the transport
// forwards a CANCEL frame to the executing robot. Terminal jobs are left
// untouched and reported as such.
func (s *Service) RequestCancel(ctx context.Context, jobID uuid.UUID, reason string) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return repositories.ErrTerminal
	}
	now := s.now()

	if job.Status == "pending" {
		if err := s.jobs.CancelPending(ctx, jobID, reason, now); err != nil {
			if errors.Is(err, repositories.ErrConflict) {
				// Claimed between the read and the update; fall through to
				// the cooperative path.
				return s.RequestCancel(ctx, jobID, reason)
			}
			return err
		}
		s.history(ctx, jobID, nil, "cancelled", db.JSONMap{"reason": reason})
		s.hub.PublishJob(jobID, events.MsgJobStatus, db.JSONMap{
			"job_id": jobID.String(), "status": "cancelled",
		})
		s.metrics.JobTransitions.WithLabelValues("cancelled").Inc()
		return nil
	}

	if err := s.jobs.MarkCancelRequested(ctx, jobID, reason, now); err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return repositories.ErrTerminal
		}
		return err
	}
	s.history(ctx, jobID, job.ClaimedBy, "cancel_requested", db.JSONMap{"reason": reason})
	s.hub.PublishJob(jobID, events.MsgJobStatus, db.JSONMap{
		"job_id": jobID.String(), "status": job.Status, "cancel_requested": true,
	})
	return nil
}

// ConfirmCancelled records the robot's CANCELLED acknowledgement.
func (s *Service) ConfirmCancelled(ctx context.Context, jobID, robotID uuid.UUID) error {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Terminal() {
		return nil
	}
	if err := s.failTerminal(ctx, job, &robotID, "cancelled", job.CancelReason, CodeCancelled, ""); err != nil {
		return err
	}
	s.releaseSlot(ctx, robotID, jobID)
	return nil
}

// -----------------------------------------------------------------------------
// Sweeps
// -----------------------------------------------------------------------------

// ReleaseStaleLocks reclaims jobs whose lease heartbeat lapsed: back to
// pending when retry budget remains, terminal failed (and DLQ) otherwise.
// Returns how many leases were reclaimed.
func (s *Service) ReleaseStaleLocks(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListStaleLeases(ctx, s.cfg.LeaseTimeout(), s.now())
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for i := range jobs {
		job := &jobs[i]
		holder := job.ClaimedBy
		if holder == nil {
			continue
		}

		if job.RetryCount < job.MaxRetries {
			next := s.now().Add(s.retryDelay(job.RetryCount))
			err := s.jobs.FailRetry(ctx, job.ID, *holder, "lease expired", CodeLeaseLost, next)
			if errors.Is(err, repositories.ErrTerminal) || errors.Is(err, repositories.ErrLeaseLost) {
				continue // settled or re-leased since the scan
			}
			if err != nil {
				return reclaimed, err
			}
			s.history(ctx, job.ID, holder, "reclaimed", db.JSONMap{"attempt": job.RetryCount + 1})
			s.hub.PublishJob(job.ID, events.MsgJobStatus, db.JSONMap{
				"job_id": job.ID.String(), "status": "pending", "reclaimed": true,
			})
		} else {
			if err := s.failTerminal(ctx, job, nil, "failed", "lease expired, retry budget exhausted", CodeRetryExhausted, ""); err != nil {
				return reclaimed, err
			}
		}
		s.releaseSlot(ctx, *holder, job.ID)
		reclaimed++
		s.metrics.LeasesReclaimed.Inc()
	}
	return reclaimed, nil
}

// SweepTimeouts terminates running jobs past their timeout budget.
func (s *Service) SweepTimeouts(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListExpiredTimeouts(ctx, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range jobs {
		job := &jobs[i]
		holder := job.ClaimedBy
		if err := s.failTerminal(ctx, job, nil, "timeout",
			fmt.Sprintf("exceeded timeout of %ds", job.TimeoutSeconds), CodeTimeout, ""); err != nil {
			return n, err
		}
		if holder != nil {
			s.releaseSlot(ctx, *holder, job.ID)
		}
		n++
	}
	return n, nil
}

// SweepCancelGrace force-terminates jobs whose cooperative cancel went
// unacknowledged past the grace window.
func (s *Service) SweepCancelGrace(ctx context.Context) (int, error) {
	jobs, err := s.jobs.ListCancelGraceExpired(ctx, s.cfg.CancelGracePeriod, s.now())
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range jobs {
		job := &jobs[i]
		holder := job.ClaimedBy
		if err := s.failTerminal(ctx, job, nil, "cancelled", job.CancelReason, CodeCancelled, ""); err != nil {
			return n, err
		}
		if holder != nil {
			s.releaseSlot(ctx, *holder, job.ID)
		}
		n++
	}
	return n, nil
}

// ClearIdempotencyKeys releases the dedup keys of jobs that have been
// terminal for longer than ttl. Returns the number of keys cleared.
func (s *Service) ClearIdempotencyKeys(ctx context.Context, ttl time.Duration) (int64, error) {
	return s.jobs.ClearIdempotencyKeys(ctx, s.now().Add(-ttl))
}

// -----------------------------------------------------------------------------
// DLQ operations
// -----------------------------------------------------------------------------

// RetryDLQEntry re-enqueues the parked job as a fresh pending job with a
// reset retry budget and removes the entry.
func (s *Service) RetryDLQEntry(ctx context.Context, entryID uuid.UUID) (*db.Job, error) {
	entry, err := s.dlq.GetByID(ctx, entryID)
	if err != nil {
		return nil, err
	}

	job, err := s.Enqueue(ctx, EnqueueRequest{
		WorkflowID:   entry.WorkflowID,
		WorkflowName: entry.WorkflowName,
		TenantID:     entry.TenantID,
		Priority:     entry.Priority,
		Payload:      entry.Payload,
		Inputs:       entry.Inputs,
		RequiredCaps: entry.RequiredCaps,
	})
	if err != nil {
		return nil, err
	}
	if err := s.dlq.Delete(ctx, entryID); err != nil && !errors.Is(err, repositories.ErrNotFound) {
		return nil, err
	}
	s.history(ctx, entry.JobID, nil, "dlq_retried", db.JSONMap{"new_job_id": job.ID.String()})
	s.logger.Info("dlq entry retried",
		zap.String("entry_id", entryID.String()),
		zap.String("new_job_id", job.ID.String()),
	)
	return job, nil
}

// PurgeDLQEntry removes a parked entry without retrying it.
func (s *Service) PurgeDLQEntry(ctx context.Context, entryID uuid.UUID) error {
	return s.dlq.Delete(ctx, entryID)
}

// PurgeDLQOlderThan drops entries past the configured max age. Returns the
// number purged; a zero max age disables purging.
func (s *Service) PurgeDLQOlderThan(ctx context.Context) (int64, error) {
	if s.cfg.DLQMaxAgeDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().AddDate(0, 0, -s.cfg.DLQMaxAgeDays)
	return s.dlq.DeleteOlderThan(ctx, cutoff)
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// retryDelay computes the exponential backoff before attempt retryCount+1:
// min(max, initial * 2^retryCount) stretched by up to 10% of jitter so
// reclaimed herds do not thunder back in lockstep.
func (s *Service) retryDelay(retryCount int) time.Duration {
	d := s.cfg.RetryInitialDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= s.cfg.RetryMaxDelay {
			d = s.cfg.RetryMaxDelay
			break
		}
	}
	d = time.Duration(float64(d) * (1 + rand.Float64()*0.1))
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	return d
}

func (s *Service) releaseSlot(ctx context.Context, robotID, jobID uuid.UUID) {
	if err := s.robots.ReleaseSlot(ctx, robotID, jobID); err != nil {
		s.logger.Error("failed to release robot slot",
			zap.String("robot_id", robotID.String()),
			zap.String("job_id", jobID.String()),
			zap.Error(err),
		)
	}
}

func (s *Service) history(ctx context.Context, jobID uuid.UUID, robotID *uuid.UUID, event string, data db.JSONMap) {
	h := &db.JobHistory{JobID: jobID, RobotID: robotID, EventType: event, EventData: data}
	if err := s.jobs.AppendHistory(ctx, h); err != nil {
		s.logger.Error("failed to append job history",
			zap.String("job_id", jobID.String()),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}

func (s *Service) observeDuration(ctx context.Context, jobID uuid.UUID) {
	job, err := s.jobs.GetByID(ctx, jobID)
	if err != nil || job.DurationMS <= 0 {
		return
	}
	s.metrics.JobDuration.Observe(float64(job.DurationMS) / 1000)
}

func statusPayload(job *db.Job) db.JSONMap {
	p := db.JSONMap{
		"job_id":      job.ID.String(),
		"workflow_id": job.WorkflowID.String(),
		"status":      job.Status,
	}
	if job.ClaimedBy != nil {
		p["robot_id"] = job.ClaimedBy.String()
	}
	return p
}
