// Package scheduler materializes jobs from cron schedules. The tick loop is
// database-driven: any number of replicas may run it, and per-schedule
// advancement is guarded so each due time fires exactly once. Next-run
// computation always advances from the previous next_run, never from the
// wall clock, so tick jitter cannot drift the cadence.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// dueBatch bounds how many due schedules one tick fires.
const dueBatch = 128

// enqueueFailureBackoff caps how long a schedule whose enqueue failed is
// skipped before the tick retries it.
const enqueueFailureBackoff = 30 * time.Second

// cronParser accepts standard five-field cron expressions plus descriptors
// like @daily.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ErrBadCron is returned for unparseable cron expressions or unknown
// timezones.
var ErrBadCron = errors.New("scheduler: invalid schedule definition")

// Scheduler runs the tick loop and owns schedule records.
type Scheduler struct {
	schedules repositories.ScheduleRepository
	queue     *queue.Service

	cfg     config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	// retryAfter skips schedules whose enqueue recently failed. In-memory
	// and per-replica; worst case another replica retries sooner.
	mu         sync.Mutex
	retryAfter map[uuid.UUID]time.Time

	now func() time.Time
}

// New wires the scheduler.
func New(
	schedules repositories.ScheduleRepository,
	q *queue.Service,
	cfg config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Scheduler {
	return &Scheduler{
		schedules:  schedules,
		queue:      q,
		cfg:        cfg,
		metrics:    m,
		logger:     logger.Named("scheduler"),
		retryAfter: make(map[uuid.UUID]time.Time),
		now:        time.Now,
	}
}

// Run ticks every SchedulerTickInterval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SchedulerTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
		}
	}
}

// Tick fires every enabled schedule whose next_run has arrived.
func (s *Scheduler) Tick(ctx context.Context) error {
	due, err := s.schedules.ListDue(ctx, s.now(), dueBatch)
	if err != nil {
		return err
	}
	for i := range due {
		if err := s.fire(ctx, &due[i]); err != nil {
			s.logger.Error("schedule fire failed",
				zap.String("schedule_id", due[i].ID.String()), zap.Error(err))
		}
	}
	return nil
}

// fire materializes one due occurrence. The enqueue carries an idempotency
// key derived from (schedule, due time), so replicas racing on the same
// occurrence collapse to a single job; the guarded advancement then elects
// one replica to move next_run forward. An enqueue failure records a
// failure and leaves next_run untouched for the next tick.
func (s *Scheduler) fire(ctx context.Context, sched *db.Schedule) error {
	if sched.NextRun == nil {
		return nil
	}
	if s.skipForBackoff(sched.ID) {
		return nil
	}
	observed := *sched.NextRun

	// Next occurrence computed from the previous next_run, not from now.
	next, err := NextAfter(sched.CronExpression, sched.Timezone, observed)
	if err != nil {
		return err
	}

	job, err := s.queue.Enqueue(ctx, queue.EnqueueRequest{
		WorkflowID:     sched.WorkflowID,
		WorkflowName:   sched.WorkflowName,
		Priority:       sched.Priority,
		Inputs:         sched.Inputs,
		ScheduleID:     &sched.ID,
		IdempotencyKey: fmt.Sprintf("sched:%s:%d", sched.ID, observed.Unix()),
	})
	if err != nil && !errors.Is(err, queue.ErrDuplicate) {
		if ferr := s.schedules.RecordFailure(ctx, sched.ID); ferr != nil {
			s.logger.Error("recording schedule failure failed", zap.Error(ferr))
		}
		s.deferRetry(sched.ID)
		s.metrics.ScheduleMisfires.Inc()
		return err
	}

	if err := s.schedules.AdvanceAfterFire(ctx, sched.ID, observed, s.now(), next); err != nil {
		if errors.Is(err, repositories.ErrStaleAdvance) {
			return nil // another replica advanced this occurrence
		}
		return err
	}

	s.metrics.ScheduleFires.Inc()
	s.logger.Info("schedule fired",
		zap.String("schedule_id", sched.ID.String()),
		zap.String("job_id", job.ID.String()),
		zap.Time("due", observed),
		zap.Time("next_run", next),
	)
	return nil
}

// RunNow enqueues a job from the schedule immediately without disturbing
// its cadence.
func (s *Scheduler) RunNow(ctx context.Context, scheduleID uuid.UUID) (*db.Job, error) {
	sched, err := s.schedules.GetByID(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	return s.queue.Enqueue(ctx, queue.EnqueueRequest{
		WorkflowID:   sched.WorkflowID,
		WorkflowName: sched.WorkflowName,
		Priority:     sched.Priority,
		Inputs:       sched.Inputs,
		ScheduleID:   &sched.ID,
	})
}

// -----------------------------------------------------------------------------
// Schedule CRUD
// -----------------------------------------------------------------------------

// CreateSchedule validates the cron expression, computes the first next_run
// and persists the schedule.
func (s *Scheduler) CreateSchedule(ctx context.Context, sched *db.Schedule) error {
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	next, err := NextAfter(sched.CronExpression, sched.Timezone, s.now())
	if err != nil {
		return err
	}
	sched.NextRun = &next
	return s.schedules.Create(ctx, sched)
}

// UpdateSchedule revalidates and recomputes next_run for a changed cadence.
func (s *Scheduler) UpdateSchedule(ctx context.Context, sched *db.Schedule) error {
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}
	next, err := NextAfter(sched.CronExpression, sched.Timezone, s.now())
	if err != nil {
		return err
	}
	sched.NextRun = &next
	return s.schedules.Update(ctx, sched)
}

// SetEnabled toggles a schedule. Re-enabling recomputes next_run from now
// so missed occurrences while disabled are not replayed.
func (s *Scheduler) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	if !enabled {
		return s.schedules.SetEnabled(ctx, id, false)
	}
	sched, err := s.schedules.GetByID(ctx, id)
	if err != nil {
		return err
	}
	next, err := NextAfter(sched.CronExpression, sched.Timezone, s.now())
	if err != nil {
		return err
	}
	sched.Enabled = true
	sched.NextRun = &next
	return s.schedules.Update(ctx, sched)
}

// -----------------------------------------------------------------------------
// Internals
// -----------------------------------------------------------------------------

// NextAfter computes the first occurrence of expr in tz strictly after t.
// Daylight-saving transitions follow the timezone's civil calendar: times
// skipped by a forward jump are passed over, ambiguous times resolve to the
// first occurrence.
func NextAfter(expr, tz string, t time.Time) (time.Time, error) {
	spec, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q: %v", ErrBadCron, expr, err)
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: timezone %q: %v", ErrBadCron, tz, err)
	}
	next := spec.Next(t.In(loc))
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %q has no future occurrence", ErrBadCron, expr)
	}
	return next, nil
}

func (s *Scheduler) skipForBackoff(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	until, ok := s.retryAfter[id]
	if !ok {
		return false
	}
	if s.now().After(until) {
		delete(s.retryAfter, id)
		return false
	}
	return true
}

func (s *Scheduler) deferRetry(id uuid.UUID) {
	s.mu.Lock()
	s.retryAfter[id] = s.now().Add(enqueueFailureBackoff)
	s.mu.Unlock()
}
