// Package maintenance runs the background sweeps of the orchestration core:
// stale lease reclamation, job timeouts, cancel grace enforcement, robot
// offline detection, log retention and DLQ aging. Each sweep is idempotent
// and safe to run on multiple replicas.
package maintenance

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// sweepTimeout bounds each individual sweep run.
const sweepTimeout = 30 * time.Second

// partitionsAhead is how many monthly robot_logs partitions are kept
// pre-created on PostgreSQL.
const partitionsAhead = 2

// idempotencyKeyTTL is how long a settled job keeps its dedup key. Must
// outlive retry backoff and scheduler replay windows, which are minutes.
const idempotencyKeyTTL = 24 * time.Hour

// Runner owns the gocron scheduler hosting all periodic sweeps.
type Runner struct {
	queue    *queue.Service
	registry *registry.Service
	dlq      repositories.DLQRepository
	robots   repositories.RobotRepository
	logs     repositories.RobotLogRepository

	cfg     config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	sched gocron.Scheduler

	// wake pokes the dispatcher after a sweep returned jobs to pending.
	wake func()
}

// New wires the maintenance runner. wake is called whenever a sweep makes
// jobs dispatchable again.
func New(
	q *queue.Service,
	reg *registry.Service,
	dlq repositories.DLQRepository,
	robots repositories.RobotRepository,
	logs repositories.RobotLogRepository,
	cfg config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
	wake func(),
) (*Runner, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	return &Runner{
		queue:    q,
		registry: reg,
		dlq:      dlq,
		robots:   robots,
		logs:     logs,
		cfg:      cfg,
		metrics:  m,
		logger:   logger.Named("maintenance"),
		sched:    sched,
		wake:     wake,
	}, nil
}

// Start registers all sweeps and starts the scheduler.
func (r *Runner) Start() error {
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func(context.Context) error
	}{
		{"stale_locks", r.cfg.StaleLockSweepInterval, r.sweepStaleLocks},
		{"timeouts", r.cfg.StaleLockSweepInterval, r.sweepTimeouts},
		{"cancel_grace", r.cfg.CancelGracePeriod, r.sweepCancelGrace},
		{"offline_robots", r.cfg.HeartbeatInterval, r.sweepOfflineRobots},
		{"gauges", 30 * time.Second, r.refreshGauges},
		{"log_retention", 6 * time.Hour, r.sweepLogRetention},
		{"dlq_aging", 6 * time.Hour, r.sweepDLQAging},
		{"idempotency_keys", 6 * time.Hour, r.sweepIdempotencyKeys},
	}
	for _, j := range jobs {
		j := j
		_, err := r.sched.NewJob(
			gocron.DurationJob(j.interval),
			gocron.NewTask(func() {
				ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
				defer cancel()
				if err := j.fn(ctx); err != nil {
					r.logger.Error("sweep failed", zap.String("sweep", j.name), zap.Error(err))
				}
			}),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return err
		}
	}

	r.sched.Start()
	r.logger.Info("maintenance sweeps started")
	return nil
}

// Stop shuts the scheduler down, waiting for running sweeps to finish.
func (r *Runner) Stop() error {
	return r.sched.Shutdown()
}

// sweepStaleLocks reclaims jobs whose robot stopped renewing the lease.
func (r *Runner) sweepStaleLocks(ctx context.Context) error {
	n, err := r.queue.ReleaseStaleLocks(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn("stale leases reclaimed", zap.Int("count", n))
		r.wake()
	}
	return nil
}

// sweepTimeouts terminates running jobs past their execution budget.
func (r *Runner) sweepTimeouts(ctx context.Context) error {
	n, err := r.queue.SweepTimeouts(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn("jobs timed out", zap.Int("count", n))
	}
	return nil
}

// sweepCancelGrace force-cancels jobs whose robot never confirmed the
// requested cancellation within the grace period.
func (r *Runner) sweepCancelGrace(ctx context.Context) error {
	n, err := r.queue.SweepCancelGrace(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Warn("cancellations enforced after grace", zap.Int("count", n))
	}
	return nil
}

// sweepOfflineRobots flips robots that missed their heartbeat window to
// offline. Their leases are reclaimed by the stale-lock sweep on its own
// cadence.
func (r *Runner) sweepOfflineRobots(ctx context.Context) error {
	_, err := r.registry.MarkOfflineStale(ctx)
	return err
}

// refreshGauges recomputes the gauges that are derived from table counts.
func (r *Runner) refreshGauges(ctx context.Context) error {
	_, dlqTotal, err := r.dlq.List(ctx, repositories.ListOptions{Limit: 1})
	if err != nil {
		return err
	}
	r.metrics.DLQDepth.Set(float64(dlqTotal))

	online := 0
	for _, status := range []string{"online", "busy"} {
		robots, err := r.robots.ListByStatus(ctx, status)
		if err != nil {
			return err
		}
		online += len(robots)
	}
	r.metrics.RobotsOnline.Set(float64(online))
	return nil
}

// sweepLogRetention enforces robot log retention. On PostgreSQL whole
// partitions are dropped and future ones pre-created; on SQLite rows past
// the cutoff are deleted.
func (r *Runner) sweepLogRetention(ctx context.Context) error {
	if err := r.logs.EnsureFuturePartitions(ctx, partitionsAhead); err != nil {
		return err
	}
	if _, err := r.logs.DropOldPartitions(ctx, r.cfg.LogRetentionDays); err != nil {
		return err
	}
	cutoff := time.Now().AddDate(0, 0, -r.cfg.LogRetentionDays)
	n, err := r.logs.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("robot logs pruned", zap.Int64("rows", n))
	}
	return nil
}

// sweepIdempotencyKeys frees the dedup keys of long-settled jobs so the
// unique index stays bounded and keys become reusable.
func (r *Runner) sweepIdempotencyKeys(ctx context.Context) error {
	n, err := r.queue.ClearIdempotencyKeys(ctx, idempotencyKeyTTL)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("idempotency keys released", zap.Int64("count", n))
	}
	return nil
}

// sweepDLQAging purges dead-letter entries older than the configured cap.
// Disabled when DLQMaxAgeDays is zero.
func (r *Runner) sweepDLQAging(ctx context.Context) error {
	n, err := r.queue.PurgeDLQOlderThan(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Info("aged dlq entries purged", zap.Int64("count", n))
	}
	return nil
}
