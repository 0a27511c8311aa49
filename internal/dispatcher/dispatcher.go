// Package dispatcher matches pending jobs to eligible robots: it performs
// the targeted claim, delivers ASSIGN frames, enforces the ACCEPT timeout,
// and applies admission control. It also implements transport.Handler,
// bridging inbound robot frames to the queue and registry.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/transport"
)

// pendingBatch bounds how many pending jobs one tick considers.
const pendingBatch = 64

// Dispatcher drives job distribution. A single Run loop serializes ticks;
// Wake requests an immediate tick from any goroutine.
type Dispatcher struct {
	queue     *queue.Service
	registry  *registry.Service
	transport *transport.Server
	jobs      repositories.JobRepository
	logs      repositories.RobotLogRepository

	cfg     config.Config
	metrics *metrics.Metrics
	logger  *zap.Logger

	wake chan struct{}

	// ackTimers tracks ASSIGNs awaiting ACCEPT/REJECT, keyed by job.
	mu        sync.Mutex
	ackTimers map[uuid.UUID]*time.Timer

	// tenantWindow counts enqueued dispatches per tenant in the current
	// minute for rate limiting.
	tenantMu     sync.Mutex
	tenantCounts map[string]int
	tenantReset  time.Time

	now func() time.Time
}

// New wires the dispatcher.
func New(
	q *queue.Service,
	reg *registry.Service,
	ts *transport.Server,
	jobs repositories.JobRepository,
	logs repositories.RobotLogRepository,
	cfg config.Config,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		queue:        q,
		registry:     reg,
		transport:    ts,
		jobs:         jobs,
		logs:         logs,
		cfg:          cfg,
		metrics:      m,
		logger:       logger.Named("dispatcher"),
		wake:         make(chan struct{}, 1),
		ackTimers:    make(map[uuid.UUID]*time.Timer),
		tenantCounts: make(map[string]int),
		now:          time.Now,
	}
}

// Wake requests an immediate dispatch tick. Coalesces with a pending wake.
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Run ticks on wake signals and on the periodic interval until ctx ends.
func (d *Dispatcher) Run(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.DispatchTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.cancelAllAckTimers()
			return
		case <-d.wake:
		case <-ticker.C:
		}
		if err := d.Tick(ctx); err != nil {
			d.logger.Error("dispatch tick failed", zap.Error(err))
		}
	}
}

// Tick takes pending jobs in dispatch order and assigns each to the best
// eligible robot with a free slot and an active session. The atomic claim
// happens before transmission; anything lost after it is recovered by the
// stale-lock sweep.
func (d *Dispatcher) Tick(ctx context.Context) error {
	if capReached, err := d.globalCapReached(ctx); err != nil {
		return err
	} else if capReached {
		d.metrics.DispatchAttempts.WithLabelValues("capped").Inc()
		return nil
	}

	pending, err := d.jobs.ListPending(ctx, pendingBatch, d.now())
	if err != nil {
		return err
	}
	d.metrics.QueueDepth.Set(float64(len(pending)))

	for i := range pending {
		job := &pending[i]
		if !d.tenantAdmit(job.TenantID) {
			d.metrics.DispatchAttempts.WithLabelValues("rate_limited").Inc()
			continue
		}
		if err := d.dispatchOne(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

// dispatchOne tries each eligible robot in rank order until one takes the
// job. Claim races with other dispatch replicas are benign: the loser just
// moves on.
func (d *Dispatcher) dispatchOne(ctx context.Context, job *db.Job) error {
	robots, err := d.registry.EligibleRobots(ctx, job)
	if err != nil {
		return err
	}
	if len(robots) == 0 {
		d.metrics.DispatchAttempts.WithLabelValues("no_robot").Inc()
		return nil
	}

	for i := range robots {
		robot := &robots[i]
		sess, ok := d.transport.SessionFor(robot.ID)
		if !ok || !sess.Active() {
			continue
		}

		if err := d.registry.AcquireSlot(ctx, robot.ID, job.ID); err != nil {
			if errors.Is(err, repositories.ErrSlotsExhausted) || errors.Is(err, repositories.ErrConflict) {
				continue
			}
			return err
		}

		jobID := job.ID
		claimed, err := d.queue.Claim(ctx, robot.ID, repositories.ClaimFilter{
			Capabilities: robot.Capabilities,
			JobID:        &jobID,
		})
		if err != nil {
			d.releaseSlot(ctx, robot.ID, job.ID)
			if errors.Is(err, repositories.ErrNotFound) {
				// Someone else claimed it first; nothing left to do here.
				d.metrics.DispatchAttempts.WithLabelValues("lost_race").Inc()
				return nil
			}
			return err
		}

		if err := d.transport.SendAssign(robot.ID, claimed); err != nil {
			// The session vanished between the check and the send. Undo the
			// claim so the job is immediately dispatchable elsewhere.
			d.releaseClaim(ctx, claimed.ID, robot.ID)
			d.metrics.DispatchAttempts.WithLabelValues("send_failed").Inc()
			continue
		}

		d.armAckTimer(claimed.ID, robot.ID)
		d.metrics.DispatchAttempts.WithLabelValues("assigned").Inc()
		d.logger.Info("job assigned",
			zap.String("job_id", claimed.ID.String()),
			zap.String("robot_id", robot.ID.String()),
		)
		return nil
	}

	d.metrics.DispatchAttempts.WithLabelValues("no_session").Inc()
	return nil
}

// CancelJob records a cancel request and, for claimed or running jobs,
// forwards CANCEL to the executing robot. Transport delivery is best
// effort; the grace sweep enforces the outcome if the robot never answers.
func (d *Dispatcher) CancelJob(ctx context.Context, jobID uuid.UUID, reason string) error {
	if err := d.queue.RequestCancel(ctx, jobID, reason); err != nil {
		return err
	}
	job, err := d.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.ClaimedBy != nil && !job.Terminal() {
		if err := d.transport.SendCancel(*job.ClaimedBy, jobID, reason); err != nil {
			d.logger.Warn("cancel frame not delivered",
				zap.String("job_id", jobID.String()), zap.Error(err))
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// ACCEPT deadline
// -----------------------------------------------------------------------------

func (d *Dispatcher) armAckTimer(jobID, robotID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ackTimers[jobID] = time.AfterFunc(d.cfg.AssignAckTimeout, func() {
		d.mu.Lock()
		delete(d.ackTimers, jobID)
		d.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		d.releaseClaim(ctx, jobID, robotID)
		d.logger.Warn("assign not acknowledged in time",
			zap.String("job_id", jobID.String()),
			zap.String("robot_id", robotID.String()),
		)
		d.Wake()
	})
}

func (d *Dispatcher) disarmAckTimer(jobID uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.ackTimers[jobID]
	if ok {
		t.Stop()
		delete(d.ackTimers, jobID)
	}
	return ok
}

func (d *Dispatcher) cancelAllAckTimers() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, t := range d.ackTimers {
		t.Stop()
		delete(d.ackTimers, id)
	}
}

func (d *Dispatcher) releaseClaim(ctx context.Context, jobID, robotID uuid.UUID) {
	err := d.queue.ReleaseUnacked(ctx, jobID, robotID)
	if err != nil && !errors.Is(err, repositories.ErrLeaseLost) {
		d.logger.Error("failed to release unacked claim",
			zap.String("job_id", jobID.String()), zap.Error(err))
	}
}

func (d *Dispatcher) releaseSlot(ctx context.Context, robotID, jobID uuid.UUID) {
	if err := d.registry.ReleaseSlot(ctx, robotID, jobID); err != nil {
		d.logger.Error("failed to release slot",
			zap.String("robot_id", robotID.String()), zap.Error(err))
	}
}

// -----------------------------------------------------------------------------
// Admission control
// -----------------------------------------------------------------------------

// globalCapReached counts claimed+running jobs against the configured cap.
func (d *Dispatcher) globalCapReached(ctx context.Context) (bool, error) {
	if d.cfg.MaxActiveJobs <= 0 {
		return false, nil
	}
	active := int64(0)
	for _, status := range []string{"claimed", "running"} {
		_, n, err := d.jobs.List(ctx, repositories.JobFilter{Status: status}, repositories.ListOptions{Limit: 1})
		if err != nil {
			return false, err
		}
		active += n
	}
	d.metrics.ActiveJobs.Set(float64(active))
	return active >= int64(d.cfg.MaxActiveJobs), nil
}

// tenantAdmit applies the per-tenant dispatch rate limit on a fixed
// one-minute window.
func (d *Dispatcher) tenantAdmit(tenantID string) bool {
	if d.cfg.TenantRatePerMinute <= 0 {
		return true
	}
	d.tenantMu.Lock()
	defer d.tenantMu.Unlock()
	now := d.now()
	if now.After(d.tenantReset) {
		d.tenantCounts = make(map[string]int)
		d.tenantReset = now.Add(time.Minute)
	}
	if d.tenantCounts[tenantID] >= d.cfg.TenantRatePerMinute {
		return false
	}
	d.tenantCounts[tenantID]++
	return true
}
