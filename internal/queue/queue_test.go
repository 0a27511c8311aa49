package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// fakePublisher records published events without a hub.
type fakePublisher struct {
	jobEvents   []events.MessageType
	robotEvents []events.MessageType
}

func (f *fakePublisher) PublishJob(_ uuid.UUID, typ events.MessageType, _ any) {
	f.jobEvents = append(f.jobEvents, typ)
}

func (f *fakePublisher) PublishRobot(_ uuid.UUID, typ events.MessageType, _ any) {
	f.robotEvents = append(f.robotEvents, typ)
}

// testService wires a Service against a fresh in-memory database.
func testService(t *testing.T) (*Service, repositories.JobRepository, repositories.DLQRepository) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	jobs := repositories.NewJobRepository(database)
	robots := repositories.NewRobotRepository(database)
	dlq := repositories.NewDLQRepository(database)
	svc := NewService(jobs, robots, dlq, config.Default(), &fakePublisher{}, metrics.NewNop(), zap.NewNop())
	return svc, jobs, dlq
}

func enqueue(t *testing.T, svc *Service, mutate func(*EnqueueRequest)) *db.Job {
	t.Helper()
	req := EnqueueRequest{WorkflowID: uuid.New()}
	if mutate != nil {
		mutate(&req)
	}
	job, err := svc.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestEnqueueValidation(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	_, err := svc.Enqueue(ctx, EnqueueRequest{})
	assert.ErrorIs(t, err, ErrInvalid)

	negative := -1
	_, err = svc.Enqueue(ctx, EnqueueRequest{WorkflowID: uuid.New(), MaxRetries: &negative})
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = svc.Enqueue(ctx, EnqueueRequest{WorkflowID: uuid.New(), TimeoutSeconds: -5})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEnqueueIdempotency(t *testing.T) {
	svc, _, _ := testService(t)
	ctx := context.Background()

	first := enqueue(t, svc, func(r *EnqueueRequest) { r.IdempotencyKey = "req-1" })

	again, err := svc.Enqueue(ctx, EnqueueRequest{WorkflowID: uuid.New(), IdempotencyKey: "req-1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	require.NotNil(t, again)
	assert.Equal(t, first.ID, again.ID, "a duplicate key returns the original job")
}

func TestCompleteIsIdempotent(t *testing.T) {
	svc, jobs, _ := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	job := enqueue(t, svc, nil)
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(ctx, job.ID, robotID))

	require.NoError(t, svc.Complete(ctx, job.ID, robotID, []byte(`{"n":1}`)))

	// A redelivered RESULT re-acks without modifying the stored outcome.
	require.NoError(t, svc.Complete(ctx, job.ID, robotID, []byte(`{"n":2}`)))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.JSONEq(t, `{"n":1}`, string(got.Result))
}

func TestFailRetryBudget(t *testing.T) {
	svc, jobs, dlq := testService(t)
	ctx := context.Background()

	// Advance past the backoff between attempts so every claim sees the job.
	base := time.Now()
	svc.now = func() time.Time { return base }

	maxRetries := 2
	job := enqueue(t, svc, func(r *EnqueueRequest) { r.MaxRetries = &maxRetries })

	report := FailureReport{Message: "element not found", Code: "SELECTOR", Retryable: true}
	for attempt := 0; ; attempt++ {
		robotID := uuid.New()
		claimed, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
		if err != nil {
			require.ErrorIs(t, err, repositories.ErrNotFound)
			break
		}
		require.Equal(t, job.ID, claimed.ID)
		require.NoError(t, svc.Fail(ctx, claimed.ID, robotID, report))
		base = base.Add(time.Hour)
		require.Less(t, attempt, 10, "job must settle within the retry budget")
	}

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, maxRetries, got.RetryCount)

	claims, err := jobs.CountClaims(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, maxRetries+1, claims, "total attempts = max_retries + 1")

	entry, err := dlq.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "SELECTOR", entry.ErrorCode)
	assert.Equal(t, maxRetries, entry.RetryCount)
}

func TestFailNonRetryableGoesTerminal(t *testing.T) {
	svc, jobs, dlq := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	job := enqueue(t, svc, nil)
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)

	require.NoError(t, svc.Fail(ctx, job.ID, robotID, FailureReport{
		Message: "bad payload", Code: CodeInvalidPayload, Retryable: false,
	}))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Zero(t, got.RetryCount, "a permanent failure consumes no retries")

	_, err = dlq.GetByJobID(ctx, job.ID)
	assert.NoError(t, err, "permanent failures are parked in the dlq")
}

func TestRequestCancelPendingJob(t *testing.T) {
	svc, jobs, _ := testService(t)
	ctx := context.Background()

	job := enqueue(t, svc, nil)
	require.NoError(t, svc.RequestCancel(ctx, job.ID, "operator"))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)

	// Cancelling a terminal job reports the absorbing state.
	assert.ErrorIs(t, svc.RequestCancel(ctx, job.ID, "again"), repositories.ErrTerminal)
}

func TestRequestCancelRunningJobIsCooperative(t *testing.T) {
	svc, jobs, _ := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	job := enqueue(t, svc, nil)
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(ctx, job.ID, robotID))

	require.NoError(t, svc.RequestCancel(ctx, job.ID, "operator"))

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", got.Status, "the robot finishes the cancel")
	assert.True(t, got.CancelRequested)

	require.NoError(t, svc.ConfirmCancelled(ctx, job.ID, robotID))
	got, err = jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, CodeCancelled, got.ErrorCode)
}

func TestReleaseStaleLocksWithinBudget(t *testing.T) {
	svc, jobs, _ := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	job := enqueue(t, svc, nil)
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)

	// Advance the sweep's clock past the lease timeout.
	svc.now = func() time.Time { return time.Now().Add(svc.cfg.LeaseTimeout() + time.Minute) }

	n, err := svc.ReleaseStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, CodeLeaseLost, got.ErrorCode)
	assert.Nil(t, got.ClaimedBy)
}

func TestReleaseStaleLocksBudgetExhausted(t *testing.T) {
	svc, jobs, dlq := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	maxRetries := 0
	job := enqueue(t, svc, func(r *EnqueueRequest) { r.MaxRetries = &maxRetries })
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Now().Add(svc.cfg.LeaseTimeout() + time.Minute) }

	n, err := svc.ReleaseStaleLocks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "failed", got.Status)
	assert.Equal(t, CodeRetryExhausted, got.ErrorCode)

	_, err = dlq.GetByJobID(ctx, job.ID)
	assert.NoError(t, err)
}

func TestSweepTimeouts(t *testing.T) {
	svc, jobs, _ := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	job := enqueue(t, svc, func(r *EnqueueRequest) { r.TimeoutSeconds = 30 })
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(ctx, job.ID, robotID))

	svc.now = func() time.Time { return time.Now().Add(time.Minute) }

	n, err := svc.SweepTimeouts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "timeout", got.Status)
	assert.Equal(t, CodeTimeout, got.ErrorCode)
}

func TestSweepCancelGrace(t *testing.T) {
	svc, jobs, _ := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	job := enqueue(t, svc, nil)
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, svc.MarkRunning(ctx, job.ID, robotID))
	require.NoError(t, svc.RequestCancel(ctx, job.ID, "operator"))

	svc.now = func() time.Time { return time.Now().Add(svc.cfg.CancelGracePeriod + time.Minute) }

	n, err := svc.SweepCancelGrace(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status, "the grace sweep enforces the cancel")
}

func TestRetryDLQEntry(t *testing.T) {
	svc, jobs, dlq := testService(t)
	ctx := context.Background()
	robotID := uuid.New()

	job := enqueue(t, svc, func(r *EnqueueRequest) {
		r.Inputs = db.JSONMap{"invoice": "A-17"}
		r.TenantID = "acme"
		r.Priority = 7
		r.RequiredCaps = db.StringSet{"ocr"}
	})
	_, err := svc.Claim(ctx, robotID, repositories.ClaimFilter{})
	require.NoError(t, err)
	require.NoError(t, svc.Fail(ctx, job.ID, robotID, FailureReport{Message: "boom", Retryable: false}))

	entry, err := dlq.GetByJobID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "acme", entry.TenantID)
	assert.Equal(t, 7, entry.Priority)
	assert.Equal(t, db.StringSet{"ocr"}, entry.RequiredCaps)

	fresh, err := svc.RetryDLQEntry(ctx, entry.ID)
	require.NoError(t, err)
	assert.NotEqual(t, job.ID, fresh.ID, "retry enqueues a fresh job")
	assert.Equal(t, job.WorkflowID, fresh.WorkflowID)
	assert.Equal(t, "A-17", fresh.Inputs["invoice"])
	assert.Zero(t, fresh.RetryCount)
	assert.Equal(t, "acme", fresh.TenantID)
	assert.Equal(t, 7, fresh.Priority)
	assert.Equal(t, db.StringSet{"ocr"}, fresh.RequiredCaps)

	_, err = dlq.GetByID(ctx, entry.ID)
	assert.ErrorIs(t, err, repositories.ErrNotFound)

	got, err := jobs.GetByID(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
}

func TestRetryDelayBackoff(t *testing.T) {
	svc, _, _ := testService(t)

	// delay(n) = min(max, initial * 2^n) plus at most 10% jitter.
	for n, base := range []time.Duration{
		svc.cfg.RetryInitialDelay,
		2 * svc.cfg.RetryInitialDelay,
		4 * svc.cfg.RetryInitialDelay,
	} {
		d := svc.retryDelay(n)
		assert.GreaterOrEqual(t, d, base)
		assert.LessOrEqual(t, d, base+base/10+time.Millisecond)
	}

	// The cap wins for large attempt counts, jitter included.
	assert.Equal(t, svc.cfg.RetryMaxDelay, svc.retryDelay(40))
}
