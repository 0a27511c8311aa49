package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbpkg "github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

func TestClaimNextSingleWinner(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	job := seedJob(t, repo, nil)

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []uuid.UUID
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			robotID := uuid.New()
			claimed, err := repo.ClaimNext(context.Background(), robotID, ClaimFilter{}, time.Now())
			if err != nil {
				assert.ErrorIs(t, err, ErrNotFound)
				return
			}
			mu.Lock()
			wins = append(wins, robotID)
			mu.Unlock()
			assert.Equal(t, job.ID, claimed.ID)
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1, "exactly one claimer must win")

	got, err := repo.GetByID(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, "claimed", got.Status)
	require.NotNil(t, got.ClaimedBy)
	assert.Equal(t, wins[0], *got.ClaimedBy)
	assert.NotNil(t, got.LockHeartbeat)
}

func TestClaimNextOrder(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	low := seedJob(t, repo, func(j *dbpkg.Job) { j.Priority = 1 })
	high := seedJob(t, repo, func(j *dbpkg.Job) { j.Priority = 9 })

	first, err := repo.ClaimNext(ctx, uuid.New(), ClaimFilter{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, high.ID, first.ID, "higher priority claims first")

	second, err := repo.ClaimNext(ctx, uuid.New(), ClaimFilter{}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, low.ID, second.ID)

	_, err = repo.ClaimNext(ctx, uuid.New(), ClaimFilter{}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestClaimNextCapabilitySubset(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	job := seedJob(t, repo, func(j *dbpkg.Job) {
		j.RequiredCaps = dbpkg.StringSet{"browser", "excel"}
	})

	// A robot missing one required capability never claims the job.
	_, err := repo.ClaimNext(ctx, uuid.New(), ClaimFilter{
		Capabilities: dbpkg.StringSet{"browser"},
	}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	claimed, err := repo.ClaimNext(ctx, uuid.New(), ClaimFilter{
		Capabilities: dbpkg.StringSet{"browser", "excel", "sap"},
	}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, job.ID, claimed.ID)
}

func TestClaimNextSkipsDeferredJobs(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	seedJob(t, repo, func(j *dbpkg.Job) { j.ScheduledTime = &future })

	_, err := repo.ClaimNext(ctx, uuid.New(), ClaimFilter{}, time.Now())
	assert.ErrorIs(t, err, ErrNotFound)

	// Eligible once the scheduled time arrives.
	_, err = repo.ClaimNext(ctx, uuid.New(), ClaimFilter{}, future.Add(time.Second))
	assert.NoError(t, err)
}

func TestClaimNextTargeted(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	seedJob(t, repo, func(j *dbpkg.Job) { j.Priority = 9 })
	target := seedJob(t, repo, nil)

	claimed, err := repo.ClaimNext(ctx, uuid.New(), ClaimFilter{JobID: &target.ID}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, target.ID, claimed.ID, "targeted claim ignores dispatch order")
}

func TestRenewLease(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	robotID := uuid.New()

	job := seedJob(t, repo, nil)
	_, err := repo.ClaimNext(ctx, robotID, ClaimFilter{}, time.Now())
	require.NoError(t, err)

	later := time.Now().Add(30 * time.Second)
	require.NoError(t, repo.RenewLease(ctx, job.ID, robotID, later))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LockHeartbeat)
	assert.WithinDuration(t, later, *got.LockHeartbeat, time.Second)

	// An out-of-order renewal never moves the heartbeat backwards.
	require.NoError(t, repo.RenewLease(ctx, job.ID, robotID, later.Add(-time.Minute)))
	got, err = repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, later, *got.LockHeartbeat, time.Second)

	// A robot that does not hold the lease cannot renew it.
	err = repo.RenewLease(ctx, job.ID, uuid.New(), time.Now())
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestSetProgressOrdering(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	robotID := uuid.New()

	job := seedJob(t, repo, nil)
	_, err := repo.ClaimNext(ctx, robotID, ClaimFilter{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.SetRunning(ctx, job.ID, robotID, time.Now()))

	newer := "00000000000000000000000000000002"
	older := "00000000000000000000000000000001"

	require.NoError(t, repo.SetProgress(ctx, job.ID, robotID, 50, "node-b", newer))

	// The stale frame is dropped silently; state keeps the newer values.
	require.NoError(t, repo.SetProgress(ctx, job.ID, robotID, 10, "node-a", older))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, "node-b", got.CurrentNode)
	assert.Equal(t, newer, got.LastMsgID)

	// A non-holder gets a lease error, not a silent drop.
	err = repo.SetProgress(ctx, job.ID, uuid.New(), 75, "node-c", "00000000000000000000000000000003")
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestTerminalStatusIsAbsorbing(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	robotID := uuid.New()

	job := seedJob(t, repo, nil)
	_, err := repo.ClaimNext(ctx, robotID, ClaimFilter{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.SetRunning(ctx, job.ID, robotID, time.Now()))

	require.NoError(t, repo.CompleteOwned(ctx, job.ID, robotID, []byte(`{"ok":true}`), time.Now()))

	// Replayed completion and any subsequent mutation are refused.
	assert.ErrorIs(t, repo.CompleteOwned(ctx, job.ID, robotID, []byte(`{}`), time.Now()), ErrTerminal)
	assert.ErrorIs(t, repo.FailTerminal(ctx, job.ID, nil, "failed", "late", "", time.Now()), ErrTerminal)
	assert.ErrorIs(t, repo.FailRetry(ctx, job.ID, robotID, "late", "", time.Now()), ErrTerminal)

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.NotNil(t, got.CompletedAt)
	assert.Nil(t, got.ClaimedBy)
}

func TestFailRetryReturnsJobToPending(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	robotID := uuid.New()

	job := seedJob(t, repo, nil)
	_, err := repo.ClaimNext(ctx, robotID, ClaimFilter{}, time.Now())
	require.NoError(t, err)

	next := time.Now().Add(2 * time.Second)
	require.NoError(t, repo.FailRetry(ctx, job.ID, robotID, "boom", "INVALID_PAYLOAD", next))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ClaimedBy)
	assert.Nil(t, got.LockHeartbeat)
	require.NotNil(t, got.ScheduledTime)
	assert.WithinDuration(t, next, *got.ScheduledTime, time.Second)
}

func TestReleaseOwnedDoesNotConsumeRetry(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	robotID := uuid.New()

	job := seedJob(t, repo, nil)
	_, err := repo.ClaimNext(ctx, robotID, ClaimFilter{}, time.Now())
	require.NoError(t, err)

	require.NoError(t, repo.ReleaseOwned(ctx, job.ID, robotID))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "pending", got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.ClaimedBy)

	// Releasing twice, or from running, is a lease error.
	assert.ErrorIs(t, repo.ReleaseOwned(ctx, job.ID, robotID), ErrLeaseLost)
}

func TestCancelPending(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	job := seedJob(t, repo, nil)
	require.NoError(t, repo.CancelPending(ctx, job.ID, "operator", time.Now()))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", got.Status)
	assert.Equal(t, "operator", got.CancelReason)

	// No longer pending: a second direct cancel conflicts.
	assert.ErrorIs(t, repo.CancelPending(ctx, job.ID, "again", time.Now()), ErrConflict)
}

func TestMarkCancelRequestedOnlyActive(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	job := seedJob(t, repo, nil)
	assert.ErrorIs(t, repo.MarkCancelRequested(ctx, job.ID, "nope", time.Now()), ErrConflict)

	robotID := uuid.New()
	_, err := repo.ClaimNext(ctx, robotID, ClaimFilter{}, time.Now())
	require.NoError(t, err)
	require.NoError(t, repo.MarkCancelRequested(ctx, job.ID, "operator", time.Now()))

	got, err := repo.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested)
	assert.Equal(t, "claimed", got.Status, "cooperative cancel leaves the status to the robot")
}

func TestListStaleLeases(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	now := time.Now()

	stale := seedJob(t, repo, nil)
	claimed, err := repo.ClaimNext(ctx, uuid.New(), ClaimFilter{}, now.Add(-5*time.Minute))
	require.NoError(t, err)
	require.Equal(t, stale.ID, claimed.ID)

	fresh := seedJob(t, repo, nil)
	claimed, err = repo.ClaimNext(ctx, uuid.New(), ClaimFilter{}, now)
	require.NoError(t, err)
	require.Equal(t, fresh.ID, claimed.ID)

	got, err := repo.ListStaleLeases(ctx, 90*time.Second, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, stale.ID, got[0].ID)
}

func TestListExpiredTimeouts(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	robotID := uuid.New()
	now := time.Now()

	job := seedJob(t, repo, func(j *dbpkg.Job) { j.TimeoutSeconds = 60 })
	_, err := repo.ClaimNext(ctx, robotID, ClaimFilter{}, now)
	require.NoError(t, err)
	require.NoError(t, repo.SetRunning(ctx, job.ID, robotID, now.Add(-2*time.Minute)))

	// A job without a timeout budget never expires.
	unbounded := seedJob(t, repo, nil)
	otherRobot := uuid.New()
	_, err = repo.ClaimNext(ctx, otherRobot, ClaimFilter{}, now)
	require.NoError(t, err)
	require.NoError(t, repo.SetRunning(ctx, unbounded.ID, otherRobot, now.Add(-2*time.Hour)))

	got, err := repo.ListExpiredTimeouts(ctx, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, job.ID, got[0].ID)
}

func TestIdempotencyKeyUnique(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	key := "sched:test:1"
	seedJob(t, repo, func(j *dbpkg.Job) { j.IdempotencyKey = &key })

	dup := &dbpkg.Job{WorkflowID: uuid.New(), Status: "pending", IdempotencyKey: &key}
	assert.ErrorIs(t, repo.Create(ctx, dup), ErrConflict)

	got, err := repo.GetByIdempotencyKey(ctx, key)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestClearIdempotencyKeys(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	settledKey, activeKey, recentKey := "k-settled", "k-active", "k-recent"
	settled := seedJob(t, repo, func(j *dbpkg.Job) {
		j.Status = "completed"
		j.CompletedAt = &old
		j.IdempotencyKey = &settledKey
	})
	seedJob(t, repo, func(j *dbpkg.Job) { j.IdempotencyKey = &activeKey })
	recent := time.Now().Add(-time.Hour)
	seedJob(t, repo, func(j *dbpkg.Job) {
		j.Status = "failed"
		j.CompletedAt = &recent
		j.IdempotencyKey = &recentKey
	})

	n, err := repo.ClearIdempotencyKeys(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	_, err = repo.GetByIdempotencyKey(ctx, settledKey)
	assert.ErrorIs(t, err, ErrNotFound, "the old key is reusable")
	_, err = repo.GetByIdempotencyKey(ctx, activeKey)
	assert.NoError(t, err)
	_, err = repo.GetByIdempotencyKey(ctx, recentKey)
	assert.NoError(t, err)

	got, err := repo.GetByID(ctx, settled.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", got.Status, "only the key is touched")
}

func TestCountClaims(t *testing.T) {
	database := testDB(t)
	repo := NewJobRepository(database)
	ctx := context.Background()

	job := seedJob(t, repo, nil)
	for i := 0; i < 3; i++ {
		require.NoError(t, repo.AppendHistory(ctx, &dbpkg.JobHistory{JobID: job.ID, EventType: "claimed"}))
	}
	require.NoError(t, repo.AppendHistory(ctx, &dbpkg.JobHistory{JobID: job.ID, EventType: "running"}))

	n, err := repo.CountClaims(ctx, job.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)
}
