package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbpkg "github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

func seedSchedule(t *testing.T, repo ScheduleRepository, nextRun time.Time, enabled bool) *dbpkg.Schedule {
	t.Helper()
	s := &dbpkg.Schedule{
		WorkflowID:     uuid.New(),
		Name:           "nightly",
		CronExpression: "0 2 * * *",
		Timezone:       "UTC",
		Enabled:        enabled,
		NextRun:        &nextRun,
	}
	require.NoError(t, repo.Create(context.Background(), s))
	return s
}

func TestListDue(t *testing.T) {
	database := testDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()
	now := time.Now()

	due := seedSchedule(t, repo, now.Add(-time.Minute), true)
	seedSchedule(t, repo, now.Add(time.Hour), true)       // not yet due
	seedSchedule(t, repo, now.Add(-time.Minute), false)   // disabled

	got, err := repo.ListDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestAdvanceAfterFire(t *testing.T) {
	database := testDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()
	now := time.Now()

	observed := now.Add(-time.Minute)
	sched := seedSchedule(t, repo, observed, true)
	next := observed.Add(24 * time.Hour)

	require.NoError(t, repo.AdvanceAfterFire(ctx, sched.ID, observed, now, next))

	got, err := repo.GetByID(ctx, sched.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.WithinDuration(t, next, *got.NextRun, time.Second)
	require.NotNil(t, got.LastRun)
	assert.EqualValues(t, 1, got.RunCount)

	// A replica holding the stale pre-fire next_run loses the election.
	err = repo.AdvanceAfterFire(ctx, sched.ID, observed, now, next.Add(24*time.Hour))
	assert.ErrorIs(t, err, ErrStaleAdvance)

	got, err = repo.GetByID(ctx, sched.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.RunCount, "the stale advance must have no effect")
}

func TestRecordFailure(t *testing.T) {
	database := testDB(t)
	repo := NewScheduleRepository(database)
	ctx := context.Background()

	observed := time.Now().Add(-time.Minute)
	sched := seedSchedule(t, repo, observed, true)

	require.NoError(t, repo.RecordFailure(ctx, sched.ID))
	require.NoError(t, repo.RecordFailure(ctx, sched.ID))

	got, err := repo.GetByID(ctx, sched.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.FailureCount)
	require.NotNil(t, got.NextRun)
	assert.WithinDuration(t, observed, *got.NextRun, time.Second, "a failure never advances next_run")
}
