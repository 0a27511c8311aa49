package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

type nopPublisher struct{}

func (nopPublisher) PublishJob(uuid.UUID, events.MessageType, any)   {}
func (nopPublisher) PublishRobot(uuid.UUID, events.MessageType, any) {}

func testScheduler(t *testing.T) (*Scheduler, repositories.ScheduleRepository, *gorm.DB) {
	t.Helper()
	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	schedules := repositories.NewScheduleRepository(database)
	q := queue.NewService(
		repositories.NewJobRepository(database),
		repositories.NewRobotRepository(database),
		repositories.NewDLQRepository(database),
		config.Default(), nopPublisher{}, metrics.NewNop(), zap.NewNop(),
	)
	sched := New(schedules, q, config.Default(), metrics.NewNop(), zap.NewNop())
	return sched, schedules, database
}

func countJobs(t *testing.T, database *gorm.DB, scheduleID uuid.UUID) int64 {
	t.Helper()
	var n int64
	require.NoError(t, database.Model(&db.Job{}).
		Where("schedule_id = ?", scheduleID).Count(&n).Error)
	return n
}

func TestNextAfter(t *testing.T) {
	// 09:00 in New York during daylight saving is 13:00 UTC.
	from := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	next, err := NextAfter("0 9 * * *", "America/New_York", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 1, 13, 0, 0, 0, time.UTC), next.UTC())

	// Descriptors parse too.
	next, err = NextAfter("@daily", "UTC", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 6, 2, 0, 0, 0, 0, time.UTC), next.UTC())

	_, err = NextAfter("not a cron", "UTC", from)
	assert.ErrorIs(t, err, ErrBadCron)

	_, err = NextAfter("* * * * *", "Mars/Olympus", from)
	assert.ErrorIs(t, err, ErrBadCron)
}

func TestTickFiresDueScheduleOnce(t *testing.T) {
	sched, schedules, database := testScheduler(t)
	ctx := context.Background()

	due := time.Now().Add(-time.Minute).Truncate(time.Second)
	record := &db.Schedule{
		WorkflowID:     uuid.New(),
		Name:           "hourly-sync",
		CronExpression: "0 * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		NextRun:        &due,
	}
	require.NoError(t, schedules.Create(ctx, record))

	require.NoError(t, sched.Tick(ctx))
	assert.EqualValues(t, 1, countJobs(t, database, record.ID))

	got, err := schedules.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.RunCount)

	// Advancement comes from the observed due time, not from the wall clock.
	expected, err := NextAfter(record.CronExpression, record.Timezone, due)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)
	assert.WithinDuration(t, expected, *got.NextRun, time.Second)

	// Nothing is due anymore; a second tick is a no-op.
	require.NoError(t, sched.Tick(ctx))
	assert.EqualValues(t, 1, countJobs(t, database, record.ID))
}

func TestFireReplayCollapsesToOneJob(t *testing.T) {
	sched, schedules, database := testScheduler(t)
	ctx := context.Background()

	due := time.Now().Add(-time.Minute).Truncate(time.Second)
	record := &db.Schedule{
		WorkflowID:     uuid.New(),
		Name:           "nightly-report",
		CronExpression: "0 2 * * *",
		Timezone:       "UTC",
		Enabled:        true,
		NextRun:        &due,
	}
	require.NoError(t, schedules.Create(ctx, record))

	// A replica still holding the pre-fire snapshot replays the occurrence.
	stale := *record
	require.NoError(t, sched.fire(ctx, record))
	require.NoError(t, sched.fire(ctx, &stale))

	assert.EqualValues(t, 1, countJobs(t, database, record.ID))

	got, err := schedules.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.RunCount)
}

func TestFireEnqueueFailureDefersWithoutAdvancing(t *testing.T) {
	sched, schedules, database := testScheduler(t)
	ctx := context.Background()

	due := time.Now().Add(-time.Minute).Truncate(time.Second)
	record := &db.Schedule{
		WorkflowID:     uuid.UUID{}, // rejected by the queue
		Name:           "broken",
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		NextRun:        &due,
	}
	require.NoError(t, schedules.Create(ctx, record))

	err := sched.fire(ctx, record)
	require.ErrorIs(t, err, queue.ErrInvalid)
	assert.Zero(t, countJobs(t, database, record.ID))

	got, err := schedules.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.FailureCount)
	require.NotNil(t, got.NextRun)
	assert.WithinDuration(t, due, *got.NextRun, time.Second, "a misfire never advances next_run")

	// The schedule sits out the backoff window, then becomes eligible again.
	assert.True(t, sched.skipForBackoff(record.ID))
	sched.now = func() time.Time { return time.Now().Add(enqueueFailureBackoff + time.Second) }
	assert.False(t, sched.skipForBackoff(record.ID))
}

func TestCreateScheduleComputesNextRun(t *testing.T) {
	sched, schedules, _ := testScheduler(t)
	ctx := context.Background()

	record := &db.Schedule{
		WorkflowID:     uuid.New(),
		Name:           "weekly",
		CronExpression: "0 6 * * 1",
	}
	require.NoError(t, sched.CreateSchedule(ctx, record))
	assert.Equal(t, "UTC", record.Timezone)
	require.NotNil(t, record.NextRun)
	assert.True(t, record.NextRun.After(time.Now()))

	got, err := schedules.GetByID(ctx, record.ID)
	require.NoError(t, err)
	require.NotNil(t, got.NextRun)

	bad := &db.Schedule{WorkflowID: uuid.New(), Name: "bad", CronExpression: "61 * * * *"}
	assert.ErrorIs(t, sched.CreateSchedule(ctx, bad), ErrBadCron)
}

func TestSetEnabledRecomputesFromNow(t *testing.T) {
	sched, schedules, _ := testScheduler(t)
	ctx := context.Background()

	missed := time.Now().Add(-48 * time.Hour)
	record := &db.Schedule{
		WorkflowID:     uuid.New(),
		Name:           "paused",
		CronExpression: "0 2 * * *",
		Timezone:       "UTC",
		Enabled:        false,
		NextRun:        &missed,
	}
	require.NoError(t, schedules.Create(ctx, record))

	require.NoError(t, sched.SetEnabled(ctx, record.ID, true))

	got, err := schedules.GetByID(ctx, record.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRun)
	assert.True(t, got.NextRun.After(time.Now()), "missed occurrences are not replayed")
}
