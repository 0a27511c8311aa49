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

func TestAcquireSlotCapacity(t *testing.T) {
	database := testDB(t)
	repo := NewRobotRepository(database)
	ctx := context.Background()

	robot := seedRobot(t, repo, func(r *dbpkg.Robot) { r.MaxConcurrentJobs = 2 })
	jobA, jobB, jobC := uuid.New(), uuid.New(), uuid.New()

	require.NoError(t, repo.AcquireSlot(ctx, robot.ID, jobA))
	require.NoError(t, repo.AcquireSlot(ctx, robot.ID, jobB))

	// Full: the third job is refused.
	assert.ErrorIs(t, repo.AcquireSlot(ctx, robot.ID, jobC), ErrSlotsExhausted)

	// Re-acquiring a held slot is a no-op, not a second slot.
	require.NoError(t, repo.AcquireSlot(ctx, robot.ID, jobA))

	got, err := repo.GetByID(ctx, robot.ID)
	require.NoError(t, err)
	assert.Len(t, got.CurrentJobIDs, 2)
}

func TestReleaseSlot(t *testing.T) {
	database := testDB(t)
	repo := NewRobotRepository(database)
	ctx := context.Background()

	robot := seedRobot(t, repo, func(r *dbpkg.Robot) { r.MaxConcurrentJobs = 1 })
	jobID := uuid.New()

	require.NoError(t, repo.AcquireSlot(ctx, robot.ID, jobID))
	require.NoError(t, repo.ReleaseSlot(ctx, robot.ID, jobID))

	got, err := repo.GetByID(ctx, robot.ID)
	require.NoError(t, err)
	assert.Empty(t, got.CurrentJobIDs)

	// Releasing an unheld slot is a no-op.
	require.NoError(t, repo.ReleaseSlot(ctx, robot.ID, jobID))

	// The slot is reusable after release.
	require.NoError(t, repo.AcquireSlot(ctx, robot.ID, uuid.New()))
}

func TestUpdateHeartbeatRevivesOfflineRobot(t *testing.T) {
	database := testDB(t)
	repo := NewRobotRepository(database)
	ctx := context.Background()

	robot := seedRobot(t, repo, func(r *dbpkg.Robot) { r.Status = "offline" })

	require.NoError(t, repo.UpdateHeartbeat(ctx, robot.ID, dbpkg.JSONMap{"cpu": 0.5}, time.Now()))

	got, err := repo.GetByID(ctx, robot.ID)
	require.NoError(t, err)
	assert.Equal(t, "online", got.Status)
	assert.NotNil(t, got.LastHeartbeat)

	// A busy robot stays busy; the heartbeat only revives offline ones.
	require.NoError(t, repo.UpdateStatus(ctx, robot.ID, "busy", time.Now()))
	require.NoError(t, repo.UpdateHeartbeat(ctx, robot.ID, nil, time.Now()))
	got, err = repo.GetByID(ctx, robot.ID)
	require.NoError(t, err)
	assert.Equal(t, "busy", got.Status)
}

func TestListMissedHeartbeats(t *testing.T) {
	database := testDB(t)
	repo := NewRobotRepository(database)
	ctx := context.Background()
	now := time.Now()

	silent := seedRobot(t, repo, func(r *dbpkg.Robot) {
		old := now.Add(-10 * time.Minute)
		r.LastHeartbeat = &old
	})
	seedRobot(t, repo, nil) // fresh heartbeat
	seedRobot(t, repo, func(r *dbpkg.Robot) {
		old := now.Add(-10 * time.Minute)
		r.LastHeartbeat = &old
		r.Status = "maintenance" // excluded: deliberate downtime
	})
	seedRobot(t, repo, func(r *dbpkg.Robot) {
		old := now.Add(-10 * time.Minute)
		r.LastHeartbeat = &old
		r.Status = "offline" // excluded: already offline
	})

	got, err := repo.ListMissedHeartbeats(ctx, 90*time.Second, now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, silent.ID, got[0].ID)
}
