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

func TestRobotLogRetention(t *testing.T) {
	repo := NewRobotLogRepository(testDB(t))
	ctx := context.Background()

	robotID := uuid.New()
	jobID := uuid.New()
	now := time.Now().UTC()
	cutoff := now.Add(-30 * 24 * time.Hour)

	require.NoError(t, repo.BulkCreate(ctx, []dbpkg.RobotLog{
		{RobotID: robotID, JobID: &jobID, Timestamp: now.Add(-40 * 24 * time.Hour), Level: "info", Message: "stale"},
		{RobotID: robotID, JobID: &jobID, Timestamp: now.Add(-31 * 24 * time.Hour), Level: "error", Message: "also stale"},
		{RobotID: robotID, JobID: &jobID, Timestamp: now.Add(-10 * 24 * time.Hour), Level: "info", Message: "recent"},
		{RobotID: robotID, Timestamp: now, Level: "warn", Message: "fresh"},
	}))

	deleted, err := repo.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 2, deleted)

	logs, total, err := repo.ListByRobot(ctx, robotID, ListOptions{Limit: 10})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	for _, l := range logs {
		assert.False(t, l.Timestamp.Before(cutoff), "no row survives past the cutoff: %s", l.Message)
	}

	// Second pass finds nothing left to delete.
	deleted, err = repo.DeleteOlderThan(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestRobotLogListOrdering(t *testing.T) {
	repo := NewRobotLogRepository(testDB(t))
	ctx := context.Background()

	robotID := uuid.New()
	jobID := uuid.New()
	base := time.Now().UTC().Add(-time.Hour)

	require.NoError(t, repo.BulkCreate(ctx, []dbpkg.RobotLog{
		{RobotID: robotID, JobID: &jobID, Timestamp: base.Add(2 * time.Minute), Level: "info", Message: "third"},
		{RobotID: robotID, JobID: &jobID, Timestamp: base, Level: "info", Message: "first"},
		{RobotID: robotID, JobID: &jobID, Timestamp: base.Add(time.Minute), Level: "info", Message: "second"},
	}))

	byJob, err := repo.ListByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, byJob, 3)
	assert.Equal(t, "first", byJob[0].Message)
	assert.Equal(t, "second", byJob[1].Message)
	assert.Equal(t, "third", byJob[2].Message)

	byRobot, _, err := repo.ListByRobot(ctx, robotID, ListOptions{Limit: 2})
	require.NoError(t, err)
	require.Len(t, byRobot, 2)
	assert.Equal(t, "third", byRobot[0].Message, "newest first")
	assert.Equal(t, "second", byRobot[1].Message)
}

func TestRobotLogPartitionHelpersInertOnSQLite(t *testing.T) {
	repo := NewRobotLogRepository(testDB(t))
	ctx := context.Background()

	require.NoError(t, repo.EnsureFuturePartitions(ctx, 2))
	dropped, err := repo.DropOldPartitions(ctx, 30)
	require.NoError(t, err)
	assert.Zero(t, dropped)
}

func TestRobotLogBulkCreateEmptyBatch(t *testing.T) {
	repo := NewRobotLogRepository(testDB(t))
	require.NoError(t, repo.BulkCreate(context.Background(), nil))
}
