package repositories

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	dbpkg "github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// testDB opens a fresh in-memory SQLite database with migrations applied.
func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := dbpkg.New(dbpkg.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// seedJob inserts a pending job and returns it.
func seedJob(t *testing.T, repo JobRepository, mutate func(*dbpkg.Job)) *dbpkg.Job {
	t.Helper()
	job := &dbpkg.Job{
		WorkflowID: uuid.New(),
		Status:     "pending",
		MaxRetries: 3,
	}
	if mutate != nil {
		mutate(job)
	}
	require.NoError(t, repo.Create(context.Background(), job))
	return job
}

// seedRobot inserts an online robot and returns it.
func seedRobot(t *testing.T, repo RobotRepository, mutate func(*dbpkg.Robot)) *dbpkg.Robot {
	t.Helper()
	now := time.Now()
	robot := &dbpkg.Robot{
		Name:              "worker",
		Hostname:          "worker-" + uuid.NewString()[:8],
		Status:            "online",
		MaxConcurrentJobs: 1,
		LastHeartbeat:     &now,
	}
	if mutate != nil {
		mutate(robot)
	}
	require.NoError(t, repo.Create(context.Background(), robot))
	return robot
}
