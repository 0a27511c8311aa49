package db

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := New(Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)
	return database
}

// The id/created_at/updated_at columns are NOT NULL without defaults, so an
// insert only succeeds when GORM actually writes the embedded Base fields.
func TestBaseColumnsPersistOnCreate(t *testing.T) {
	database := testDB(t)

	key := &APIKey{Prefix: "crk_abcd", Hash: "0ff1ce", Role: "viewer"}
	require.NoError(t, database.Create(key).Error)

	assert.NotEqual(t, uuid.UUID{}, key.ID, "BeforeCreate assigns an ID")
	assert.False(t, key.CreatedAt.IsZero())
	assert.False(t, key.UpdatedAt.IsZero())

	var got APIKey
	require.NoError(t, database.Where("id = ?", key.ID).First(&got).Error)
	assert.Equal(t, key.ID, got.ID)
	assert.WithinDuration(t, key.CreatedAt, got.CreatedAt, time.Second)

	var count int64
	require.NoError(t, database.Model(&APIKey{}).
		Where("created_at IS NOT NULL AND updated_at IS NOT NULL").
		Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestBaseKeepsPresetID(t *testing.T) {
	database := testDB(t)

	id := uuid.New()
	robot := &Robot{
		Base:     Base{ID: id},
		Name:     "worker",
		Hostname: "worker-01",
	}
	require.NoError(t, database.Create(robot).Error)
	assert.Equal(t, id, robot.ID)

	var got Robot
	require.NoError(t, database.First(&got, "id = ?", id).Error)
	assert.Equal(t, "worker-01", got.Hostname)
}

func TestBaseUpdatedAtAdvancesOnUpdate(t *testing.T) {
	database := testDB(t)

	sched := &Schedule{
		WorkflowID:     uuid.New(),
		Name:           "nightly",
		CronExpression: "0 2 * * *",
		Timezone:       "UTC",
	}
	require.NoError(t, database.Create(sched).Error)
	created := sched.UpdatedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, database.Model(sched).Update("name", "nightly-v2").Error)

	var got Schedule
	require.NoError(t, database.First(&got, "id = ?", sched.ID).Error)
	assert.Equal(t, "nightly-v2", got.Name)
	assert.False(t, got.UpdatedAt.Before(created))
}
