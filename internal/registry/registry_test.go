package registry

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
	dbpkg "github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

type nopPublisher struct{}

func (nopPublisher) PublishJob(uuid.UUID, events.MessageType, any)   {}
func (nopPublisher) PublishRobot(uuid.UUID, events.MessageType, any) {}

type staticIssuer struct{}

func (staticIssuer) IssueRobotToken(uuid.UUID, string) (string, error) {
	return "session-token", nil
}

func testRegistry(t *testing.T) (*Service, repositories.RobotRepository, repositories.AssignmentRepository) {
	t.Helper()
	database, err := dbpkg.New(dbpkg.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: gormlogger.Silent,
	})
	require.NoError(t, err)

	robots := repositories.NewRobotRepository(database)
	assignments := repositories.NewAssignmentRepository(database)
	svc := NewService(robots, assignments, config.Default(), staticIssuer{}, nopPublisher{}, metrics.NewNop(), zap.NewNop())
	return svc, robots, assignments
}

func register(t *testing.T, svc *Service, mutate func(*RegisterRequest)) *dbpkg.Robot {
	t.Helper()
	req := RegisterRequest{
		Name:              "worker",
		Hostname:          "host-" + uuid.NewString()[:8],
		Capabilities:      dbpkg.StringSet{"browser"},
		MaxConcurrentJobs: 1,
	}
	if mutate != nil {
		mutate(&req)
	}
	reg, err := svc.Register(context.Background(), req)
	require.NoError(t, err)
	return reg.Robot
}

func TestRegisterUpsertsByHostname(t *testing.T) {
	svc, _, _ := testRegistry(t)
	ctx := context.Background()

	reg, err := svc.Register(ctx, RegisterRequest{
		Name:         "agent-1",
		Hostname:     "wh-floor-3",
		Capabilities: dbpkg.StringSet{"browser"},
		Version:      "1.0.0",
	})
	require.NoError(t, err)
	assert.Equal(t, "session-token", reg.SessionToken)
	assert.Equal(t, 1, reg.Robot.MaxConcurrentJobs, "zero defaults to one")

	// A reinstalled agent on the same host keeps its identity.
	again, err := svc.Register(ctx, RegisterRequest{
		Name:              "agent-1",
		Hostname:          "wh-floor-3",
		Capabilities:      dbpkg.StringSet{"browser", "excel"},
		MaxConcurrentJobs: 4,
		Version:           "1.1.0",
	})
	require.NoError(t, err)
	assert.Equal(t, reg.Robot.ID, again.Robot.ID)
	assert.Equal(t, "1.1.0", again.Robot.Version)
	assert.True(t, again.Robot.Capabilities.Contains("excel"))

	_, err = svc.Register(ctx, RegisterRequest{Name: "x"})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestEligibleRobotsCapabilityFilter(t *testing.T) {
	svc, _, _ := testRegistry(t)
	ctx := context.Background()

	capable := register(t, svc, func(r *RegisterRequest) {
		r.Capabilities = dbpkg.StringSet{"browser", "excel", "sap"}
	})
	register(t, svc, func(r *RegisterRequest) {
		r.Capabilities = dbpkg.StringSet{"browser"}
	})

	job := &dbpkg.Job{WorkflowID: uuid.New(), RequiredCaps: dbpkg.StringSet{"browser", "sap"}}
	got, err := svc.EligibleRobots(ctx, job)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, capable.ID, got[0].ID)
}

func TestEligibleRobotsAssignmentRestriction(t *testing.T) {
	svc, _, assignments := testRegistry(t)
	ctx := context.Background()
	workflowID := uuid.New()

	pinned := register(t, svc, nil)
	backup := register(t, svc, nil)
	register(t, svc, nil) // unassigned, excluded once assignments exist

	require.NoError(t, assignments.CreateAssignment(ctx, &dbpkg.WorkflowAssignment{
		WorkflowID: workflowID, RobotID: backup.ID, Priority: 1,
	}))
	require.NoError(t, assignments.CreateAssignment(ctx, &dbpkg.WorkflowAssignment{
		WorkflowID: workflowID, RobotID: pinned.ID, Priority: 0, IsDefault: true,
	}))

	job := &dbpkg.Job{WorkflowID: workflowID, RequiredCaps: dbpkg.StringSet{"browser"}}
	got, err := svc.EligibleRobots(ctx, job)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, pinned.ID, got[0].ID, "the default assignment outranks explicit priorities")
	assert.Equal(t, backup.ID, got[1].ID)
}

func TestEligibleRobotsPrefersIdleRobots(t *testing.T) {
	svc, robots, _ := testRegistry(t)
	ctx := context.Background()

	busy := register(t, svc, func(r *RegisterRequest) { r.MaxConcurrentJobs = 2 })
	idle := register(t, svc, func(r *RegisterRequest) { r.MaxConcurrentJobs = 2 })
	require.NoError(t, robots.AcquireSlot(ctx, busy.ID, uuid.New()))

	job := &dbpkg.Job{WorkflowID: uuid.New(), RequiredCaps: dbpkg.StringSet{"browser"}}
	got, err := svc.EligibleRobots(ctx, job)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, idle.ID, got[0].ID, "lower slot utilization wins")
}

func TestRequiredCapabilitiesIncludesOverrides(t *testing.T) {
	svc, _, assignments := testRegistry(t)
	ctx := context.Background()
	workflowID := uuid.New()

	require.NoError(t, assignments.UpsertOverride(ctx, &dbpkg.NodeRobotOverride{
		WorkflowID:   workflowID,
		NodeID:       "extract-invoice",
		RequiredCaps: dbpkg.StringSet{"ocr"},
	}))

	job := &dbpkg.Job{WorkflowID: workflowID, RequiredCaps: dbpkg.StringSet{"browser"}}
	required, err := svc.RequiredCapabilities(ctx, job)
	require.NoError(t, err)
	assert.True(t, required.ContainsAll(dbpkg.StringSet{"browser", "ocr"}))
}

func TestWorkflowIDsFor(t *testing.T) {
	svc, _, assignments := testRegistry(t)
	ctx := context.Background()

	free := register(t, svc, nil)
	bound := register(t, svc, nil)
	workflowID := uuid.New()
	require.NoError(t, assignments.CreateAssignment(ctx, &dbpkg.WorkflowAssignment{
		WorkflowID: workflowID, RobotID: bound.ID,
	}))

	ids, err := svc.WorkflowIDsFor(ctx, free.ID)
	require.NoError(t, err)
	assert.Nil(t, ids, "no assignments means no restriction")

	ids, err = svc.WorkflowIDsFor(ctx, bound.ID)
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, workflowID, ids[0])
}

func TestMarkOfflineStale(t *testing.T) {
	svc, robots, _ := testRegistry(t)
	ctx := context.Background()

	silent := register(t, svc, nil)
	fresh := register(t, svc, nil)

	svc.now = func() time.Time { return time.Now().Add(svc.cfg.OfflineCutoff() + time.Minute) }
	require.NoError(t, svc.Heartbeat(ctx, fresh.ID, nil))

	stale, err := svc.MarkOfflineStale(ctx)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, silent.ID, stale[0].ID)

	got, err := robots.GetByID(ctx, silent.ID)
	require.NoError(t, err)
	assert.Equal(t, "offline", got.Status)
}
