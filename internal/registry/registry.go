// Package registry owns robot records: registration, heartbeats, capability
// routing and concurrency slot accounting. It is the only writer of the
// robots table.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/config"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/metrics"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// TokenIssuer mints robot session tokens on successful registration.
// Implemented by the auth service.
type TokenIssuer interface {
	IssueRobotToken(robotID uuid.UUID, tenantID string) (string, error)
}

// RegisterRequest carries a robot's identity and advertised capabilities.
type RegisterRequest struct {
	Name              string
	Hostname          string
	TenantID          string
	Capabilities      db.StringSet
	Tags              db.StringSet
	MaxConcurrentJobs int
	Version           string
}

// Registration is the outcome of a successful Register call.
type Registration struct {
	Robot        *db.Robot
	SessionToken string
}

// ErrInvalid is returned for registration requests that fail validation.
var ErrInvalid = errors.New("registry: invalid request")

// Service implements the robot registry and capability router.
type Service struct {
	robots      repositories.RobotRepository
	assignments repositories.AssignmentRepository

	cfg     config.Config
	tokens  TokenIssuer
	hub     events.Publisher
	metrics *metrics.Metrics
	logger  *zap.Logger

	now func() time.Time
}

// NewService wires the registry.
func NewService(
	robots repositories.RobotRepository,
	assignments repositories.AssignmentRepository,
	cfg config.Config,
	tokens TokenIssuer,
	hub events.Publisher,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		robots:      robots,
		assignments: assignments,
		cfg:         cfg,
		tokens:      tokens,
		hub:         hub,
		metrics:     m,
		logger:      logger.Named("registry"),
		now:         time.Now,
	}
}

// Register creates or updates the robot record, marks it online and issues a
// session token. Re-registration from the same hostname updates the existing
// record so a reinstalled agent keeps its identity and assignments.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*Registration, error) {
	if req.Name == "" || req.Hostname == "" {
		return nil, fmt.Errorf("%w: name and hostname are required", ErrInvalid)
	}
	if req.MaxConcurrentJobs < 1 {
		req.MaxConcurrentJobs = 1
	}
	now := s.now()

	robot, err := s.robots.GetByHostname(ctx, req.Hostname)
	switch {
	case err == nil:
		robot.Name = req.Name
		robot.Status = "online"
		robot.Capabilities = req.Capabilities
		robot.Tags = req.Tags
		robot.MaxConcurrentJobs = req.MaxConcurrentJobs
		robot.Version = req.Version
		if uerr := s.robots.Update(ctx, robot); uerr != nil {
			return nil, uerr
		}
		if uerr := s.robots.UpdateStatus(ctx, robot.ID, "online", now); uerr != nil {
			return nil, uerr
		}
	case errors.Is(err, repositories.ErrNotFound):
		robot = &db.Robot{
			Name:              req.Name,
			Hostname:          req.Hostname,
			Status:            "online",
			Capabilities:      req.Capabilities,
			Tags:              req.Tags,
			MaxConcurrentJobs: req.MaxConcurrentJobs,
			Version:           req.Version,
			LastHeartbeat:     &now,
		}
		if cerr := s.robots.Create(ctx, robot); cerr != nil {
			return nil, cerr
		}
	default:
		return nil, err
	}

	token, err := s.tokens.IssueRobotToken(robot.ID, req.TenantID)
	if err != nil {
		return nil, err
	}

	s.hub.PublishRobot(robot.ID, events.MsgRobotStatus, db.JSONMap{
		"robot_id": robot.ID.String(), "status": "online",
	})
	s.logger.Info("robot registered",
		zap.String("robot_id", robot.ID.String()),
		zap.String("hostname", robot.Hostname),
		zap.Int("max_concurrent", robot.MaxConcurrentJobs),
	)
	return &Registration{Robot: robot, SessionToken: token}, nil
}

// Heartbeat records robot liveness and the latest metrics snapshot.
func (s *Service) Heartbeat(ctx context.Context, robotID uuid.UUID, robotMetrics db.JSONMap) error {
	if err := s.robots.UpdateHeartbeat(ctx, robotID, robotMetrics, s.now()); err != nil {
		return err
	}
	s.metrics.HeartbeatsTotal.Inc()
	if robotMetrics != nil {
		s.hub.PublishRobot(robotID, events.MsgRobotMetrics, robotMetrics)
	}
	return nil
}

// UpdateCapabilities replaces the robot's advertised capability set.
// Idempotent.
func (s *Service) UpdateCapabilities(ctx context.Context, robotID uuid.UUID, caps db.StringSet) error {
	return s.robots.UpdateCapabilities(ctx, robotID, caps)
}

// SetStatus transitions the robot's lifecycle status (online, busy, error,
// maintenance, offline) and publishes the change.
func (s *Service) SetStatus(ctx context.Context, robotID uuid.UUID, status string) error {
	if err := s.robots.UpdateStatus(ctx, robotID, status, s.now()); err != nil {
		return err
	}
	s.hub.PublishRobot(robotID, events.MsgRobotStatus, db.JSONMap{
		"robot_id": robotID.String(), "status": status,
	})
	return nil
}

// AcquireSlot reserves a concurrency slot on the robot for jobID.
func (s *Service) AcquireSlot(ctx context.Context, robotID, jobID uuid.UUID) error {
	return s.robots.AcquireSlot(ctx, robotID, jobID)
}

// ReleaseSlot frees the slot held for jobID.
func (s *Service) ReleaseSlot(ctx context.Context, robotID, jobID uuid.UUID) error {
	return s.robots.ReleaseSlot(ctx, robotID, jobID)
}

// MarkOfflineStale marks robots offline that missed their heartbeat window.
// Their leased jobs are not touched here; the queue's stale-lock sweep
// reclaims them on its own cadence. Returns the robots transitioned.
func (s *Service) MarkOfflineStale(ctx context.Context) ([]db.Robot, error) {
	stale, err := s.robots.ListMissedHeartbeats(ctx, s.cfg.OfflineCutoff(), s.now())
	if err != nil {
		return nil, err
	}
	for i := range stale {
		robot := &stale[i]
		if err := s.robots.UpdateStatus(ctx, robot.ID, "offline", s.now()); err != nil {
			return stale[:i], err
		}
		s.hub.PublishRobot(robot.ID, events.MsgRobotStatus, db.JSONMap{
			"robot_id": robot.ID.String(), "status": "offline",
		})
		s.logger.Warn("robot marked offline",
			zap.String("robot_id", robot.ID.String()),
			zap.String("hostname", robot.Hostname),
		)
	}
	return stale, nil
}

// Deregister removes the robot and its workflow assignments.
func (s *Service) Deregister(ctx context.Context, robotID uuid.UUID) error {
	if err := s.assignments.DeleteAssignmentsByRobot(ctx, robotID); err != nil {
		return err
	}
	if err := s.robots.Delete(ctx, robotID); err != nil {
		return err
	}
	s.hub.PublishRobot(robotID, events.MsgRobotStatus, db.JSONMap{
		"robot_id": robotID.String(), "status": "deregistered",
	})
	return nil
}

// -----------------------------------------------------------------------------
// Capability routing
// -----------------------------------------------------------------------------

// candidate pairs a robot with its ranking inputs.
type candidate struct {
	robot    db.Robot
	assigned bool
	priority int
}

// EligibleRobots returns robots able to execute job, best first. A robot is
// eligible when it is online or busy, has the job's required capabilities as
// a subset of its own, and, when the workflow has explicit assignments,
// appears among them. Ranking: assigned robots first (by assignment
// priority), then lower slot utilization, then more recent heartbeat.
func (s *Service) EligibleRobots(ctx context.Context, job *db.Job) ([]db.Robot, error) {
	required, err := s.RequiredCapabilities(ctx, job)
	if err != nil {
		return nil, err
	}

	assignments, err := s.assignments.ListAssignmentsByWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return nil, err
	}
	assigned := make(map[uuid.UUID]int, len(assignments))
	for _, a := range assignments {
		p := a.Priority
		if a.IsDefault {
			p += 1 << 16 // defaults outrank any explicit priority
		}
		assigned[a.RobotID] = p
	}

	var pool []db.Robot
	for _, status := range []string{"online", "busy"} {
		robots, lerr := s.robots.ListByStatus(ctx, status)
		if lerr != nil {
			return nil, lerr
		}
		pool = append(pool, robots...)
	}

	var candidates []candidate
	for _, robot := range pool {
		if !robot.Capabilities.ContainsAll(required) {
			continue
		}
		prio, isAssigned := assigned[robot.ID]
		if len(assigned) > 0 && !isAssigned {
			continue
		}
		candidates = append(candidates, candidate{robot: robot, assigned: isAssigned, priority: prio})
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.assigned != b.assigned {
			return a.assigned
		}
		if a.assigned && a.priority != b.priority {
			return a.priority > b.priority
		}
		au, bu := utilization(&a.robot), utilization(&b.robot)
		if au != bu {
			return au < bu
		}
		return heartbeatAfter(&a.robot, &b.robot)
	})

	out := make([]db.Robot, len(candidates))
	for i, c := range candidates {
		out[i] = c.robot
	}
	return out, nil
}

// RequiredCapabilities assembles the job's effective requirement set: the
// job-level filter union the capability requirements of any node overrides
// of its workflow.
func (s *Service) RequiredCapabilities(ctx context.Context, job *db.Job) (db.StringSet, error) {
	required := job.RequiredCaps
	overrides, err := s.assignments.ListOverridesByWorkflow(ctx, job.WorkflowID)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		for _, c := range o.RequiredCaps {
			required = required.Add(c)
		}
	}
	return required, nil
}

// WorkflowIDsFor returns the workflow eligibility set for a claiming robot:
// nil (no restriction) when the robot has no explicit assignments, otherwise
// the workflows assigned to it.
func (s *Service) WorkflowIDsFor(ctx context.Context, robotID uuid.UUID) ([]uuid.UUID, error) {
	assignments, err := s.assignments.ListAssignmentsByRobot(ctx, robotID)
	if err != nil {
		return nil, err
	}
	if len(assignments) == 0 {
		return nil, nil
	}
	ids := make([]uuid.UUID, len(assignments))
	for i, a := range assignments {
		ids[i] = a.WorkflowID
	}
	return ids, nil
}

func utilization(r *db.Robot) float64 {
	if r.MaxConcurrentJobs <= 0 {
		return 1
	}
	return float64(len(r.CurrentJobIDs)) / float64(r.MaxConcurrentJobs)
}

func heartbeatAfter(a, b *db.Robot) bool {
	switch {
	case a.LastHeartbeat == nil:
		return false
	case b.LastHeartbeat == nil:
		return true
	default:
		return a.LastHeartbeat.After(*b.LastHeartbeat)
	}
}
