package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/registry"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// RobotHandler serves robot inspection, lifecycle and workflow routing.
type RobotHandler struct {
	registry    *registry.Service
	robots      repositories.RobotRepository
	assignments repositories.AssignmentRepository
	logs        repositories.RobotLogRepository
	auth        *auth.Service
	logger      *zap.Logger
}

// NewRobotHandler builds the robot handler.
func NewRobotHandler(
	reg *registry.Service,
	robots repositories.RobotRepository,
	assignments repositories.AssignmentRepository,
	logs repositories.RobotLogRepository,
	authSvc *auth.Service,
	logger *zap.Logger,
) *RobotHandler {
	return &RobotHandler{
		registry:    reg,
		robots:      robots,
		assignments: assignments,
		logs:        logs,
		auth:        authSvc,
		logger:      logger,
	}
}

// List returns a page of registered robots.
func (h *RobotHandler) List(w http.ResponseWriter, r *http.Request) {
	robots, total, err := h.robots.List(r.Context(), listOptions(r))
	if err != nil {
		h.logger.Error("list robots failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	OkPaged(w, robots, total)
}

// GetByID returns one robot.
func (h *RobotHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	robot, err := h.robots.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, robot)
}

// provisionRequest is the POST /robots body: pre-registers a robot and mints
// its robot-bound API key in one step.
type provisionRequest struct {
	Name              string       `json:"name"`
	Hostname          string       `json:"hostname"`
	Capabilities      db.StringSet `json:"capabilities,omitempty"`
	Tags              db.StringSet `json:"tags,omitempty"`
	MaxConcurrentJobs int          `json:"max_concurrent_jobs,omitempty"`
	KeyExpiresAt      *time.Time   `json:"key_expires_at,omitempty"`
}

// provisionResponse carries the created robot and its one-time key plaintext.
type provisionResponse struct {
	Robot  *db.Robot `json:"robot"`
	APIKey string    `json:"api_key"`
}

// Provision pre-registers a robot record offline and issues the robot-bound
// API key the agent will present during its HELLO handshake. The key
// plaintext appears in this response only.
func (h *RobotHandler) Provision(w http.ResponseWriter, r *http.Request) {
	var req provisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.Hostname == "" {
		ErrUnprocessable(w, "name and hostname are required")
		return
	}
	if req.MaxConcurrentJobs < 1 {
		req.MaxConcurrentJobs = 1
	}
	principal := principalFromCtx(r.Context())

	robot := &db.Robot{
		Name:              req.Name,
		Hostname:          req.Hostname,
		Status:            "offline",
		Capabilities:      req.Capabilities,
		Tags:              req.Tags,
		MaxConcurrentJobs: req.MaxConcurrentJobs,
	}
	if err := h.robots.Create(r.Context(), robot); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}

	_, plaintext, err := h.auth.GenerateKey(
		r.Context(), principal.TenantID, "robot: "+req.Name,
		auth.RoleOperator, &robot.ID, req.KeyExpiresAt,
	)
	if err != nil {
		h.logger.Error("robot key generation failed",
			zap.String("robot_id", robot.ID.String()), zap.Error(err))
		ErrInternal(w)
		return
	}

	Created(w, provisionResponse{Robot: robot, APIKey: plaintext})
}

// SetStatus moves a robot into or out of maintenance.
func (h *RobotHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Status string `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	switch req.Status {
	case "maintenance", "online", "offline":
	default:
		ErrUnprocessable(w, "status must be one of maintenance, online, offline")
		return
	}
	if err := h.registry.SetStatus(r.Context(), id, req.Status); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}

// Deregister removes a robot, its assignments and its bound API keys.
func (h *RobotHandler) Deregister(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.auth.DeleteKeysForRobot(r.Context(), id); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	if err := h.registry.Deregister(r.Context(), id); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}

// Logs returns a page of the robot's streamed log lines, newest first.
func (h *RobotHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	lines, total, err := h.logs.ListByRobot(r.Context(), id, listOptions(r))
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	OkPaged(w, lines, total)
}

// -----------------------------------------------------------------------------
// Workflow assignments and node overrides
// -----------------------------------------------------------------------------

// assignmentRequest is the POST /assignments body.
type assignmentRequest struct {
	WorkflowID string `json:"workflow_id"`
	RobotID    string `json:"robot_id"`
	IsDefault  bool   `json:"is_default,omitempty"`
	Priority   int    `json:"priority,omitempty"`
}

// CreateAssignment pins a workflow to a robot.
func (h *RobotHandler) CreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req assignmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workflowID, err := uuid.Parse(req.WorkflowID)
	if err != nil {
		ErrBadRequest(w, "invalid workflow_id")
		return
	}
	robotID, err := uuid.Parse(req.RobotID)
	if err != nil {
		ErrBadRequest(w, "invalid robot_id")
		return
	}
	if _, err := h.robots.GetByID(r.Context(), robotID); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}

	a := &db.WorkflowAssignment{
		WorkflowID: workflowID,
		RobotID:    robotID,
		IsDefault:  req.IsDefault,
		Priority:   req.Priority,
	}
	if err := h.assignments.CreateAssignment(r.Context(), a); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Created(w, a)
}

// ListAssignments returns the assignments of one workflow.
func (h *RobotHandler) ListAssignments(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := pathUUID(w, r, "workflowID")
	if !ok {
		return
	}
	rows, err := h.assignments.ListAssignmentsByWorkflow(r.Context(), workflowID)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, rows)
}

// DeleteAssignment unpins a workflow from a robot.
func (h *RobotHandler) DeleteAssignment(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := pathUUID(w, r, "workflowID")
	if !ok {
		return
	}
	robotID, ok := pathUUID(w, r, "robotID")
	if !ok {
		return
	}
	if err := h.assignments.DeleteAssignment(r.Context(), workflowID, robotID); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}

// overrideRequest is the PUT /workflows/{workflowID}/overrides/{nodeID} body.
// Exactly one of robot_id / required_capabilities must be provided.
type overrideRequest struct {
	RobotID      string       `json:"robot_id,omitempty"`
	RequiredCaps db.StringSet `json:"required_capabilities,omitempty"`
}

// UpsertOverride creates or replaces a per-node robot override.
func (h *RobotHandler) UpsertOverride(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := pathUUID(w, r, "workflowID")
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if nodeID == "" {
		ErrBadRequest(w, "node id is required")
		return
	}
	var req overrideRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if (req.RobotID == "") == (len(req.RequiredCaps) == 0) {
		ErrUnprocessable(w, "exactly one of robot_id or required_capabilities must be set")
		return
	}

	o := &db.NodeRobotOverride{
		WorkflowID:   workflowID,
		NodeID:       nodeID,
		RequiredCaps: req.RequiredCaps,
	}
	if req.RobotID != "" {
		robotID, err := uuid.Parse(req.RobotID)
		if err != nil {
			ErrBadRequest(w, "invalid robot_id")
			return
		}
		o.RobotID = &robotID
	}
	if err := h.assignments.UpsertOverride(r.Context(), o); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, o)
}

// ListOverrides returns the node overrides of one workflow.
func (h *RobotHandler) ListOverrides(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := pathUUID(w, r, "workflowID")
	if !ok {
		return
	}
	rows, err := h.assignments.ListOverridesByWorkflow(r.Context(), workflowID)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, rows)
}

// DeleteOverride removes a per-node override.
func (h *RobotHandler) DeleteOverride(w http.ResponseWriter, r *http.Request) {
	workflowID, ok := pathUUID(w, r, "workflowID")
	if !ok {
		return
	}
	nodeID := chi.URLParam(r, "nodeID")
	if nodeID == "" {
		ErrBadRequest(w, "node id is required")
		return
	}
	if err := h.assignments.DeleteOverride(r.Context(), workflowID, nodeID); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}
