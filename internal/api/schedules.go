package api

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/dispatcher"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/scheduler"
)

// ScheduleHandler serves schedule CRUD and manual runs.
type ScheduleHandler struct {
	scheduler  *scheduler.Scheduler
	schedules  repositories.ScheduleRepository
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// NewScheduleHandler builds the schedule handler.
func NewScheduleHandler(s *scheduler.Scheduler, schedules repositories.ScheduleRepository, d *dispatcher.Dispatcher, logger *zap.Logger) *ScheduleHandler {
	return &ScheduleHandler{scheduler: s, schedules: schedules, dispatcher: d, logger: logger}
}

// scheduleRequest is the create/update body.
type scheduleRequest struct {
	WorkflowID     string     `json:"workflow_id"`
	WorkflowName   string     `json:"workflow_name,omitempty"`
	Name           string     `json:"name"`
	CronExpression string     `json:"cron_expression"`
	Timezone       string     `json:"timezone,omitempty"`
	Priority       int        `json:"priority,omitempty"`
	Inputs         db.JSONMap `json:"inputs,omitempty"`
	Enabled        *bool      `json:"enabled,omitempty"`
}

func (req *scheduleRequest) validate(w http.ResponseWriter) (uuid.UUID, bool) {
	if req.Name == "" || req.CronExpression == "" {
		ErrUnprocessable(w, "name and cron_expression are required")
		return uuid.UUID{}, false
	}
	workflowID, err := uuid.Parse(req.WorkflowID)
	if err != nil {
		ErrBadRequest(w, "invalid workflow_id")
		return uuid.UUID{}, false
	}
	return workflowID, true
}

// Create validates the cron expression and persists a new schedule.
func (h *ScheduleHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workflowID, ok := req.validate(w)
	if !ok {
		return
	}

	sched := &db.Schedule{
		WorkflowID:     workflowID,
		WorkflowName:   req.WorkflowName,
		Name:           req.Name,
		CronExpression: req.CronExpression,
		Timezone:       req.Timezone,
		Priority:       req.Priority,
		Inputs:         req.Inputs,
		Enabled:        true,
	}
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	err := h.scheduler.CreateSchedule(r.Context(), sched)
	switch {
	case errors.Is(err, scheduler.ErrBadCron):
		ErrUnprocessable(w, err.Error())
	case err != nil:
		respondRepoErr(w, h.logger, err)
	default:
		Created(w, sched)
	}
}

// List returns a page of schedules.
func (h *ScheduleHandler) List(w http.ResponseWriter, r *http.Request) {
	rows, total, err := h.schedules.List(r.Context(), listOptions(r))
	if err != nil {
		h.logger.Error("list schedules failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	OkPaged(w, rows, total)
}

// GetByID returns one schedule.
func (h *ScheduleHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	sched, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, sched)
}

// Update replaces a schedule's definition, revalidating the cadence.
func (h *ScheduleHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req scheduleRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workflowID, ok := req.validate(w)
	if !ok {
		return
	}
	sched, err := h.schedules.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}

	sched.WorkflowID = workflowID
	sched.WorkflowName = req.WorkflowName
	sched.Name = req.Name
	sched.CronExpression = req.CronExpression
	sched.Timezone = req.Timezone
	sched.Priority = req.Priority
	sched.Inputs = req.Inputs
	if req.Enabled != nil {
		sched.Enabled = *req.Enabled
	}
	err = h.scheduler.UpdateSchedule(r.Context(), sched)
	switch {
	case errors.Is(err, scheduler.ErrBadCron):
		ErrUnprocessable(w, err.Error())
	case err != nil:
		respondRepoErr(w, h.logger, err)
	default:
		Ok(w, sched)
	}
}

// SetEnabled toggles a schedule on or off.
func (h *ScheduleHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Enabled bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.scheduler.SetEnabled(r.Context(), id, req.Enabled); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}

// Delete removes a schedule. Jobs it already materialized are unaffected.
func (h *ScheduleHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.schedules.Delete(r.Context(), id); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}

// RunNow enqueues a job from the schedule immediately without touching its
// cadence.
func (h *ScheduleHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.scheduler.RunNow(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	h.dispatcher.Wake()
	Created(w, job)
}
