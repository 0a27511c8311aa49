package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/dispatcher"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// defaultPageSize bounds list responses when the client does not ask.
const defaultPageSize = 50

// JobHandler serves job enqueue, inspection and cancellation.
type JobHandler struct {
	queue      *queue.Service
	dispatcher *dispatcher.Dispatcher
	jobs       repositories.JobRepository
	logs       repositories.RobotLogRepository
	logger     *zap.Logger
}

// NewJobHandler builds the job handler.
func NewJobHandler(q *queue.Service, d *dispatcher.Dispatcher, jobs repositories.JobRepository, logs repositories.RobotLogRepository, logger *zap.Logger) *JobHandler {
	return &JobHandler{queue: q, dispatcher: d, jobs: jobs, logs: logs, logger: logger}
}

// enqueueRequest is the POST /jobs body.
type enqueueRequest struct {
	WorkflowID     string       `json:"workflow_id"`
	WorkflowName   string       `json:"workflow_name,omitempty"`
	Priority       int          `json:"priority,omitempty"`
	Payload        []byte       `json:"payload,omitempty"`
	Inputs         db.JSONMap   `json:"inputs,omitempty"`
	MaxRetries     *int         `json:"max_retries,omitempty"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	ScheduledTime  *time.Time   `json:"scheduled_time,omitempty"`
	RequiredCaps   db.StringSet `json:"required_capabilities,omitempty"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
}

// Enqueue accepts a new job. A repeated idempotency key returns the
// original job with 200 instead of 201.
func (h *JobHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	workflowID, err := uuid.Parse(req.WorkflowID)
	if err != nil {
		ErrBadRequest(w, "invalid workflow_id")
		return
	}
	principal := principalFromCtx(r.Context())

	job, err := h.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		WorkflowID:     workflowID,
		WorkflowName:   req.WorkflowName,
		TenantID:       principal.TenantID,
		Priority:       req.Priority,
		Payload:        req.Payload,
		Inputs:         req.Inputs,
		MaxRetries:     req.MaxRetries,
		TimeoutSeconds: req.TimeoutSeconds,
		ScheduledTime:  req.ScheduledTime,
		RequiredCaps:   req.RequiredCaps,
		IdempotencyKey: req.IdempotencyKey,
	})
	switch {
	case errors.Is(err, queue.ErrDuplicate):
		Ok(w, job)
	case errors.Is(err, queue.ErrInvalid):
		ErrUnprocessable(w, err.Error())
	case err != nil:
		h.logger.Error("enqueue failed", zap.Error(err))
		ErrInternal(w)
	default:
		h.dispatcher.Wake()
		Created(w, job)
	}
}

// List returns a filtered page of jobs.
func (h *JobHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := repositories.JobFilter{
		Status:   r.URL.Query().Get("status"),
		TenantID: r.URL.Query().Get("tenant_id"),
	}
	if raw := r.URL.Query().Get("workflow_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid workflow_id")
			return
		}
		filter.WorkflowID = id
	}
	if raw := r.URL.Query().Get("robot_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			ErrBadRequest(w, "invalid robot_id")
			return
		}
		filter.RobotID = id
	}

	jobs, total, err := h.jobs.List(r.Context(), filter, listOptions(r))
	if err != nil {
		h.logger.Error("list jobs failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	OkPaged(w, jobs, total)
}

// GetByID returns one job.
func (h *JobHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.jobs.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, job)
}

// History returns the job's append-only audit trail.
func (h *JobHandler) History(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rows, err := h.jobs.ListHistory(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, rows)
}

// Logs returns the robot log lines recorded for the job.
func (h *JobHandler) Logs(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	lines, err := h.logs.ListByJob(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, lines)
}

// cancelRequest is the POST /jobs/{id}/cancel body.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// Cancel requests cancellation. Terminal jobs answer 410.
func (h *JobHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req cancelRequest
	if r.ContentLength > 0 && !decodeJSON(w, r, &req) {
		return
	}

	err := h.dispatcher.CancelJob(r.Context(), id, req.Reason)
	switch {
	case errors.Is(err, repositories.ErrTerminal):
		ErrGone(w, "job already terminal")
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case err != nil:
		h.logger.Error("cancel failed", zap.String("job_id", id.String()), zap.Error(err))
		ErrInternal(w)
	default:
		NoContent(w)
	}
}

// -----------------------------------------------------------------------------
// Shared helpers
// -----------------------------------------------------------------------------

// listOptions parses limit/offset query parameters with sane bounds.
func listOptions(r *http.Request) repositories.ListOptions {
	opts := repositories.ListOptions{Limit: defaultPageSize}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			opts.Limit = n
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			opts.Offset = n
		}
	}
	return opts
}

// pathUUID parses the {name} URL parameter as a UUID, answering 400 itself
// on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		ErrBadRequest(w, "invalid "+name)
		return uuid.UUID{}, false
	}
	return id, true
}

// respondRepoErr maps repository sentinels onto HTTP statuses.
func respondRepoErr(w http.ResponseWriter, logger *zap.Logger, err error) {
	switch {
	case errors.Is(err, repositories.ErrNotFound):
		ErrNotFound(w)
	case errors.Is(err, repositories.ErrConflict):
		ErrConflict(w, "resource already exists")
	case errors.Is(err, repositories.ErrTerminal):
		ErrGone(w, "job already terminal")
	default:
		logger.Error("request failed", zap.Error(err))
		ErrInternal(w)
	}
}
