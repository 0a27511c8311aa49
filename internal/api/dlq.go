package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/dispatcher"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/queue"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/repositories"
)

// DLQHandler serves dead-letter queue inspection, retry and purge.
type DLQHandler struct {
	queue      *queue.Service
	dlq        repositories.DLQRepository
	dispatcher *dispatcher.Dispatcher
	logger     *zap.Logger
}

// NewDLQHandler builds the DLQ handler.
func NewDLQHandler(q *queue.Service, dlq repositories.DLQRepository, d *dispatcher.Dispatcher, logger *zap.Logger) *DLQHandler {
	return &DLQHandler{queue: q, dlq: dlq, dispatcher: d, logger: logger}
}

// List returns a page of dead-letter entries, most recent failure first.
func (h *DLQHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, total, err := h.dlq.List(r.Context(), listOptions(r))
	if err != nil {
		h.logger.Error("list dlq failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	OkPaged(w, entries, total)
}

// GetByID returns one dead-letter entry.
func (h *DLQHandler) GetByID(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.dlq.GetByID(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, entry)
}

// Retry re-enqueues the parked job as a fresh job with a reset retry budget
// and removes the entry.
func (h *DLQHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	job, err := h.queue.RetryDLQEntry(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	h.dispatcher.Wake()
	Created(w, job)
}

// Purge discards a dead-letter entry permanently.
func (h *DLQHandler) Purge(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.queue.PurgeDLQEntry(r.Context(), id); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}
