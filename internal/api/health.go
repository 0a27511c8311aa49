package api

import (
	"net/http"

	"gorm.io/gorm"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
)

// HealthHandler answers liveness and readiness probes.
type HealthHandler struct {
	db      *gorm.DB
	hub     *events.Hub
	version string
}

// NewHealthHandler builds the health handler.
func NewHealthHandler(database *gorm.DB, hub *events.Hub, version string) *HealthHandler {
	return &HealthHandler{db: database, hub: hub, version: version}
}

// Live reports process liveness. Always 200 while the process serves.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	Ok(w, envelope{"status": "ok", "version": h.version})
}

// Ready reports readiness: the database must answer a ping.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if err := db.Ping(r.Context(), h.db); err != nil {
		JSON(w, http.StatusServiceUnavailable, envelope{
			"status": "degraded",
			"error":  "database unreachable",
		})
		return
	}
	Ok(w, envelope{
		"status":     "ok",
		"version":    h.version,
		"ws_clients": h.hub.ConnectedCount(),
	})
}
