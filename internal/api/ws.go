package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/events"
)

// WSHandler upgrades admin clients to the live event stream.
type WSHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

// NewWSHandler builds the WebSocket handler.
func NewWSHandler(hub *events.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger}
}

// Serve subscribes the client to the topics named in the "topics" query
// parameter (comma-separated, e.g. "job:<uuid>,robot:<uuid>") and streams
// matching events. Without the parameter the client gets the events:all
// firehose.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	topics := []string{events.TopicAll}
	if raw := r.URL.Query().Get("topics"); raw != "" {
		topics = topics[:0]
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
		if len(topics) == 0 {
			topics = append(topics, events.TopicAll)
		}
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote the error response.
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
