package api

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/omerlefaruk/CasareRPA-sub017/internal/auth"
	"github.com/omerlefaruk/CasareRPA-sub017/internal/db"
)

// KeyHandler serves API key lifecycle: create, list, rotate, revoke.
type KeyHandler struct {
	auth   *auth.Service
	logger *zap.Logger
}

// NewKeyHandler builds the API key handler.
func NewKeyHandler(authSvc *auth.Service, logger *zap.Logger) *KeyHandler {
	return &KeyHandler{auth: authSvc, logger: logger}
}

// keyRequest is the POST /keys body.
type keyRequest struct {
	Name      string     `json:"name"`
	Role      string     `json:"role"`
	RobotID   string     `json:"robot_id,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// keyResponse carries the stored record plus the one-time plaintext.
type keyResponse struct {
	Key       *db.APIKey `json:"key"`
	Plaintext string     `json:"plaintext"`
}

// Create mints a new API key in the caller's tenant. The plaintext appears
// in this response only.
func (h *KeyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req keyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	role := auth.Role(req.Role)
	switch role {
	case auth.RoleAdmin, auth.RoleDeveloper, auth.RoleOperator, auth.RoleViewer:
	default:
		ErrUnprocessable(w, "role must be one of admin, developer, operator, viewer")
		return
	}
	var robotID *uuid.UUID
	if req.RobotID != "" {
		id, err := uuid.Parse(req.RobotID)
		if err != nil {
			ErrBadRequest(w, "invalid robot_id")
			return
		}
		robotID = &id
	}
	principal := principalFromCtx(r.Context())

	key, plaintext, err := h.auth.GenerateKey(r.Context(), principal.TenantID, req.Name, role, robotID, req.ExpiresAt)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Created(w, keyResponse{Key: key, Plaintext: plaintext})
}

// List returns the caller's tenant keys. Only prefixes are exposed, never
// key material.
func (h *KeyHandler) List(w http.ResponseWriter, r *http.Request) {
	principal := principalFromCtx(r.Context())
	opts := listOptions(r)
	keys, total, err := h.auth.ListKeys(r.Context(), principal.TenantID, opts.Limit, opts.Offset)
	if err != nil {
		h.logger.Error("list keys failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	OkPaged(w, keys, total)
}

// Rotate revokes the key and issues a replacement with the same binding,
// role and tenant.
func (h *KeyHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	key, plaintext, err := h.auth.RotateKey(r.Context(), id)
	if err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	Ok(w, keyResponse{Key: key, Plaintext: plaintext})
}

// Revoke permanently disables a key.
func (h *KeyHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	if err := h.auth.RevokeKey(r.Context(), id); err != nil {
		respondRepoErr(w, h.logger, err)
		return
	}
	NoContent(w)
}
