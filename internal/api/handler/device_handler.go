package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
	"github.com/notifyhub/delivery-pipeline/internal/service"
)

// DeviceHandler serves the device subscription lifecycle.
type DeviceHandler struct {
	svc    *service.DeliveryService
	logger *zap.Logger
}

func NewDeviceHandler(svc *service.DeliveryService, logger *zap.Logger) *DeviceHandler {
	return &DeviceHandler{svc: svc, logger: logger}
}

type subscribeRequest struct {
	Platform   string          `json:"platform"`
	Credential json.RawMessage `json:"credential"`
}

// Subscribe handles POST /api/v1/users/{userID}/devices
//
// @Summary     Register a push subscription
// @Tags        devices
// @Accept      json
// @Produce     json
// @Param       userID  path      string            true  "User ID"
// @Param       body    body      subscribeRequest  true  "Credential"
// @Success     201     {object}  domain.DeviceEndpoint
// @Failure     422     {object}  map[string]string
// @Router      /api/v1/users/{userID}/devices [post]
func (h *DeviceHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	d, err := h.svc.Subscribe(r.Context(), domain.SubscribeRequest{
		UserID:     chi.URLParam(r, "userID"),
		Platform:   req.Platform,
		Credential: req.Credential,
	})
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Warn("subscribe failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, d)
}

// Unsubscribe handles DELETE /api/v1/users/{userID}/devices
// with body {"endpoint": "..."}. Idempotent.
func (h *DeviceHandler) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	removed, err := h.svc.Unsubscribe(r.Context(), chi.URLParam(r, "userID"), req.Endpoint)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// UnsubscribeAll handles DELETE /api/v1/users/{userID}/devices/all
func (h *DeviceHandler) UnsubscribeAll(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.UnsubscribeAll(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

// List handles GET /api/v1/users/{userID}/devices
func (h *DeviceHandler) List(w http.ResponseWriter, r *http.Request) {
	devices, err := h.svc.ListDevices(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

// SetEnabled handles PATCH /api/v1/devices/{id} with body {"enabled": bool}.
func (h *DeviceHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Enabled == nil {
		respondError(w, http.StatusBadRequest, "enabled is required")
		return
	}

	d, err := h.svc.SetDeviceEnabled(r.Context(), chi.URLParam(r, "id"), *req.Enabled)
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}
