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

// DeliveryHandler serves the producer endpoints.
type DeliveryHandler struct {
	svc    *service.DeliveryService
	logger *zap.Logger
}

func NewDeliveryHandler(svc *service.DeliveryService, logger *zap.Logger) *DeliveryHandler {
	return &DeliveryHandler{svc: svc, logger: logger}
}

// Enqueue handles POST /api/v1/deliveries
//
// @Summary     Enqueue a delivery record
// @Tags        deliveries
// @Accept      json
// @Produce     json
// @Param       body  body      domain.EnqueueRequest  true  "Delivery"
// @Success     201   {object}  domain.DeliveryRecord
// @Failure     422   {object}  map[string]string
// @Failure     503   {object}  map[string]string
// @Router      /api/v1/deliveries [post]
func (h *DeliveryHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req domain.EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Warn("enqueue failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rec)
}

type notifyUserRequest struct {
	domain.PushPayload
	Priority int `json:"priority"`
}

// NotifyUser handles POST /api/v1/users/{userID}/notify
//
// @Summary     Fan a push payload out to every enabled device of a user
// @Tags        deliveries
// @Accept      json
// @Produce     json
// @Param       userID  path      string              true  "User ID"
// @Param       body    body      notifyUserRequest   true  "Push payload"
// @Success     201     {object}  map[string]any
// @Failure     422     {object}  map[string]string
// @Router      /api/v1/users/{userID}/notify [post]
func (h *DeliveryHandler) NotifyUser(w http.ResponseWriter, r *http.Request) {
	var req notifyUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	records, err := h.svc.NotifyUserDevices(r.Context(), chi.URLParam(r, "userID"), req.PushPayload, req.Priority)
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Warn("device fan-out failed", zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"enqueued":   len(records),
		"deliveries": records,
	})
}

// DeliveryStatus handles GET /api/v1/notifications/{id}/delivery-status
//
// @Summary  Per-channel delivery status of a notification
// @Tags     deliveries
// @Produce  json
// @Param    id   path      string  true  "Notification UUID"
// @Success  200  {object}  service.DeliveryReport
// @Failure  404  {object}  map[string]string
// @Router   /api/v1/notifications/{id}/delivery-status [get]
func (h *DeliveryHandler) DeliveryStatus(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.DeliveryStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}
