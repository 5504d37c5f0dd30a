package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/domain"
	"github.com/notifyhub/delivery-pipeline/internal/logging"
)

// QueueRunner is the part of worker.Runner the trigger endpoints need.
type QueueRunner interface {
	Run(ctx context.Context, ch domain.Channel) (*domain.RunResult, error)
	RunAll(ctx context.Context) ([]*domain.RunResult, error)
}

// QueueHandler serves the on-demand run triggers.
type QueueHandler struct {
	runner QueueRunner
	logger *zap.Logger
}

func NewQueueHandler(runner QueueRunner, logger *zap.Logger) *QueueHandler {
	return &QueueHandler{runner: runner, logger: logger}
}

// Process handles POST /api/v1/queues/{channel}/process
//
// @Summary  Drain one batch of a channel queue
// @Tags     queues
// @Produce  json
// @Param    channel  path      string  true  "email or push"
// @Success  200      {object}  domain.RunResult
// @Failure  422      {object}  map[string]string
// @Failure  503      {object}  map[string]string
// @Router   /api/v1/queues/{channel}/process [post]
func (h *QueueHandler) Process(w http.ResponseWriter, r *http.Request) {
	ch, err := domain.ParseChannel(chi.URLParam(r, "channel"))
	if err != nil {
		mapError(w, err)
		return
	}

	// A caller hanging up must not cut a claimed batch short.
	res, err := h.runner.Run(context.WithoutCancel(r.Context()), ch)
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Error("queue run failed",
			zap.String("channel", string(ch)), zap.Error(err))
		mapError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type compositeResult struct {
	Processed int                 `json:"processed"`
	Sent      int                 `json:"sent"`
	Failed    int                 `json:"failed"`
	Results   []domain.ItemResult `json:"results"`
	Channels  []*domain.RunResult `json:"channels"`
}

// ProcessAll handles POST /api/v1/queues/process: every channel runs
// concurrently and the counts are summed.
func (h *QueueHandler) ProcessAll(w http.ResponseWriter, r *http.Request) {
	runs, err := h.runner.RunAll(context.WithoutCancel(r.Context()))
	if err != nil {
		logging.FromContext(r.Context(), h.logger).Error("composite queue run failed", zap.Error(err))
		mapError(w, err)
		return
	}

	out := compositeResult{Results: []domain.ItemResult{}, Channels: runs}
	for _, run := range runs {
		if run == nil {
			continue
		}
		out.Processed += run.Processed
		out.Sent += run.Sent
		out.Failed += run.Failed
		out.Results = append(out.Results, run.Results...)
	}
	respondJSON(w, http.StatusOK, out)
}
