package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/notifyhub/delivery-pipeline/internal/api/handler"
	apimw "github.com/notifyhub/delivery-pipeline/internal/api/middleware"
	"github.com/notifyhub/delivery-pipeline/internal/service"
)

// NewRouter wires the chi router, attaches all middleware, and registers
// every route. It is the single source of truth for the HTTP surface area.
func NewRouter(
	svc *service.DeliveryService,
	runner handler.QueueRunner,
	checks map[string]handler.Check,
	reg prometheus.Gatherer,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	// --- global middleware (applied to every route) ---
	r.Use(chimw.Recoverer)          // recover panics, return 500
	r.Use(chimw.RealIP)             // trust X-Forwarded-For / X-Real-IP
	r.Use(chimw.RequestSize(1<<20)) // 1 MB max request body
	r.Use(apimw.CorrelationID)      // X-Correlation-ID inject / echo
	r.Use(apimw.RequestLogger(logger))

	// --- handler instances ---
	dh := handler.NewDeliveryHandler(svc, logger)
	vh := handler.NewDeviceHandler(svc, logger)
	qh := handler.NewQueueHandler(runner, logger)
	mh := handler.NewMetricsHandler(svc)
	hh := handler.NewHealthHandler(checks)

	// --- routes ---
	r.Get("/health", hh.Health)
	r.Get("/health/ready", hh.Ready)

	// Raw Prometheus scrape endpoint (for Prometheus server / Grafana)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Route("/api/v1", func(r chi.Router) {
		// Producers
		r.Post("/deliveries", dh.Enqueue)
		r.Post("/users/{userID}/notify", dh.NotifyUser)
		r.Get("/notifications/{id}/delivery-status", dh.DeliveryStatus)

		// Device registry. /devices/all is registered as its own route so
		// DELETE on the collection keeps its body-addressed meaning.
		r.Post("/users/{userID}/devices", vh.Subscribe)
		r.Get("/users/{userID}/devices", vh.List)
		r.Delete("/users/{userID}/devices", vh.Unsubscribe)
		r.Delete("/users/{userID}/devices/all", vh.UnsubscribeAll)
		r.Patch("/devices/{id}", vh.SetEnabled)

		// On-demand queue runs
		r.Post("/queues/process", qh.ProcessAll)
		r.Post("/queues/{channel}/process", qh.Process)

		// JSON metrics snapshot
		r.Get("/metrics", mh.GetMetrics)
	})

	return r
}
