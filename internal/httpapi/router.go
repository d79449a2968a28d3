package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"usage_meter/internal/logging"
	"usage_meter/internal/metering"
	"usage_meter/internal/metrics"
	"usage_meter/internal/middleware"
)

// PricingInvalidator drops cached pricing for a model
type PricingInvalidator interface {
	Invalidate(modelID string)
}

// HealthChecker reports whether durable storage is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Dependencies aggregates all services the HTTP layer needs.
type Dependencies struct {
	Orchestrator *metering.Orchestrator

	// Publisher switches the hook endpoints to asynchronous delivery.
	// When nil, hooks recompute inline.
	Publisher *metering.Publisher

	// Worker backs the dead-letter admin routes; they are not mounted when nil
	Worker *metering.EventWorker

	Pricing PricingInvalidator
	Health  HealthChecker
	Metrics metrics.Metrics
	Logger  *logging.Logger
}

// NewRouter creates an HTTP router with all routes registered
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNoopMetrics()
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewLogger("http")
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.AccessLog(deps.Logger, "/health", "/metrics"))

	registerRoutes(r, &handler{deps: deps})
	return r
}

func registerRoutes(r chi.Router, h *handler) {
	r.Get("/health", h.health)
	r.Handle("/metrics", h.deps.Metrics.HTTPHandler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/hooks/assistant-messages/{messageID}", h.assistantMessageCreated)
		r.Post("/hooks/attachments/linked", h.attachmentLinked)

		r.Get("/users/{userID}/usage/{day}", h.getDailyUsage)
		r.Get("/messages/{messageID}/cost", h.getCostRecord)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/messages/{messageID}/recompute", h.recompute)
			r.Post("/pricing/{modelID}/invalidate", h.invalidatePricing)

			if h.deps.Worker != nil {
				r.Get("/dead-letters", h.listDeadLetters)
				r.Post("/dead-letters/{itemID}/retry", h.retryDeadLetter)
			}
		})
	})
}
