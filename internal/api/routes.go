package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/dialvox/dialvox/internal/observe"
)

// routes configures the middleware stack and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Use(observe.Middleware(s.metrics))
	}

	if s.health != nil {
		s.health.Register(r)
	}
	if s.metricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.metricsHandler)
	}

	// Gateway-facing surface. Some gateway flow applets fetch the stream URL
	// with GET, others POST the same fields; accept both.
	r.Post("/webhooks/telephony/status", s.handleStatusWebhook)
	r.Get("/webhooks/telephony/flow", s.handleFlowWebhook)
	r.Post("/webhooks/telephony/flow", s.handleFlowWebhook)
	r.Get("/voice/{sessionID}", s.handleVoiceStream)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.Limit(
			s.rateLimit,
			time.Minute,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
		r.Use(requireUser)

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCreateCampaign)
			r.Get("/", s.handleListCampaigns)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetCampaign)
				r.Patch("/", s.handleUpdateCampaign)
				r.Delete("/", s.handleDeleteCampaign)

				r.Post("/contacts", s.handleAddContacts)

				r.Post("/start", s.handleStartCampaign)
				r.Post("/pause", s.handlePauseCampaign)
				r.Post("/resume", s.handleResumeCampaign)
				r.Post("/cancel", s.handleCancelCampaign)
				r.Post("/retry", s.handleRetryCampaign)

				r.Patch("/concurrent-limit", s.handleSetConcurrentLimit)
				r.Delete("/purge", s.handlePurgeCampaign)

				r.Get("/stats", s.handleCampaignStats)
				r.Get("/progress", s.handleCampaignProgress)

				r.Post("/calls/{sessionID}/hangup", s.handleHangup)
			})
		})
	})
}
