// Package api serves the dialvox HTTP surface: the campaign management API
// under /api/v1, the telephony gateway webhooks, the voice-stream WebSocket
// endpoint, and the probe/metrics endpoints.
//
// Authentication is terminated upstream; the proxy injects the caller
// identity as the X-User-ID header and every /api/v1 route requires it.
// Gateway-facing routes (webhooks, voice stream) are mounted outside
// /api/v1 and are never rate limited — the status hook in particular must
// answer 200 no matter what, or the gateway redelivers in storms.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/dialvox/dialvox/internal/campaign"
	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/health"
	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/telephony"
	"github.com/dialvox/dialvox/internal/voice"
)

// DefaultRateLimit is the per-IP request budget on /api/v1, per minute.
const DefaultRateLimit = 600

// userHeader carries the caller identity, injected by the authenticating
// proxy in front of this service.
const userHeader = "X-User-ID"

// CampaignService is the dispatcher surface the API exposes. Implemented by
// *campaign.Service.
type CampaignService interface {
	Create(ctx context.Context, userID string, in campaign.CreateInput) (*store.Campaign, error)
	List(ctx context.Context, userID string) ([]*store.Campaign, error)
	Get(ctx context.Context, userID, id string) (*store.Campaign, error)
	Update(ctx context.Context, userID, id string, in campaign.UpdateInput) (*store.Campaign, error)
	Delete(ctx context.Context, userID, id string) error

	AddContacts(ctx context.Context, userID, id string, rows []campaign.ContactRow) (campaign.AddResult, error)

	Start(ctx context.Context, userID, id string) error
	Pause(ctx context.Context, userID, id string) error
	Resume(ctx context.Context, userID, id string) error
	Cancel(ctx context.Context, userID, id string) error
	RetryFailed(ctx context.Context, userID, id string) (int, error)
	SetConcurrentLimit(ctx context.Context, userID, id string, n int) error
	Purge(ctx context.Context, userID, id string) error

	Stats(ctx context.Context, userID, id string) (campaign.Stats, error)
	Progress(ctx context.Context, userID, id string) (campaign.Progress, error)
}

// CallGateway is the per-call surface: status webhooks in, manual hangups
// out. Implemented by *dialer.Orchestrator.
type CallGateway interface {
	OnStatusWebhook(ctx context.Context, ev *telephony.StatusEvent) (dialer.WebhookResult, error)
	Hangup(ctx context.Context, campaignID, sessionID string) error
}

// VoiceAttacher runs the voice pipeline over a connected gateway stream and
// returns when the call ends. Implemented by the session registry in
// internal/app.
type VoiceAttacher interface {
	Attach(ctx context.Context, sessionID string, transport voice.Transport) error
}

// Compile-time interface checks against the real implementations.
var (
	_ CampaignService = (*campaign.Service)(nil)
	_ CallGateway     = (*dialer.Orchestrator)(nil)
)

// Deps are the collaborators a [Server] needs. Campaigns, Calls and Voice
// are required; the rest degrade gracefully when nil (no probes, no metrics
// endpoint, no request metrics).
type Deps struct {
	Campaigns CampaignService
	Calls     CallGateway
	Voice     VoiceAttacher

	// Health registers /healthz and /readyz when set.
	Health *health.Handler

	// Metrics enables the request middleware and webhook counters.
	Metrics *observe.Metrics

	// MetricsHandler is mounted at /metrics when set (promhttp).
	MetricsHandler http.Handler

	Logger *slog.Logger

	// PublicURL is the externally reachable base address; the call-flow
	// webhook derives the wss:// stream URL from it.
	PublicURL string

	// RateLimit overrides [DefaultRateLimit] when > 0.
	RateLimit int
}

// Server holds handler dependencies and the chi router.
type Server struct {
	router *chi.Mux

	campaigns CampaignService
	calls     CallGateway
	voice     VoiceAttacher

	health         *health.Handler
	metrics        *observe.Metrics
	metricsHandler http.Handler

	logger    *slog.Logger
	publicURL *url.URL
	rateLimit int
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(deps Deps) *Server {
	s := &Server{
		router:         chi.NewRouter(),
		campaigns:      deps.Campaigns,
		calls:          deps.Calls,
		voice:          deps.Voice,
		health:         deps.Health,
		metrics:        deps.Metrics,
		metricsHandler: deps.MetricsHandler,
		logger:         deps.Logger,
		rateLimit:      deps.RateLimit,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "api")
	if s.rateLimit <= 0 {
		s.rateLimit = DefaultRateLimit
	}
	if deps.PublicURL != "" {
		u, err := url.Parse(deps.PublicURL)
		if err != nil {
			s.logger.Warn("public URL does not parse; call-flow webhook disabled",
				"public_url", deps.PublicURL, "error", err)
		} else {
			s.publicURL = u
		}
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// callerID returns the caller identity. Routes behind [requireUser] always
// see a non-empty value.
func callerID(r *http.Request) string {
	return r.Header.Get(userHeader)
}

// requireUser rejects requests that arrive without a caller identity.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(userHeader) == "" {
			writeError(w, http.StatusUnauthorized, "missing "+userHeader+" header")
			return
		}
		next.ServeHTTP(w, r)
	})
}
