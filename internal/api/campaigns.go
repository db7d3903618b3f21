package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dialvox/dialvox/internal/campaign"
	"github.com/dialvox/dialvox/internal/store"
)

// campaignRequest is the JSON request body for creating a campaign. Settings
// left at their zero value pick up the dispatcher defaults.
type campaignRequest struct {
	Name        string                 `json:"name"`
	AgentID     string                 `json:"agentId"`
	PhoneID     string                 `json:"phoneId"`
	ScheduledAt *time.Time             `json:"scheduledAt,omitempty"`
	Settings    store.CampaignSettings `json:"settings"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
}

// campaignUpdateRequest is the PATCH surface: nil fields are left unchanged.
type campaignUpdateRequest struct {
	Name        *string                 `json:"name,omitempty"`
	ScheduledAt *time.Time              `json:"scheduledAt,omitempty"`
	Settings    *store.CampaignSettings `json:"settings,omitempty"`
	Metadata    map[string]any          `json:"metadata,omitempty"`
}

// campaignResponse is the JSON shape of a campaign. The owner id is implied
// by the caller and never echoed.
type campaignResponse struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	AgentID     string                 `json:"agentId"`
	PhoneID     string                 `json:"phoneId"`
	Status      string                 `json:"status"`
	ScheduledAt *time.Time             `json:"scheduledAt,omitempty"`
	Counters    store.CampaignCounters `json:"counters"`
	Settings    store.CampaignSettings `json:"settings"`
	Metadata    map[string]any         `json:"metadata,omitempty"`
	CreatedAt   time.Time              `json:"createdAt"`
	UpdatedAt   time.Time              `json:"updatedAt"`
}

func toCampaignResponse(c *store.Campaign) campaignResponse {
	return campaignResponse{
		ID:          c.ID,
		Name:        c.Name,
		AgentID:     c.AgentID,
		PhoneID:     c.PhoneID,
		Status:      string(c.Status),
		ScheduledAt: c.ScheduledAt,
		Counters:    c.Counters,
		Settings:    c.Settings,
		Metadata:    c.Metadata,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	c, err := s.campaigns.Create(r.Context(), callerID(r), campaign.CreateInput{
		Name:        req.Name,
		AgentID:     req.AgentID,
		PhoneID:     req.PhoneID,
		ScheduledAt: req.ScheduledAt,
		Settings:    req.Settings,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCampaignResponse(c))
}

func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	all, err := s.campaigns.List(r.Context(), callerID(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	items := make([]campaignResponse, len(all))
	for i, c := range all {
		items[i] = toCampaignResponse(c)
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

func (s *Server) handleUpdateCampaign(w http.ResponseWriter, r *http.Request) {
	var req campaignUpdateRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	c, err := s.campaigns.Update(r.Context(), callerID(r), chi.URLParam(r, "id"), campaign.UpdateInput{
		Name:        req.Name,
		ScheduledAt: req.ScheduledAt,
		Settings:    req.Settings,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Delete(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─────────────────────────────────────────────────────────────────────────────
// contacts
// ─────────────────────────────────────────────────────────────────────────────

// contactUpload is the bulk contact request body.
type contactUpload struct {
	Contacts []contactRow `json:"contacts"`
}

type contactRow struct {
	Phone    string         `json:"phone"`
	Name     string         `json:"name,omitempty"`
	Email    string         `json:"email,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Custom   map[string]any `json:"custom,omitempty"`
}

// addContactsResponse reports a bulk upload. Errors lists rows that failed
// validation and were skipped.
type addContactsResponse struct {
	Added      int      `json:"added"`
	Duplicates int      `json:"duplicates"`
	Errors     []string `json:"errors,omitempty"`
}

func (s *Server) handleAddContacts(w http.ResponseWriter, r *http.Request) {
	var req contactUpload
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	rows := make([]campaign.ContactRow, len(req.Contacts))
	for i, c := range req.Contacts {
		rows[i] = campaign.ContactRow{
			Phone:    c.Phone,
			Name:     c.Name,
			Email:    c.Email,
			Priority: c.Priority,
			Custom:   c.Custom,
		}
	}

	res, err := s.campaigns.AddContacts(r.Context(), callerID(r), chi.URLParam(r, "id"), rows)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, addContactsResponse{
		Added:      res.Added,
		Duplicates: res.Duplicates,
		Errors:     res.Errors,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// lifecycle
// ─────────────────────────────────────────────────────────────────────────────

// lifecycle runs one state transition and responds with the refreshed
// campaign so clients see the new status without a second round trip.
func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, act func(context.Context, string, string) error) {
	id := chi.URLParam(r, "id")
	if err := act(r.Context(), callerID(r), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	c, err := s.campaigns.Get(r.Context(), callerID(r), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCampaignResponse(c))
}

func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.campaigns.Start)
}

func (s *Server) handlePauseCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.campaigns.Pause)
}

func (s *Server) handleResumeCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.campaigns.Resume)
}

func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.campaigns.Cancel)
}

// retryResponse reports how many failed contacts went back on the waitlist.
type retryResponse struct {
	Requeued int `json:"requeued"`
}

func (s *Server) handleRetryCampaign(w http.ResponseWriter, r *http.Request) {
	n, err := s.campaigns.RetryFailed(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Requeued: n})
}

// limitRequest carries the new concurrency ceiling.
type limitRequest struct {
	ConcurrentLimit int `json:"concurrentLimit"`
}

func (s *Server) handleSetConcurrentLimit(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if err := s.campaigns.SetConcurrentLimit(r.Context(), callerID(r), chi.URLParam(r, "id"), req.ConcurrentLimit); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limitRequest{ConcurrentLimit: req.ConcurrentLimit})
}

func (s *Server) handlePurgeCampaign(w http.ResponseWriter, r *http.Request) {
	if err := s.campaigns.Purge(r.Context(), callerID(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─────────────────────────────────────────────────────────────────────────────
// stats
// ─────────────────────────────────────────────────────────────────────────────

// leaseCountsResponse is the live slot picture for a campaign.
type leaseCountsResponse struct {
	Active  int `json:"active"`
	PreDial int `json:"preDial"`
	Total   int `json:"total"`
}

type statsResponse struct {
	Campaign campaignResponse            `json:"campaign"`
	Contacts map[store.ContactStatus]int `json:"contacts"`
	Leases   leaseCountsResponse         `json:"leases"`
}

func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.campaigns.Stats(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Campaign: toCampaignResponse(st.Campaign),
		Contacts: st.Contacts,
		Leases: leaseCountsResponse{
			Active:  st.Leases.Active,
			PreDial: st.Leases.PreDial,
			Total:   st.Leases.Total(),
		},
	})
}

type progressResponse struct {
	Total    int                         `json:"total"`
	Settled  int                         `json:"settled"`
	Percent  float64                     `json:"percent"`
	Counters store.CampaignCounters      `json:"counters"`
	Contacts map[store.ContactStatus]int `json:"contacts"`
}

func (s *Server) handleCampaignProgress(w http.ResponseWriter, r *http.Request) {
	p, err := s.campaigns.Progress(r.Context(), callerID(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, progressResponse{
		Total:    p.Total,
		Settled:  p.Settled,
		Percent:  p.Percent,
		Counters: p.Counters,
		Contacts: p.Contacts,
	})
}

// ─────────────────────────────────────────────────────────────────────────────
// calls
// ─────────────────────────────────────────────────────────────────────────────

// handleHangup ends a live call. Ownership is checked through the campaign
// load; the gateway then verifies the session belongs to this campaign.
func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.campaigns.Get(r.Context(), callerID(r), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	if err := s.calls.Hangup(r.Context(), id, sessionID); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": sessionID, "status": "hangup requested"})
}
