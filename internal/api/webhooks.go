package api

import (
	"encoding/json"
	"net/http"

	"github.com/dialvox/dialvox/internal/telephony"
)

// handleStatusWebhook applies one gateway status delivery. The response is
// 200 {"success":true} no matter what happened: anything else makes the
// gateway redeliver, and a delivery we could not apply is repaired by the
// reconcilers instead.
func (s *Server) handleStatusWebhook(w http.ResponseWriter, r *http.Request) {
	defer writeWebhookOK(w)

	ev, err := telephony.ParseStatusWebhook(r)
	if err != nil {
		s.logger.Warn("unparseable status webhook", "error", err)
		return
	}

	res, err := s.calls.OnStatusWebhook(r.Context(), ev)
	if s.metrics != nil {
		s.metrics.RecordWebhook(r.Context(), ev.Status, err == nil && res.Applied)
	}
	if err != nil {
		s.logger.Error("status webhook not applied",
			"call_sid", ev.CallSID, "status", ev.Status, "error", err)
		return
	}
	s.logger.Debug("status webhook handled",
		"session_id", res.SessionID, "status", ev.Status, "applied", res.Applied)
}

// writeWebhookOK is the gateway's expected acknowledgment shape; it is not
// wrapped in the API envelope.
func writeWebhookOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"success":true}`))
}

// handleFlowWebhook answers the gateway's call-flow fetch with the WebSocket
// address for this call's media stream. The dial request put the session id
// in CustomField; the gateway echoes it here. A non-200 makes the gateway
// drop the call, which is the right outcome when no session can be resolved.
func (s *Server) handleFlowWebhook(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}
	sessionID := r.Form.Get("CustomField")
	if sessionID == "" {
		s.logger.Warn("call-flow fetch without a session id",
			"call_sid", r.Form.Get("CallSid"))
		writeError(w, http.StatusBadRequest, "missing CustomField")
		return
	}
	if s.publicURL == nil {
		s.logger.Error("call-flow fetch with no public URL configured",
			"session_id", sessionID)
		writeError(w, http.StatusInternalServerError, "public URL not configured")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"url": s.streamURL(sessionID)})
}

// streamURL derives the wss:// media-stream address for a session from the
// configured public base URL.
func (s *Server) streamURL(sessionID string) string {
	u := *s.publicURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/voice/" + sessionID
	u.RawQuery = ""
	return u.String()
}
