package telephony

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Gateway call statuses as they appear in status webhooks.
const (
	StatusQueued     = "queued"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// webhookTimeLayout is the gateway's StartTime/EndTime format.
const webhookTimeLayout = "2006-01-02 15:04:05"

// StatusEvent is one parsed status webhook delivery.
type StatusEvent struct {
	CallSID   string
	From      string
	To        string
	Direction string

	// Status is one of the Status* constants. Unknown values are passed
	// through verbatim; the dialer decides how to treat them.
	Status string

	// Duration is the provider-reported talk time in seconds, nil when the
	// webhook carried none.
	Duration *int

	StartTime time.Time
	EndTime   time.Time

	RecordingURL string
	Digits       string

	// CustomField echoes what the dial request sent (the session id).
	CustomField string
}

// Terminal reports whether the event ends the call.
func (ev *StatusEvent) Terminal() bool {
	switch ev.Status {
	case StatusCompleted, StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return true
	}
	return false
}

// ParseStatusWebhook decodes a status webhook request. The gateway delivers
// form-encoded POSTs; some deployments echo the same fields as query
// parameters, which ParseForm folds in.
func ParseStatusWebhook(r *http.Request) (*StatusEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("telephony: parse webhook form: %w", err)
	}

	ev := &StatusEvent{
		CallSID:      r.Form.Get("CallSid"),
		From:         r.Form.Get("CallFrom"),
		To:           r.Form.Get("CallTo"),
		Direction:    r.Form.Get("Direction"),
		Status:       strings.ToLower(strings.TrimSpace(r.Form.Get("Status"))),
		RecordingURL: r.Form.Get("RecordingUrl"),
		Digits:       strings.Trim(r.Form.Get("Digits"), `"`),
		CustomField:  r.Form.Get("CustomField"),
	}

	if raw := r.Form.Get("Duration"); raw != "" {
		secs, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("telephony: bad webhook duration %q: %w", raw, err)
		}
		ev.Duration = &secs
	}

	// Timestamps are best effort; a malformed one is dropped, not fatal.
	if raw := r.Form.Get("StartTime"); raw != "" {
		if t, err := time.ParseInLocation(webhookTimeLayout, raw, time.Local); err == nil {
			ev.StartTime = t
		}
	}
	if raw := r.Form.Get("EndTime"); raw != "" {
		if t, err := time.ParseInLocation(webhookTimeLayout, raw, time.Local); err == nil {
			ev.EndTime = t
		}
	}

	if ev.CallSID == "" && ev.CustomField == "" && (ev.From == "" || ev.To == "") {
		return nil, fmt.Errorf("telephony: webhook carries no way to resolve a session")
	}
	return ev, nil
}
