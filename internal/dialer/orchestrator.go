// Package dialer drives one call attempt end to end: it places the dial
// through the telephony gateway, applies status webhooks to the session
// state machine, and keeps the concurrency lease in step with the call's
// real state. The campaign dispatcher hands it leased contacts; the voice
// session hands back stream-side terminations.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/telephony"
)

// Session metadata keys the orchestrator maintains. The pre-dial token is
// written at dial time; the active token replaces it in the coordination
// store when the callee answers.
const (
	MetaPreToken    = "pre_token"
	MetaActiveToken = "active_token"
)

// statusWebhookPath is where the gateway posts call status transitions,
// relative to the public base URL.
const statusWebhookPath = "/webhooks/telephony/status"

// DefaultResolveWindow bounds the number-pair fallback when a webhook
// carries neither a call id nor the custom field.
const DefaultResolveWindow = 5 * time.Minute

// ErrNotInFlight is returned by Hangup when the call already left the
// ringing/in-progress window.
var ErrNotInFlight = errors.New("dialer: call is not in flight")

// OutcomePolicy settles the campaign contact behind a finished session.
// Implemented by the campaign dispatcher.
type OutcomePolicy interface {
	ApplyOutcome(ctx context.Context, sess *store.CallSession) error
}

// StreamCloser shuts down a live voice stream. Implemented by the session
// registry in internal/app.
type StreamCloser interface {
	CloseSession(ctx context.Context, sessionID, reason string) error
}

// Deps are the collaborators an [Orchestrator] needs.
type Deps struct {
	Sessions  store.SessionStore
	Campaigns store.CampaignStore
	Phones    store.PhoneStore
	Slots     *slot.Manager
	Gateway   telephony.Client

	// Redis carries the summarizer hand-off queue.
	Redis *redis.Client

	// Outcomes applies the campaign retry policy on terminal transitions.
	// Nil means sessions finish without settling any contact.
	Outcomes OutcomePolicy

	// Registry closes live voice streams on hangup. Nil skips the close.
	Registry StreamCloser

	Logger *slog.Logger

	// CredentialSecret unseals the per-phone gateway credentials.
	CredentialSecret string

	// PublicBaseURL is the externally reachable address the gateway posts
	// webhooks to.
	PublicBaseURL string

	// ResolveWindow overrides [DefaultResolveWindow].
	ResolveWindow time.Duration
}

// Orchestrator is the per-call state machine around the telephony gateway.
type Orchestrator struct {
	sessions  store.SessionStore
	campaigns store.CampaignStore
	phones    store.PhoneStore
	slots     *slot.Manager
	gateway   telephony.Client
	rdb       *redis.Client
	outcomes  OutcomePolicy
	registry  StreamCloser
	logger    *slog.Logger
	secret    string
	baseURL   string
	window    time.Duration
}

// New creates the orchestrator.
func New(deps Deps) *Orchestrator {
	o := &Orchestrator{
		sessions:  deps.Sessions,
		campaigns: deps.Campaigns,
		phones:    deps.Phones,
		slots:     deps.Slots,
		gateway:   deps.Gateway,
		rdb:       deps.Redis,
		outcomes:  deps.Outcomes,
		registry:  deps.Registry,
		logger:    deps.Logger,
		secret:    deps.CredentialSecret,
		baseURL:   strings.TrimSuffix(deps.PublicBaseURL, "/"),
		window:    deps.ResolveWindow,
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	o.logger = o.logger.With("component", "dialer")
	if o.window <= 0 {
		o.window = DefaultResolveWindow
	}
	return o
}

// Dial places one outbound call for a leased contact. On success the session
// is ringing with the provider call id stored. On failure the session record
// is already failed and the pre-dial lease already freed; the caller only
// settles the contact, keyed off the returned error.
func (o *Orchestrator) Dial(ctx context.Context, c *store.Campaign, contact *store.Contact, preToken string) (*store.CallSession, error) {
	phone, err := o.phones.GetPhone(ctx, c.PhoneID)
	if err != nil {
		o.dropLease(ctx, c.ID, contact.ID)
		return nil, fmt.Errorf("dialer: phone for campaign %s: %w", c.ID, err)
	}

	sess := &store.CallSession{
		ID:         uuid.NewString(),
		UserID:     c.UserID,
		CampaignID: c.ID,
		ContactID:  contact.ID,
		AgentID:    c.AgentID,
		PhoneID:    phone.ID,
		Direction:  store.DirectionOutbound,
		FromNumber: contact.Phone,
		ToNumber:   phone.Number,
		Metadata:   map[string]any{MetaPreToken: preToken},
	}
	if err := o.sessions.CreateSession(ctx, sess); err != nil {
		o.dropLease(ctx, c.ID, contact.ID)
		return nil, fmt.Errorf("dialer: create session: %w", err)
	}

	creds, err := telephony.UnsealCredentials(o.secret, phone.Credentials)
	if err != nil {
		return nil, o.failDial(ctx, sess, fmt.Errorf("dialer: unseal credentials for phone %s: %w", phone.ID, err))
	}

	req := telephony.CallRequest{
		From:           contact.Phone,
		To:             agentLeg(creds, phone),
		CallerID:       phone.Number,
		StatusCallback: o.baseURL + statusWebhookPath,
		CustomField:    sess.ID,
	}
	externalID, err := o.gateway.PlaceCall(ctx, creds, req)
	if err != nil {
		return nil, o.failDial(ctx, sess, fmt.Errorf("dialer: place call: %w", err))
	}

	switch ok, err := o.sessions.MarkRinging(ctx, sess.ID, externalID); {
	case err != nil:
		// The call is live regardless; webhooks still resolve the session
		// through the custom field.
		o.logger.Error("call placed but session not marked ringing",
			"session_id", sess.ID, "call_sid", externalID, "error", err)
	case !ok:
		// A status webhook beat the dial response. Keep what it wrote.
	default:
		sess.Status = store.SessionRinging
		sess.OutboundStatus = store.OutboundRinging
	}
	sess.ExternalCallID = externalID

	o.logger.Info("call placed",
		"session_id", sess.ID, "campaign_id", c.ID,
		"contact_id", contact.ID, "call_sid", externalID)
	return sess, nil
}

// Hangup ends a live call at the user's request. The session must belong to
// the given campaign; a mismatch reads as [store.ErrNotFound] so callers
// cannot probe sessions across campaigns. Legal only while the call is
// ringing or in progress; anything else returns [ErrNotInFlight].
func (o *Orchestrator) Hangup(ctx context.Context, campaignID, sessionID string) error {
	sess, err := o.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.CampaignID != campaignID {
		return fmt.Errorf("dialer: session %s in campaign %s: %w", sessionID, campaignID, store.ErrNotFound)
	}
	switch sess.Status {
	case store.SessionRinging, store.SessionInProgress:
	default:
		return fmt.Errorf("%w: session %s is %s", ErrNotInFlight, sessionID, sess.Status)
	}

	if o.registry != nil {
		if err := o.registry.CloseSession(ctx, sessionID, "hangup requested"); err != nil {
			o.logger.Warn("failed to close voice stream",
				"session_id", sessionID, "error", err)
		}
	}
	_, err = o.MarkEnded(ctx, sessionID, store.SessionUserEnded, "hangup requested")
	return err
}

// MarkEnded applies a terminal status outside the webhook path, typically
// from the voice session when the stream closes first. Idempotent: a session
// that is already terminal is left untouched and false is returned.
func (o *Orchestrator) MarkEnded(ctx context.Context, sessionID string, status store.SessionStatus, reason string) (bool, error) {
	fin := store.SessionFinish{Status: status, FailureReason: reason}
	// Voicemail detection reports itself through the reason; mirror it onto
	// the campaign-view status.
	if reason == "voicemail" {
		fin.OutboundStatus = store.OutboundVoicemail
	}

	applied, err := o.sessions.FinishSession(ctx, sessionID, fin)
	if err != nil {
		return false, fmt.Errorf("dialer: mark ended %s: %w", sessionID, err)
	}
	if applied {
		o.afterFinish(ctx, sessionID)
	}
	return applied, nil
}

// failDial finishes the session as failed and frees the pre-dial lease.
func (o *Orchestrator) failDial(ctx context.Context, sess *store.CallSession, cause error) error {
	if _, err := o.sessions.FinishSession(ctx, sess.ID, store.SessionFinish{
		Status:        store.SessionFailed,
		FailureReason: cause.Error(),
	}); err != nil {
		o.logger.Error("failed to mark session failed", "session_id", sess.ID, "error", err)
	}
	o.dropLease(ctx, sess.CampaignID, sess.ContactID)
	return cause
}

// dropLease frees whatever lease the contact holds. publish is set so the
// promoter can hand the freed slot to the next job.
func (o *Orchestrator) dropLease(ctx context.Context, campaignID, contactID string) {
	if _, err := o.slots.ForceRelease(ctx, campaignID, contactID, true); err != nil {
		o.logger.Error("failed to release lease",
			"campaign_id", campaignID, "contact_id", contactID, "error", err)
	}
}

// agentLeg picks the second leg of the connect request: the voice applet
// when the trunk credentials carry one, the trunk number otherwise.
func agentLeg(creds telephony.Credentials, phone *store.Phone) string {
	if creds.AppID != "" {
		return creds.AppID
	}
	return phone.Number
}

// metaString reads one string value out of session metadata.
func metaString(meta map[string]any, key string) string {
	if v, ok := meta[key].(string); ok {
		return v
	}
	return ""
}
