// Package store provides the PostgreSQL persistence layer for dialvox:
// campaigns, campaign contacts, call sessions with their transcripts, and the
// read-side agent and phone records.
//
// The package defines one interface per entity so that services can depend on
// exactly the slice of persistence they use and tests can substitute in-memory
// fakes. [Postgres] implements all of them over a single [pgxpool.Pool].
//
// Durable counters only ever move by increments (x = x + n); status changes
// are conditional UPDATEs so that concurrent writers (webhook handler, stuck
// call monitor, voice session teardown) cannot double-apply a transition.
package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/dialvox/dialvox/pkg/types"
)

// Sentinel errors shared across the persistence and service layers. The HTTP
// layer maps them onto status codes (404, 403, 409).
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrNotOwner is returned when a record exists but belongs to a
	// different user than the caller.
	ErrNotOwner = errors.New("not owner")

	// ErrDuplicatePhone is returned when a contact with the same phone
	// number already exists in the campaign.
	ErrDuplicatePhone = errors.New("duplicate phone in campaign")
)

// ─────────────────────────────────────────────────────────────────────────────
// Campaign
// ─────────────────────────────────────────────────────────────────────────────

// CampaignStatus is the lifecycle state of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
)

// Frozen reports whether the campaign has reached a state in which counters
// and contacts must no longer change.
func (s CampaignStatus) Frozen() bool {
	return s == CampaignCompleted || s == CampaignCancelled
}

// PriorityMode selects the order in which pending contacts are enqueued.
type PriorityMode string

const (
	// PriorityFIFO dials contacts in insertion order.
	PriorityFIFO PriorityMode = "fifo"

	// PriorityLIFO dials the most recently added contacts first.
	PriorityLIFO PriorityMode = "lifo"

	// PriorityCustom dials by the per-contact priority field, highest first.
	PriorityCustom PriorityMode = "priority"
)

// CampaignSettings is the per-campaign dialing policy, stored as JSONB.
type CampaignSettings struct {
	// RetryFailed re-enqueues failed/no-answer/busy contacts up to MaxRetries.
	RetryFailed bool `json:"retryFailed"`

	// MaxRetries caps retry attempts per contact. Range [0,10].
	MaxRetries int `json:"maxRetries"`

	// RetryDelayMinutes is the delay before a retried contact becomes
	// dialable again. Minimum 1.
	RetryDelayMinutes int `json:"retryDelayMinutes"`

	// ExcludeVoicemail settles a contact as voicemail instead of retrying
	// when the call hit an answering machine.
	ExcludeVoicemail bool `json:"excludeVoicemail"`

	// PriorityMode selects the enqueue order. Defaults to fifo.
	PriorityMode PriorityMode `json:"priorityMode"`

	// FairDispatch lets normal-priority jobs through even while
	// high-priority jobs are waiting (every N-th promotion).
	FairDispatch bool `json:"fairDispatch"`

	// ConcurrentLimit caps simultaneous calls for this campaign. Range [1,100].
	ConcurrentLimit int `json:"concurrentLimit"`
}

// ApplyDefaults fills zero-valued fields with the documented defaults.
func (s *CampaignSettings) ApplyDefaults() {
	if s.MaxRetries == 0 {
		s.MaxRetries = 3
	}
	if s.RetryDelayMinutes == 0 {
		s.RetryDelayMinutes = 5
	}
	if s.PriorityMode == "" {
		s.PriorityMode = PriorityFIFO
	}
	if s.ConcurrentLimit == 0 {
		s.ConcurrentLimit = 10
	}
}

// Validate checks the range constraints on the settings.
func (s CampaignSettings) Validate() error {
	if s.MaxRetries < 0 || s.MaxRetries > 10 {
		return fmt.Errorf("maxRetries %d out of range [0,10]", s.MaxRetries)
	}
	if s.RetryDelayMinutes < 1 {
		return fmt.Errorf("retryDelayMinutes %d below minimum 1", s.RetryDelayMinutes)
	}
	switch s.PriorityMode {
	case PriorityFIFO, PriorityLIFO, PriorityCustom:
	default:
		return fmt.Errorf("unknown priorityMode %q", s.PriorityMode)
	}
	if s.ConcurrentLimit < 1 || s.ConcurrentLimit > 100 {
		return fmt.Errorf("concurrentLimit %d out of range [1,100]", s.ConcurrentLimit)
	}
	return nil
}

// CampaignCounters aggregates contact outcomes per campaign. Every field is
// monotonic except QueuedCalls and ActiveCalls, which move both ways as calls
// enter and leave flight.
type CampaignCounters struct {
	TotalContacts  int `json:"totalContacts"`
	QueuedCalls    int `json:"queuedCalls"`
	ActiveCalls    int `json:"activeCalls"`
	CompletedCalls int `json:"completedCalls"`
	FailedCalls    int `json:"failedCalls"`
	VoicemailCalls int `json:"voicemailCalls"`
}

// CounterDelta is a set of increments applied to [CampaignCounters] in one
// statement. Negative values decrement.
type CounterDelta struct {
	TotalContacts  int
	QueuedCalls    int
	ActiveCalls    int
	CompletedCalls int
	FailedCalls    int
	VoicemailCalls int
}

// Zero reports whether the delta would change nothing.
func (d CounterDelta) Zero() bool {
	return d == CounterDelta{}
}

// Campaign is one outbound dialing batch: an agent persona, a phone trunk,
// a contact list, and a dialing policy.
type Campaign struct {
	ID          string
	UserID      string
	AgentID     string
	PhoneID     string
	Name        string
	Status      CampaignStatus
	ScheduledAt *time.Time
	Counters    CampaignCounters
	Settings    CampaignSettings
	Metadata    map[string]any
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the fields a caller must supply before Create.
func (c *Campaign) Validate() error {
	if c.Name == "" {
		return errors.New("campaign name is required")
	}
	if c.UserID == "" {
		return errors.New("campaign userId is required")
	}
	if c.AgentID == "" {
		return errors.New("campaign agentId is required")
	}
	return c.Settings.Validate()
}

// ─────────────────────────────────────────────────────────────────────────────
// Contact
// ─────────────────────────────────────────────────────────────────────────────

// ContactStatus is the dial state of a single contact row.
type ContactStatus string

const (
	ContactPending   ContactStatus = "pending"
	ContactQueued    ContactStatus = "queued"
	ContactCalling   ContactStatus = "calling"
	ContactCompleted ContactStatus = "completed"
	ContactFailed    ContactStatus = "failed"
	ContactVoicemail ContactStatus = "voicemail"
	ContactSkipped   ContactStatus = "skipped"
)

// Settled reports whether the contact has reached a state that no longer
// participates in dispatch.
func (s ContactStatus) Settled() bool {
	switch s {
	case ContactCompleted, ContactFailed, ContactVoicemail, ContactSkipped:
		return true
	}
	return false
}

// phoneE164 validates phone numbers: + followed by up to 15 digits, no
// leading zero.
var phoneE164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidPhone reports whether number is a well-formed E.164 phone number.
func ValidPhone(number string) bool {
	return phoneE164.MatchString(number)
}

// Contact is one dialable row of a campaign.
type Contact struct {
	ID            string
	CampaignID    string
	Phone         string
	Name          string
	Email         string
	Custom        map[string]any
	Status        ContactStatus
	RetryCount    int
	NextRetryAt   *time.Time
	LastAttemptAt *time.Time
	FailureReason string
	Priority      int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Validate checks the contact row before insertion.
func (c *Contact) Validate() error {
	if c.CampaignID == "" {
		return errors.New("contact campaignId is required")
	}
	if !ValidPhone(c.Phone) {
		return fmt.Errorf("phone %q is not E.164", c.Phone)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Call session
// ─────────────────────────────────────────────────────────────────────────────

// Direction distinguishes who initiated the call.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// SessionStatus is the telephony-view state of one dial attempt.
type SessionStatus string

const (
	SessionInitiated  SessionStatus = "initiated"
	SessionRinging    SessionStatus = "ringing"
	SessionInProgress SessionStatus = "in-progress"
	SessionCompleted  SessionStatus = "completed"
	SessionFailed     SessionStatus = "failed"
	SessionNoAnswer   SessionStatus = "no-answer"
	SessionBusy       SessionStatus = "busy"
	SessionCanceled   SessionStatus = "canceled"
	SessionUserEnded  SessionStatus = "user-ended"
	SessionAgentEnded SessionStatus = "agent-ended"
)

// Terminal reports whether the status ends the call. A session takes exactly
// one transition into this set.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionFailed, SessionNoAnswer,
		SessionBusy, SessionCanceled, SessionUserEnded, SessionAgentEnded:
		return true
	}
	return false
}

// OutboundStatus is the campaign-view state of one dial attempt, coarser
// than [SessionStatus].
type OutboundStatus string

const (
	OutboundQueued    OutboundStatus = "queued"
	OutboundRinging   OutboundStatus = "ringing"
	OutboundConnected OutboundStatus = "connected"
	OutboundNoAnswer  OutboundStatus = "no_answer"
	OutboundBusy      OutboundStatus = "busy"
	OutboundVoicemail OutboundStatus = "voicemail"
)

// CallSession is one dial attempt against one contact.
type CallSession struct {
	ID             string
	UserID         string
	CampaignID     string
	ContactID      string
	AgentID        string
	PhoneID        string
	Direction      Direction
	Status         SessionStatus
	OutboundStatus OutboundStatus

	// FromNumber and ToNumber are denormalized for webhook resolution when
	// neither the external call id nor the custom field match.
	FromNumber string
	ToNumber   string

	CreatedAt   time.Time
	InitiatedAt *time.Time
	StartedAt   *time.Time
	EndedAt     *time.Time

	// DurationSec is the provider-reported talk time. When the provider
	// never reports one it is computed from EndedAt − StartedAt.
	DurationSec int

	ExternalCallID   string
	RecordingURL     string
	LanguageSwitches []types.LanguageSwitch
	Cost             types.CostBreakdown
	RetryOf          string
	FailureReason    string

	// Metadata carries the concurrency lease tokens and campaign linkage.
	Metadata map[string]any

	UpdatedAt time.Time
}

// SessionFinish carries everything a terminal transition writes in one
// conditional UPDATE.
type SessionFinish struct {
	Status         SessionStatus
	OutboundStatus OutboundStatus
	FailureReason  string
	RecordingURL   string

	// DurationSec is the provider-authoritative talk time. Nil means the
	// provider did not report one and the stored started/ended timestamps
	// decide.
	DurationSec *int

	EndedAt time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Agent (read side)
// ─────────────────────────────────────────────────────────────────────────────

// STT provider names accepted in agent configuration.
const (
	STTDeepgram = "deepgram"
	STTSarvam   = "sarvam"
	STTWhisper  = "whisper"
)

// VoiceSettings tunes a TTS voice. Fields apply per provider; zero values
// mean provider default.
type VoiceSettings struct {
	Stability       float64 `json:"stability,omitempty"`
	SimilarityBoost float64 `json:"similarity_boost,omitempty"`
	ModelID         string  `json:"model_id,omitempty"`
	Pitch           float64 `json:"pitch,omitempty"`
	Pace            float64 `json:"pace,omitempty"`
	Loudness        float64 `json:"loudness,omitempty"`
}

// VoiceConfig selects a TTS provider and voice for an agent.
type VoiceConfig struct {
	Provider string        `json:"provider"`
	VoiceID  string        `json:"voice_id"`
	Settings VoiceSettings `json:"settings"`
}

// Profile converts the stored config into the profile shape the TTS
// providers consume.
func (v VoiceConfig) Profile(language string) types.VoiceProfile {
	return types.VoiceProfile{
		ID:              v.VoiceID,
		Provider:        v.Provider,
		Language:        language,
		Stability:       v.Settings.Stability,
		SimilarityBoost: v.Settings.SimilarityBoost,
		ModelID:         v.Settings.ModelID,
		Pitch:           v.Settings.Pitch,
		Pace:            v.Settings.Pace,
		Loudness:        v.Settings.Loudness,
	}
}

// LLMConfig selects the completion model and sampling knobs for an agent.
type LLMConfig struct {
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// VoicemailConfig tunes answering-machine detection.
type VoicemailConfig struct {
	Enabled bool `json:"enabled"`

	// Keywords are matched phonetically against early transcripts.
	Keywords []string `json:"keywords"`

	// MinDetectionTime is the window, in seconds from call start, during
	// which detection runs.
	MinDetectionTime int `json:"min_detection_time"`

	// ConfidenceThreshold is the minimum classifier score that terminates
	// the call.
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// Agent is the persona and pipeline configuration a campaign dials with.
// Rows are written by the management plane; this repo only reads them.
type Agent struct {
	ID           string
	UserID       string
	Name         string
	Prompt       string
	FirstMessage string

	// Language is the configured conversation language (BCP-47).
	Language string

	// AutoDetectLanguage enables mid-call language switching.
	AutoDetectLanguage bool

	STTProvider      string
	Voice            VoiceConfig
	VoicesByLanguage map[string]VoiceConfig
	LLM              LLMConfig
	EndCallPhrases   []string
	Voicemail        VoicemailConfig
	RAGEnabled       bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// VoiceFor returns the voice for the given language, falling back to the
// default voice when no per-language entry exists.
func (a *Agent) VoiceFor(language string) types.VoiceProfile {
	if v, ok := a.VoicesByLanguage[language]; ok && v.Provider != "" {
		return v.Profile(language)
	}
	return a.Voice.Profile(language)
}

// ─────────────────────────────────────────────────────────────────────────────
// Phone (read side)
// ─────────────────────────────────────────────────────────────────────────────

// SealedCredentials holds the per-phone telephony credentials as AES-GCM
// ciphertexts. internal/telephony unseals them at dial time.
type SealedCredentials struct {
	APIKey     string `json:"api_key"`
	APIToken   string `json:"api_token"`
	AccountSID string `json:"account_sid"`
	Subdomain  string `json:"subdomain"`
	AppID      string `json:"app_id"`
}

// Phone is an outbound trunk: a number plus the sealed provider credentials.
// Rows are written by the management plane; this repo only reads them.
type Phone struct {
	ID          string
	UserID      string
	Number      string
	Provider    string
	Credentials SealedCredentials
	Active      bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ─────────────────────────────────────────────────────────────────────────────
// Interfaces
// ─────────────────────────────────────────────────────────────────────────────

// CampaignStore persists campaigns and their counters.
type CampaignStore interface {
	// CreateCampaign validates and inserts the campaign, filling
	// CreatedAt/UpdatedAt from the database.
	CreateCampaign(ctx context.Context, c *Campaign) error

	// GetCampaign returns the campaign or [ErrNotFound].
	GetCampaign(ctx context.Context, id string) (*Campaign, error)

	// ListCampaigns returns all campaigns owned by userID, newest first.
	ListCampaigns(ctx context.Context, userID string) ([]*Campaign, error)

	// ListCampaignsByStatus returns all campaigns in any of the given
	// statuses. The dispatcher's scheduler tick uses it to find active and
	// paused campaigns across all users.
	ListCampaignsByStatus(ctx context.Context, statuses ...CampaignStatus) ([]*Campaign, error)

	// UpdateCampaign rewrites the mutable fields (name, scheduled_at,
	// settings, metadata) of an existing campaign.
	UpdateCampaign(ctx context.Context, c *Campaign) error

	// DeleteCampaign removes the campaign and its contacts. The contacts
	// go first so a crash cannot orphan them.
	DeleteCampaign(ctx context.Context, id string) error

	// TransitionCampaign moves the campaign to status to if its current
	// status is in from. It reports whether the transition applied.
	TransitionCampaign(ctx context.Context, id string, to CampaignStatus, from ...CampaignStatus) (bool, error)

	// UpdateCampaignSettings rewrites the settings document.
	UpdateCampaignSettings(ctx context.Context, id string, s CampaignSettings) error

	// AdjustCounters applies the delta. Frozen campaigns are left
	// untouched; late webhook deliveries after cancel are a no-op.
	AdjustCounters(ctx context.Context, id string, d CounterDelta) error

	// DueScheduledCampaigns returns scheduled campaigns whose start time
	// has passed.
	DueScheduledCampaigns(ctx context.Context, now time.Time) ([]*Campaign, error)
}

// ContactStore persists campaign contacts.
type ContactStore interface {
	// AddContact inserts one contact or returns [ErrDuplicatePhone].
	AddContact(ctx context.Context, c *Contact) error

	// AddContacts bulk-inserts, skipping duplicates, and reports how many
	// rows were added and how many were duplicates.
	AddContacts(ctx context.Context, contacts []*Contact) (added, duplicates int, err error)

	// GetContact returns the contact or [ErrNotFound].
	GetContact(ctx context.Context, id string) (*Contact, error)

	// PendingContacts returns dialable contacts (pending, retry delay
	// elapsed) in the order selected by mode, up to limit.
	PendingContacts(ctx context.Context, campaignID string, mode PriorityMode, limit int) ([]*Contact, error)

	// MarkContactsQueued flips pending contacts to queued and reports how
	// many flipped.
	MarkContactsQueued(ctx context.Context, ids []string) (int, error)

	// QueuedContacts returns contacts in queued status, oldest first, up
	// to limit. The waitlist reconciler verifies these against the
	// coordination store.
	QueuedContacts(ctx context.Context, campaignID string, limit int) ([]*Contact, error)

	// MarkContactCalling flips one queued contact to calling and stamps
	// last_attempt_at. It reports whether the flip applied.
	MarkContactCalling(ctx context.Context, id string) (bool, error)

	// SettleContact applies a call outcome to the contact and the campaign
	// counters in one transaction. A contact that is not in flight
	// (queued/calling) is left untouched and Applied is false.
	SettleContact(ctx context.Context, campaignID, contactID string, s Settlement) (SettleResult, error)

	// RequeueFailed flips failed contacts with retries remaining back to
	// pending, delayed by delay, and reports how many flipped.
	RequeueFailed(ctx context.Context, campaignID string, maxRetries int, delay time.Duration) (int, error)

	// SkipUnsettled marks all pending and queued contacts skipped
	// (campaign cancel) and reports how many.
	SkipUnsettled(ctx context.Context, campaignID string) (int, error)

	// ContactStatusCounts aggregates contact rows by status.
	ContactStatusCounts(ctx context.Context, campaignID string) (map[ContactStatus]int, error)
}

// Settlement describes how one dial attempt settles its contact.
type Settlement struct {
	// Status is the settled contact status, or [ContactPending] to
	// re-queue for retry.
	Status ContactStatus

	FailureReason string

	// IncrementRetry bumps retry_count (retried voicemail/failed attempts).
	IncrementRetry bool

	// NextRetryAt delays the next attempt when re-queueing.
	NextRetryAt *time.Time

	// Counters is the campaign counter delta applied in the same
	// transaction, skipped entirely when the contact was already settled.
	Counters CounterDelta
}

// SettleResult reports what a SettleContact call changed.
type SettleResult struct {
	// Applied is false when the contact had already settled (duplicate
	// webhook delivery) and nothing was written.
	Applied bool

	// Unsettled is the number of contacts still pending, queued or calling
	// after this settlement. Zero means the campaign may complete.
	Unsettled int
}

// SessionStore persists call sessions and their transcripts.
type SessionStore interface {
	// CreateSession inserts the session with status initiated.
	CreateSession(ctx context.Context, s *CallSession) error

	// GetSession returns the session or [ErrNotFound].
	GetSession(ctx context.Context, id string) (*CallSession, error)

	// GetSessionByExternalID resolves a session by the provider-assigned
	// call id, or returns [ErrNotFound].
	GetSessionByExternalID(ctx context.Context, externalID string) (*CallSession, error)

	// FindRecentSession resolves the newest session dialed from→to since
	// the given time. Last rung of the webhook resolution ladder.
	FindRecentSession(ctx context.Context, from, to string, since time.Time) (*CallSession, error)

	// MarkRinging stores the provider call id and moves
	// initiated → ringing. It reports whether the transition applied.
	MarkRinging(ctx context.Context, id, externalID string) (bool, error)

	// MarkConnected moves the session to in-progress and stamps
	// started_at. It applies only once; redelivered answer webhooks
	// report false.
	MarkConnected(ctx context.Context, id string, startedAt time.Time) (bool, error)

	// FinishSession applies the terminal transition. It applies at most
	// once; a session already terminal reports false and keeps its
	// original outcome.
	FinishSession(ctx context.Context, id string, fin SessionFinish) (bool, error)

	// SetSessionMeta stores one metadata key (lease tokens).
	SetSessionMeta(ctx context.Context, id, key, value string) error

	// AppendLanguageSwitch journals one mid-call language change.
	AppendLanguageSwitch(ctx context.Context, id string, sw types.LanguageSwitch) error

	// UpdateSessionCost rewrites the accumulated cost breakdown.
	UpdateSessionCost(ctx context.Context, id string, cost types.CostBreakdown) error

	// AppendTranscript appends entries in seq order.
	AppendTranscript(ctx context.Context, sessionID string, entries []types.TranscriptEntry) error

	// ListTranscript returns the transcript ordered by seq.
	ListTranscript(ctx context.Context, sessionID string) ([]types.TranscriptEntry, error)

	// ListActiveSessions returns the campaign's non-terminal sessions.
	ListActiveSessions(ctx context.Context, campaignID string) ([]*CallSession, error)

	// ListStuckSessions returns non-terminal sessions not updated since
	// the given time. Consumed by the stuck-call monitor.
	ListStuckSessions(ctx context.Context, updatedBefore time.Time) ([]*CallSession, error)
}

// AgentStore reads agent configurations.
type AgentStore interface {
	// GetAgent returns the agent or [ErrNotFound].
	GetAgent(ctx context.Context, id string) (*Agent, error)
}

// PhoneStore reads phone trunks.
type PhoneStore interface {
	// GetPhone returns the phone or [ErrNotFound].
	GetPhone(ctx context.Context, id string) (*Phone, error)
}
