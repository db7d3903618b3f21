package store

import (
	"testing"

	"github.com/dialvox/dialvox/pkg/types"
)

func TestCampaignSettings_ApplyDefaults(t *testing.T) {
	t.Parallel()

	var s CampaignSettings
	s.ApplyDefaults()

	if s.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", s.MaxRetries)
	}
	if s.RetryDelayMinutes != 5 {
		t.Errorf("RetryDelayMinutes = %d, want 5", s.RetryDelayMinutes)
	}
	if s.PriorityMode != PriorityFIFO {
		t.Errorf("PriorityMode = %q, want fifo", s.PriorityMode)
	}
	if s.ConcurrentLimit != 10 {
		t.Errorf("ConcurrentLimit = %d, want 10", s.ConcurrentLimit)
	}
	if err := s.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestCampaignSettings_ApplyDefaultsKeepsExplicit(t *testing.T) {
	t.Parallel()

	s := CampaignSettings{
		MaxRetries:        7,
		RetryDelayMinutes: 1,
		PriorityMode:      PriorityLIFO,
		ConcurrentLimit:   2,
	}
	s.ApplyDefaults()

	if s.MaxRetries != 7 || s.RetryDelayMinutes != 1 || s.PriorityMode != PriorityLIFO || s.ConcurrentLimit != 2 {
		t.Errorf("explicit settings were overwritten: %+v", s)
	}
}

func TestCampaignSettings_Validate(t *testing.T) {
	t.Parallel()

	base := CampaignSettings{
		MaxRetries:        3,
		RetryDelayMinutes: 5,
		PriorityMode:      PriorityFIFO,
		ConcurrentLimit:   10,
	}

	tests := []struct {
		name    string
		mutate  func(*CampaignSettings)
		wantErr bool
	}{
		{"valid", func(s *CampaignSettings) {}, false},
		{"max retries at cap", func(s *CampaignSettings) { s.MaxRetries = 10 }, false},
		{"max retries over cap", func(s *CampaignSettings) { s.MaxRetries = 11 }, true},
		{"negative retries", func(s *CampaignSettings) { s.MaxRetries = -1 }, true},
		{"zero delay", func(s *CampaignSettings) { s.RetryDelayMinutes = 0 }, true},
		{"bad mode", func(s *CampaignSettings) { s.PriorityMode = "round-robin" }, true},
		{"priority mode", func(s *CampaignSettings) { s.PriorityMode = PriorityCustom }, false},
		{"limit zero", func(s *CampaignSettings) { s.ConcurrentLimit = 0 }, true},
		{"limit at cap", func(s *CampaignSettings) { s.ConcurrentLimit = 100 }, false},
		{"limit over cap", func(s *CampaignSettings) { s.ConcurrentLimit = 101 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := base
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidPhone(t *testing.T) {
	t.Parallel()

	valid := []string{"+14155550100", "+919876543210", "+4915123456789", "+12"}
	for _, number := range valid {
		if !ValidPhone(number) {
			t.Errorf("ValidPhone(%q) = false, want true", number)
		}
	}

	invalid := []string{"", "14155550100", "+04155550100", "+1 415 555 0100", "+1415555010012345", "+abc"}
	for _, number := range invalid {
		if ValidPhone(number) {
			t.Errorf("ValidPhone(%q) = true, want false", number)
		}
	}
}

func TestContact_Validate(t *testing.T) {
	t.Parallel()

	c := &Contact{CampaignID: "camp-1", Phone: "+14155550100"}
	if err := c.Validate(); err != nil {
		t.Errorf("valid contact rejected: %v", err)
	}

	c = &Contact{CampaignID: "camp-1", Phone: "not-a-phone"}
	if err := c.Validate(); err == nil {
		t.Error("bad phone accepted")
	}

	c = &Contact{Phone: "+14155550100"}
	if err := c.Validate(); err == nil {
		t.Error("missing campaign id accepted")
	}
}

func TestSessionStatus_Terminal(t *testing.T) {
	t.Parallel()

	terminal := []SessionStatus{
		SessionCompleted, SessionFailed, SessionNoAnswer,
		SessionBusy, SessionCanceled, SessionUserEnded, SessionAgentEnded,
	}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false, want true", s)
		}
	}

	live := []SessionStatus{SessionInitiated, SessionRinging, SessionInProgress}
	for _, s := range live {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true, want false", s)
		}
	}
}

func TestContactStatus_Settled(t *testing.T) {
	t.Parallel()

	settled := []ContactStatus{ContactCompleted, ContactFailed, ContactVoicemail, ContactSkipped}
	for _, s := range settled {
		if !s.Settled() {
			t.Errorf("%s.Settled() = false, want true", s)
		}
	}

	inFlight := []ContactStatus{ContactPending, ContactQueued, ContactCalling}
	for _, s := range inFlight {
		if s.Settled() {
			t.Errorf("%s.Settled() = true, want false", s)
		}
	}
}

func TestCampaignStatus_Frozen(t *testing.T) {
	t.Parallel()

	if !CampaignCompleted.Frozen() || !CampaignCancelled.Frozen() {
		t.Error("completed and cancelled must be frozen")
	}
	for _, s := range []CampaignStatus{CampaignDraft, CampaignScheduled, CampaignActive, CampaignPaused, CampaignFailed} {
		if s.Frozen() {
			t.Errorf("%s.Frozen() = true, want false", s)
		}
	}
}

func TestAgent_VoiceFor(t *testing.T) {
	t.Parallel()

	agent := &Agent{
		Voice: VoiceConfig{
			Provider: "elevenlabs",
			VoiceID:  "rachel",
			Settings: VoiceSettings{Stability: 0.6, SimilarityBoost: 0.8},
		},
		VoicesByLanguage: map[string]VoiceConfig{
			"hi": {
				Provider: "sarvam",
				VoiceID:  "anushka",
				Settings: VoiceSettings{ModelID: "bulbul:v2", Pace: 1.1},
			},
		},
	}

	hindi := agent.VoiceFor("hi")
	if hindi.Provider != "sarvam" || hindi.ID != "anushka" {
		t.Errorf("VoiceFor(hi) = %s/%s, want sarvam/anushka", hindi.Provider, hindi.ID)
	}
	if hindi.Language != "hi" {
		t.Errorf("VoiceFor(hi).Language = %q, want hi", hindi.Language)
	}
	if hindi.ModelID != "bulbul:v2" || hindi.Pace != 1.1 {
		t.Errorf("voice settings not carried over: %+v", hindi)
	}

	// No table entry: fall back to the default voice.
	tamil := agent.VoiceFor("ta")
	if tamil.Provider != "elevenlabs" || tamil.ID != "rachel" {
		t.Errorf("VoiceFor(ta) = %s/%s, want elevenlabs/rachel", tamil.Provider, tamil.ID)
	}
	if tamil.Stability != 0.6 || tamil.SimilarityBoost != 0.8 {
		t.Errorf("default voice settings not carried over: %+v", tamil)
	}
}

func TestVoiceConfig_Profile(t *testing.T) {
	t.Parallel()

	cfg := VoiceConfig{
		Provider: "sarvam",
		VoiceID:  "vidya",
		Settings: VoiceSettings{ModelID: "bulbul:v2", Pitch: 0.2, Pace: 0.9, Loudness: 1.4},
	}
	got := cfg.Profile("hi")

	want := types.VoiceProfile{
		ID: "vidya", Provider: "sarvam", Language: "hi",
		ModelID: "bulbul:v2", Pitch: 0.2, Pace: 0.9, Loudness: 1.4,
	}
	if got != want {
		t.Errorf("Profile() = %+v, want %+v", got, want)
	}
}

func TestCounterDelta_Zero(t *testing.T) {
	t.Parallel()

	if !(CounterDelta{}).Zero() {
		t.Error("empty delta should be zero")
	}
	if (CounterDelta{ActiveCalls: -1}).Zero() {
		t.Error("non-empty delta should not be zero")
	}
}

func TestSessionFinish_RequiresTerminalStatus(t *testing.T) {
	t.Parallel()

	// FinishSession rejects non-terminal targets before touching the pool,
	// so a nil-pool Postgres is enough to exercise the guard.
	p := &Postgres{}
	if _, err := p.FinishSession(t.Context(), "sess-1", SessionFinish{Status: SessionRinging}); err == nil {
		t.Error("finish with non-terminal status accepted")
	}
}

func TestCampaign_Validate(t *testing.T) {
	t.Parallel()

	c := &Campaign{
		Name:    "q3-renewals",
		UserID:  "user-1",
		AgentID: "agent-1",
	}
	c.Settings.ApplyDefaults()
	if err := c.Validate(); err != nil {
		t.Errorf("valid campaign rejected: %v", err)
	}

	missing := []*Campaign{
		{UserID: "user-1", AgentID: "agent-1"},
		{Name: "x", AgentID: "agent-1"},
		{Name: "x", UserID: "user-1"},
	}
	for _, c := range missing {
		c.Settings.ApplyDefaults()
		if err := c.Validate(); err == nil {
			t.Errorf("campaign with missing field accepted: %+v", c)
		}
	}
}

func TestScanHelpers_EmptyMap(t *testing.T) {
	t.Parallel()

	if m := emptyMap(nil); m == nil || len(m) != 0 {
		t.Errorf("emptyMap(nil) = %v, want empty map", m)
	}
	src := map[string]any{"k": "v"}
	if m := emptyMap(src); len(m) != 1 {
		t.Errorf("emptyMap(src) lost data: %v", m)
	}
}
