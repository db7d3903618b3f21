package dialer_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/dialer"
	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/store/mock"
	"github.com/dialvox/dialvox/internal/telephony"
)

const (
	testSecret  = "unit-test-credential-secret"
	testBaseURL = "https://dial.example.test"
	trunkNumber = "+14155550100"
)

// fakeGateway records dial requests and answers with synthetic call sids.
type fakeGateway struct {
	mu       sync.Mutex
	requests []telephony.CallRequest
	creds    []telephony.Credentials
	err      error
}

func (g *fakeGateway) PlaceCall(_ context.Context, creds telephony.Credentials, req telephony.CallRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return "", g.err
	}
	g.requests = append(g.requests, req)
	g.creds = append(g.creds, creds)
	return fmt.Sprintf("exo-%d", len(g.requests)), nil
}

func (g *fakeGateway) failWith(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

func (g *fakeGateway) calls() []telephony.CallRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]telephony.CallRequest(nil), g.requests...)
}

// outcomeRecorder stands in for the campaign dispatcher's retry policy.
type outcomeRecorder struct {
	mu       sync.Mutex
	sessions []*store.CallSession
}

func (r *outcomeRecorder) ApplyOutcome(_ context.Context, sess *store.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sess)
	return nil
}

func (r *outcomeRecorder) applied() []*store.CallSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*store.CallSession(nil), r.sessions...)
}

// fakeCloser records the streams the orchestrator asked to shut down.
type fakeCloser struct {
	mu     sync.Mutex
	closed []string
}

func (f *fakeCloser) CloseSession(_ context.Context, sessionID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, sessionID)
	return nil
}

func (f *fakeCloser) sessions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.closed...)
}

type fixture struct {
	db       *mock.Store
	client   *redis.Client
	slots    *slot.Manager
	gateway  *fakeGateway
	outcomes *outcomeRecorder
	closer   *fakeCloser
	orch     *dialer.Orchestrator
	campaign *store.Campaign
	contact  *store.Contact
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := mock.NewStore()
	db.SeedAgent(&store.Agent{ID: "agent-1", UserID: "u1", Name: "Asha", Prompt: "You sell things."})

	sealed, err := telephony.SealCredentials(testSecret, telephony.Credentials{
		APIKey:     "key-1",
		APIToken:   "token-1",
		AccountSID: "acct-1",
		Subdomain:  "api.gateway.test",
		AppID:      "applet-7",
	})
	if err != nil {
		t.Fatalf("failed to seal credentials: %v", err)
	}
	db.SeedPhone(&store.Phone{
		ID: "phone-1", UserID: "u1", Number: trunkNumber,
		Provider: "exotel", Credentials: sealed, Active: true,
	})

	c := &store.Campaign{
		ID: "cmp-1", UserID: "u1", AgentID: "agent-1", PhoneID: "phone-1",
		Name: "renewals", Status: store.CampaignActive,
	}
	if err := db.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("failed to seed campaign: %v", err)
	}

	fx := &fixture{
		db:       db,
		client:   client,
		slots:    slot.NewManager(client),
		gateway:  &fakeGateway{},
		outcomes: &outcomeRecorder{},
		closer:   &fakeCloser{},
		campaign: c,
	}
	fx.contact = fx.addContact(t, "ct-1", "+14155550101")

	fx.orch = dialer.New(dialer.Deps{
		Sessions:         db,
		Campaigns:        db,
		Phones:           db,
		Slots:            fx.slots,
		Gateway:          fx.gateway,
		Redis:            client,
		Outcomes:         fx.outcomes,
		Registry:         fx.closer,
		CredentialSecret: testSecret,
		PublicBaseURL:    testBaseURL,
	})
	return fx
}

func (fx *fixture) addContact(t *testing.T, id, phone string) *store.Contact {
	t.Helper()
	ct := &store.Contact{ID: id, CampaignID: fx.campaign.ID, Phone: phone, Name: "Lee"}
	if err := fx.db.AddContact(context.Background(), ct); err != nil {
		t.Fatalf("failed to seed contact: %v", err)
	}
	return ct
}

// dial acquires a pre-dial lease for the contact and places the call, the
// way the dispatcher's job runner does.
func (fx *fixture) dial(t *testing.T, contact *store.Contact) *store.CallSession {
	t.Helper()
	ctx := context.Background()

	acq, err := fx.slots.AcquirePreDial(ctx, fx.campaign.ID, contact.ID, 10)
	if err != nil || !acq.OK {
		t.Fatalf("failed to acquire pre-dial lease: ok=%v err=%v", acq.OK, err)
	}
	sess, err := fx.orch.Dial(ctx, fx.campaign, contact, acq.Token)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	return sess
}

func (fx *fixture) session(t *testing.T, id string) *store.CallSession {
	t.Helper()
	sess, err := fx.db.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession(%s): %v", id, err)
	}
	return sess
}

func (fx *fixture) leaseCounts(t *testing.T) slot.Counts {
	t.Helper()
	counts, err := fx.slots.Counts(context.Background(), fx.campaign.ID)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	return counts
}

func (fx *fixture) webhook(t *testing.T, ev *telephony.StatusEvent) dialer.WebhookResult {
	t.Helper()
	res, err := fx.orch.OnStatusWebhook(context.Background(), ev)
	if err != nil {
		t.Fatalf("OnStatusWebhook(%s): %v", ev.Status, err)
	}
	return res
}

// ─────────────────────────────────────────────────────────────────────────────
// Dial
// ─────────────────────────────────────────────────────────────────────────────

func TestDial_PlacesCallAndMarksRinging(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	sess := fx.dial(t, fx.contact)

	if sess.Status != store.SessionRinging {
		t.Errorf("session status = %s, want ringing", sess.Status)
	}
	if sess.ExternalCallID != "exo-1" {
		t.Errorf("external call id = %q, want exo-1", sess.ExternalCallID)
	}

	got := fx.session(t, sess.ID)
	if got.Status != store.SessionRinging || got.OutboundStatus != store.OutboundRinging {
		t.Errorf("stored session = %s/%s, want ringing/ringing", got.Status, got.OutboundStatus)
	}
	if got.FromNumber != fx.contact.Phone || got.ToNumber != trunkNumber {
		t.Errorf("number pair = %s→%s, want %s→%s", got.FromNumber, got.ToNumber, fx.contact.Phone, trunkNumber)
	}
	if tok, _ := got.Metadata[dialer.MetaPreToken].(string); tok == "" {
		t.Error("pre-dial token missing from session metadata")
	}

	calls := fx.gateway.calls()
	if len(calls) != 1 {
		t.Fatalf("gateway calls = %d, want 1", len(calls))
	}
	req := calls[0]
	if req.From != fx.contact.Phone {
		t.Errorf("dial From = %q, want contact number", req.From)
	}
	if req.To != "applet-7" {
		t.Errorf("dial To = %q, want the voice applet", req.To)
	}
	if req.CallerID != trunkNumber {
		t.Errorf("dial CallerID = %q, want trunk number", req.CallerID)
	}
	if req.CustomField != sess.ID {
		t.Errorf("dial CustomField = %q, want session id", req.CustomField)
	}
	if want := testBaseURL + "/webhooks/telephony/status"; req.StatusCallback != want {
		t.Errorf("dial StatusCallback = %q, want %q", req.StatusCallback, want)
	}
	if fx.gateway.creds[0].APIKey != "key-1" {
		t.Errorf("gateway credentials not unsealed: %+v", fx.gateway.creds[0])
	}

	// The lease stays pre-dial until the callee answers.
	if counts := fx.leaseCounts(t); counts.PreDial != 1 || counts.Active != 0 {
		t.Errorf("lease counts = %+v, want one pre-dial", counts)
	}
}

func TestDial_GatewayRejectionFreesLease(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.gateway.failWith(&telephony.DialError{StatusCode: 502, Message: "gateway sad"})

	ctx := context.Background()
	acq, err := fx.slots.AcquirePreDial(ctx, fx.campaign.ID, fx.contact.ID, 10)
	if err != nil || !acq.OK {
		t.Fatalf("failed to acquire pre-dial lease: %v", err)
	}

	_, err = fx.orch.Dial(ctx, fx.campaign, fx.contact, acq.Token)
	if err == nil {
		t.Fatal("Dial succeeded against a rejecting gateway")
	}
	var dialErr *telephony.DialError
	if !errors.As(err, &dialErr) || !dialErr.Temporary() {
		t.Errorf("error = %v, want a temporary *DialError", err)
	}

	sess, err := fx.db.FindRecentSession(ctx, fx.contact.Phone, trunkNumber, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("no session recorded for the failed dial: %v", err)
	}
	if sess.Status != store.SessionFailed {
		t.Errorf("session status = %s, want failed", sess.Status)
	}
	if !strings.Contains(sess.FailureReason, "gateway sad") {
		t.Errorf("failure reason = %q, want the gateway message", sess.FailureReason)
	}

	if counts := fx.leaseCounts(t); counts.Total() != 0 {
		t.Errorf("lease counts = %+v, want none after a failed dial", counts)
	}
}

func TestDial_BadCredentialsFreesLease(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	fx.db.SeedPhone(&store.Phone{
		ID: "phone-1", UserID: "u1", Number: trunkNumber,
		Credentials: store.SealedCredentials{APIKey: "!!not-base64!!"}, Active: true,
	})

	ctx := context.Background()
	acq, err := fx.slots.AcquirePreDial(ctx, fx.campaign.ID, fx.contact.ID, 10)
	if err != nil || !acq.OK {
		t.Fatalf("failed to acquire pre-dial lease: %v", err)
	}

	if _, err := fx.orch.Dial(ctx, fx.campaign, fx.contact, acq.Token); err == nil {
		t.Fatal("Dial succeeded with unusable credentials")
	}
	if len(fx.gateway.calls()) != 0 {
		t.Error("gateway was called despite unusable credentials")
	}

	sess, err := fx.db.FindRecentSession(ctx, fx.contact.Phone, trunkNumber, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("no session recorded for the failed dial: %v", err)
	}
	if sess.Status != store.SessionFailed {
		t.Errorf("session status = %s, want failed", sess.Status)
	}
	if counts := fx.leaseCounts(t); counts.Total() != 0 {
		t.Errorf("lease counts = %+v, want none", counts)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Webhooks
// ─────────────────────────────────────────────────────────────────────────────

func TestWebhook_AnswerUpgradesLease(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)

	res := fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})
	if !res.Applied || res.Status != store.SessionInProgress {
		t.Fatalf("answer result = %+v, want applied in-progress", res)
	}

	got := fx.session(t, sess.ID)
	if got.Status != store.SessionInProgress || got.OutboundStatus != store.OutboundConnected {
		t.Errorf("session = %s/%s, want in-progress/connected", got.Status, got.OutboundStatus)
	}
	if got.StartedAt == nil {
		t.Error("started_at not stamped on answer")
	}
	token, _ := got.Metadata[dialer.MetaActiveToken].(string)
	if token == "" {
		t.Fatal("active lease token missing from session metadata")
	}

	if counts := fx.leaseCounts(t); counts.Active != 1 || counts.PreDial != 0 {
		t.Errorf("lease counts = %+v, want the pre-dial lease upgraded", counts)
	}
	if c, _ := fx.db.GetCampaign(context.Background(), fx.campaign.ID); c.Counters.ActiveCalls != 1 {
		t.Errorf("active counter = %d, want 1", c.Counters.ActiveCalls)
	}

	// A redelivered answer changes nothing: same token, same counter.
	res = fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})
	if res.Applied {
		t.Error("redelivered answer reported applied")
	}
	got = fx.session(t, sess.ID)
	if again, _ := got.Metadata[dialer.MetaActiveToken].(string); again != token {
		t.Errorf("active token changed on redelivery: %q → %q", token, again)
	}
	if c, _ := fx.db.GetCampaign(context.Background(), fx.campaign.ID); c.Counters.ActiveCalls != 1 {
		t.Errorf("active counter = %d after redelivery, want 1", c.Counters.ActiveCalls)
	}
}

func TestWebhook_CompletedReleasesAndSettles(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()
	sess := fx.dial(t, fx.contact)
	fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})

	dur := 42
	res := fx.webhook(t, &telephony.StatusEvent{
		CallSID:      sess.ExternalCallID,
		Status:       telephony.StatusCompleted,
		Duration:     &dur,
		RecordingURL: "https://recordings.test/r1.mp3",
	})
	if !res.Applied || res.Status != store.SessionCompleted {
		t.Fatalf("terminal result = %+v, want applied completed", res)
	}

	got := fx.session(t, sess.ID)
	if got.Status != store.SessionCompleted {
		t.Errorf("session status = %s, want completed", got.Status)
	}
	if got.DurationSec != 42 {
		t.Errorf("duration = %d, want the provider-reported 42", got.DurationSec)
	}
	if got.RecordingURL != "https://recordings.test/r1.mp3" {
		t.Errorf("recording url = %q", got.RecordingURL)
	}
	if got.OutboundStatus != store.OutboundConnected {
		t.Errorf("outbound status = %s, want connected kept", got.OutboundStatus)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not stamped")
	}

	if counts := fx.leaseCounts(t); counts.Total() != 0 {
		t.Errorf("lease counts = %+v, want all released", counts)
	}
	if outcomes := fx.outcomes.applied(); len(outcomes) != 1 || outcomes[0].ID != sess.ID {
		t.Errorf("outcomes applied = %d, want exactly one for the session", len(outcomes))
	}
	if jobs, _ := fx.client.LRange(ctx, "summarize:jobs", 0, -1).Result(); len(jobs) != 1 || jobs[0] != sess.ID {
		t.Errorf("summarize queue = %v, want [%s]", jobs, sess.ID)
	}

	// Late duplicate: no second settlement, no second summarize job.
	res = fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusCompleted})
	if res.Applied {
		t.Error("redelivered terminal reported applied")
	}
	if outcomes := fx.outcomes.applied(); len(outcomes) != 1 {
		t.Errorf("outcomes applied = %d after redelivery, want 1", len(outcomes))
	}
	if jobs, _ := fx.client.LRange(ctx, "summarize:jobs", 0, -1).Result(); len(jobs) != 1 {
		t.Errorf("summarize queue has %d jobs after redelivery, want 1", len(jobs))
	}
}

func TestWebhook_NoAnswerReleasesPreDialLease(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)

	res := fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusNoAnswer})
	if !res.Applied || res.Status != store.SessionNoAnswer {
		t.Fatalf("result = %+v, want applied no-answer", res)
	}

	got := fx.session(t, sess.ID)
	if got.Status != store.SessionNoAnswer || got.OutboundStatus != store.OutboundNoAnswer {
		t.Errorf("session = %s/%s, want no-answer/no_answer", got.Status, got.OutboundStatus)
	}
	if got.StartedAt != nil {
		t.Error("started_at stamped on a call that never connected")
	}
	if got.DurationSec != 0 {
		t.Errorf("duration = %d, want 0 for an unanswered call", got.DurationSec)
	}

	if counts := fx.leaseCounts(t); counts.Total() != 0 {
		t.Errorf("lease counts = %+v, want the pre-dial lease gone", counts)
	}
	if outcomes := fx.outcomes.applied(); len(outcomes) != 1 {
		t.Errorf("outcomes applied = %d, want 1", len(outcomes))
	}
}

func TestWebhook_ResolutionLadder(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)

	// No call sid: the echoed custom field still resolves the session.
	res := fx.webhook(t, &telephony.StatusEvent{CustomField: sess.ID, Status: telephony.StatusInProgress})
	if res.SessionID != sess.ID || !res.Applied {
		t.Fatalf("custom-field resolution = %+v", res)
	}

	// Neither sid nor custom field: the dialed number pair resolves it.
	res = fx.webhook(t, &telephony.StatusEvent{
		From:   fx.contact.Phone,
		To:     trunkNumber,
		Status: telephony.StatusCompleted,
	})
	if res.SessionID != sess.ID || !res.Applied {
		t.Fatalf("number-pair resolution = %+v", res)
	}

	// Nothing matches: the caller gets ErrNotFound to log; HTTP still 200s.
	_, err := fx.orch.OnStatusWebhook(context.Background(), &telephony.StatusEvent{
		CallSID: "exo-unknown",
		Status:  telephony.StatusCompleted,
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("unresolvable webhook error = %v, want ErrNotFound", err)
	}
}

func TestWebhook_AnswerAfterTerminalIsIgnored(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)
	fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusNoAnswer})

	// Out-of-order answer arriving after the terminal: the guard drops it
	// and no lease reappears.
	res := fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})
	if res.Applied {
		t.Error("answer applied after the session was terminal")
	}
	if got := fx.session(t, sess.ID); got.Status != store.SessionNoAnswer {
		t.Errorf("session status = %s, want no-answer kept", got.Status)
	}
	if counts := fx.leaseCounts(t); counts.Total() != 0 {
		t.Errorf("lease counts = %+v, want none", counts)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// Hangup and MarkEnded
// ─────────────────────────────────────────────────────────────────────────────

func TestHangup_ClosesStreamAndEndsCall(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)
	fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})

	if err := fx.orch.Hangup(context.Background(), fx.campaign.ID, sess.ID); err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	got := fx.session(t, sess.ID)
	if got.Status != store.SessionUserEnded {
		t.Errorf("session status = %s, want user-ended", got.Status)
	}
	if streams := fx.closer.sessions(); len(streams) != 1 || streams[0] != sess.ID {
		t.Errorf("closed streams = %v, want [%s]", streams, sess.ID)
	}
	if counts := fx.leaseCounts(t); counts.Total() != 0 {
		t.Errorf("lease counts = %+v, want released", counts)
	}
	if outcomes := fx.outcomes.applied(); len(outcomes) != 1 {
		t.Errorf("outcomes applied = %d, want 1", len(outcomes))
	}

	err := fx.orch.Hangup(context.Background(), fx.campaign.ID, sess.ID)
	if !errors.Is(err, dialer.ErrNotInFlight) {
		t.Errorf("second hangup error = %v, want ErrNotInFlight", err)
	}
}

func TestHangup_WrongCampaignReadsAsNotFound(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)
	fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})

	err := fx.orch.Hangup(context.Background(), "other-campaign", sess.ID)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("cross-campaign hangup error = %v, want ErrNotFound", err)
	}
	if got := fx.session(t, sess.ID); got.Status != store.SessionInProgress {
		t.Errorf("session status = %s, want in-progress untouched", got.Status)
	}
}

func TestMarkEnded_IsIdempotent(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)
	fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})

	applied, err := fx.orch.MarkEnded(context.Background(), sess.ID, store.SessionAgentEnded, "goodbye phrase")
	if err != nil || !applied {
		t.Fatalf("MarkEnded = %v/%v, want applied", applied, err)
	}
	if got := fx.session(t, sess.ID); got.Status != store.SessionAgentEnded || got.FailureReason != "goodbye phrase" {
		t.Errorf("session = %s %q", got.Status, got.FailureReason)
	}

	applied, err = fx.orch.MarkEnded(context.Background(), sess.ID, store.SessionFailed, "late")
	if err != nil {
		t.Fatalf("second MarkEnded: %v", err)
	}
	if applied {
		t.Error("second MarkEnded applied over a terminal session")
	}
	if outcomes := fx.outcomes.applied(); len(outcomes) != 1 {
		t.Errorf("outcomes applied = %d, want 1", len(outcomes))
	}
}

func TestMarkEnded_VoicemailSetsOutboundStatus(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	sess := fx.dial(t, fx.contact)
	fx.webhook(t, &telephony.StatusEvent{CallSID: sess.ExternalCallID, Status: telephony.StatusInProgress})

	if _, err := fx.orch.MarkEnded(context.Background(), sess.ID, store.SessionCompleted, "voicemail"); err != nil {
		t.Fatalf("MarkEnded: %v", err)
	}

	got := fx.session(t, sess.ID)
	if got.OutboundStatus != store.OutboundVoicemail {
		t.Errorf("outbound status = %s, want voicemail", got.OutboundStatus)
	}
	if got.FailureReason != "voicemail" {
		t.Errorf("failure reason = %q, want voicemail", got.FailureReason)
	}
	if counts := fx.leaseCounts(t); counts.Total() != 0 {
		t.Errorf("lease counts = %+v, want released", counts)
	}
}
