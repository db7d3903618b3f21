package campaign_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/dialvox/dialvox/internal/campaign"
	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
	"github.com/dialvox/dialvox/internal/store/mock"
	"github.com/dialvox/dialvox/internal/waitlist"
)

// fakeDialer stands in for the call orchestrator. By contract, a failing
// orchestrator has already failed the session and freed the slot, so the
// fake only has to return the error.
type fakeDialer struct {
	mu    sync.Mutex
	calls []string // contact ids in dial order
	fail  error
}

func (d *fakeDialer) Dial(_ context.Context, c *store.Campaign, contact *store.Contact, preToken string) (*store.CallSession, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return nil, d.fail
	}
	d.calls = append(d.calls, contact.ID)
	return &store.CallSession{
		ID:         "sess-" + contact.ID,
		CampaignID: c.ID,
		ContactID:  contact.ID,
		Status:     store.SessionInitiated,
		Metadata:   map[string]any{"pre_token": preToken},
	}, nil
}

func (d *fakeDialer) dialed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.calls...)
}

func (d *fakeDialer) failWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = err
}

// fakeCloser records the live sessions purge asked to shut down.
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
	mr       *miniredis.Miniredis
	client   *redis.Client
	slots    *slot.Manager
	wl       *waitlist.Waitlist
	promoter *waitlist.Promoter
	svc      *campaign.Service
	dialer   *fakeDialer
	closer   *fakeCloser
}

func newFixture(t *testing.T, opts ...waitlist.PromoterOption) *fixture {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := mock.NewStore()
	slots := slot.NewManager(client)
	wl := waitlist.NewWaitlist(client)
	dialer := &fakeDialer{}
	closer := &fakeCloser{}

	// The dispatcher and the promoter reference each other; the dispatch
	// closure defers the dereference until the first hand-off.
	var svc *campaign.Service
	p := waitlist.NewPromoter(client, wl, slots, func(campaignID, jobID, preToken string, origin waitlist.Priority) {
		svc.Dispatch(campaignID, jobID, preToken, origin)
	}, opts...)
	t.Cleanup(p.Close)

	svc = campaign.NewService(campaign.Deps{
		Campaigns:  db,
		Contacts:   db,
		Sessions:   db,
		Agents:     db,
		Phones:     db,
		Slots:      slots,
		Waitlist:   wl,
		Promoter:   p,
		Redis:      client,
		Dialer:     func() campaign.Dialer { return dialer },
		Registry:   closer,
		DialRate:   rate.Inf,
		PurgeGrace: 10 * time.Millisecond,
	})
	t.Cleanup(svc.Drain)

	db.SeedAgent(&store.Agent{ID: "agent-1", UserID: "u1", Name: "closer"})
	db.SeedPhone(&store.Phone{ID: "phone-1", UserID: "u1", Number: "+15550100000", Active: true})

	return &fixture{
		db: db, mr: mr, client: client,
		slots: slots, wl: wl, promoter: p,
		svc: svc, dialer: dialer, closer: closer,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func (fx *fixture) create(t *testing.T, settings store.CampaignSettings) *store.Campaign {
	t.Helper()
	c, err := fx.svc.Create(context.Background(), "u1", campaign.CreateInput{
		Name:     "q3 outreach",
		AgentID:  "agent-1",
		PhoneID:  "phone-1",
		Settings: settings,
	})
	if err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

func (fx *fixture) addContacts(t *testing.T, id string, n int) {
	t.Helper()
	rows := make([]campaign.ContactRow, n)
	for i := range rows {
		rows[i] = campaign.ContactRow{Phone: fmt.Sprintf("+1555000%04d", i+1)}
	}
	res, err := fx.svc.AddContacts(context.Background(), "u1", id, rows)
	if err != nil {
		t.Fatalf("add contacts: %v", err)
	}
	if res.Added != n {
		t.Fatalf("added = %d, want %d", res.Added, n)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// CRUD
// ─────────────────────────────────────────────────────────────────────────────

func TestCreate_Validation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	var verr *campaign.ValidationError

	_, err := fx.svc.Create(ctx, "u1", campaign.CreateInput{AgentID: "agent-1"})
	if !errors.As(err, &verr) {
		t.Errorf("missing name: err = %v, want ValidationError", err)
	}

	_, err = fx.svc.Create(ctx, "u1", campaign.CreateInput{Name: "x", AgentID: "nope"})
	if !errors.As(err, &verr) {
		t.Errorf("unknown agent: err = %v, want ValidationError", err)
	}

	_, err = fx.svc.Create(ctx, "u2", campaign.CreateInput{Name: "x", AgentID: "agent-1"})
	if !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("foreign agent: err = %v, want ErrNotOwner", err)
	}

	fx.db.SeedPhone(&store.Phone{ID: "phone-dead", UserID: "u1", Number: "+15550109999", Active: false})
	_, err = fx.svc.Create(ctx, "u1", campaign.CreateInput{Name: "x", AgentID: "agent-1", PhoneID: "phone-dead"})
	if !errors.As(err, &verr) {
		t.Errorf("inactive phone: err = %v, want ValidationError", err)
	}

	past := time.Now().Add(-time.Hour)
	_, err = fx.svc.Create(ctx, "u1", campaign.CreateInput{Name: "x", AgentID: "agent-1", ScheduledAt: &past})
	if !errors.As(err, &verr) {
		t.Errorf("past schedule: err = %v, want ValidationError", err)
	}

	future := time.Now().Add(time.Hour)
	c, err := fx.svc.Create(ctx, "u1", campaign.CreateInput{Name: "later", AgentID: "agent-1", ScheduledAt: &future})
	if err != nil {
		t.Fatalf("scheduled create: %v", err)
	}
	if c.Status != store.CampaignScheduled {
		t.Errorf("status = %s, want scheduled", c.Status)
	}
}

func TestCreate_AppliesSettingDefaults(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	c := fx.create(t, store.CampaignSettings{})
	if c.Settings.ConcurrentLimit != 10 || c.Settings.MaxRetries != 3 {
		t.Errorf("defaults not applied: %+v", c.Settings)
	}
	if c.Status != store.CampaignDraft {
		t.Errorf("status = %s, want draft", c.Status)
	}
}

func TestGet_OwnershipEnforced(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{})

	if _, err := fx.svc.Get(ctx, "u1", c.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := fx.svc.Get(ctx, "intruder", c.ID); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("foreign get: err = %v, want ErrNotOwner", err)
	}
	if _, err := fx.svc.Get(ctx, "u1", "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing get: err = %v, want ErrNotFound", err)
	}
}

func TestDelete_RefusesRunningCampaign(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 1})
	fx.addContacts(t, c.ID, 1)
	if err := fx.svc.Start(ctx, "u1", c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}

	var verr *campaign.ValidationError
	if err := fx.svc.Delete(ctx, "u1", c.ID); !errors.As(err, &verr) {
		t.Errorf("delete active: err = %v, want ValidationError", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// lifecycle
// ─────────────────────────────────────────────────────────────────────────────

func TestStart_DialsUpToLimit(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 2})
	fx.addContacts(t, c.ID, 5)

	if err := fx.svc.Start(ctx, "u1", c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 2 }, "two dials")
	fx.svc.Drain()

	counts, err := fx.db.ContactStatusCounts(ctx, c.ID)
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	if counts[store.ContactCalling] != 2 || counts[store.ContactQueued] != 3 {
		t.Errorf("contact statuses = %v, want 2 calling / 3 queued", counts)
	}

	high, normal, err := fx.wl.Len(ctx, c.ID)
	if err != nil {
		t.Fatalf("waitlist len: %v", err)
	}
	if high+normal != 3 {
		t.Errorf("waitlist depth = %d, want 3", high+normal)
	}

	leases, err := fx.slots.Counts(ctx, c.ID)
	if err != nil {
		t.Fatalf("lease counts: %v", err)
	}
	if leases.PreDial != 2 || leases.Active != 0 {
		t.Errorf("leases = %+v, want 2 pre-dial", leases)
	}

	got, err := fx.svc.Get(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.CampaignActive {
		t.Errorf("status = %s, want active", got.Status)
	}
	if got.Counters.TotalContacts != 5 || got.Counters.QueuedCalls != 5 {
		t.Errorf("counters = %+v, want total=5 queued=5", got.Counters)
	}
}

func TestStart_RequiresContacts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)

	c := fx.create(t, store.CampaignSettings{})

	var verr *campaign.ValidationError
	if err := fx.svc.Start(context.Background(), "u1", c.ID); !errors.As(err, &verr) {
		t.Errorf("start without contacts: err = %v, want ValidationError", err)
	}
}

func TestPause_BlocksPromotions(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 1})
	fx.addContacts(t, c.ID, 2)

	if err := fx.svc.Start(ctx, "u1", c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 1 }, "first dial")
	fx.svc.Drain()

	if err := fx.svc.Pause(ctx, "u1", c.ID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// The running call ends and frees its slot; the paused flag must keep
	// the next contact queued.
	first := fx.dialer.dialed()[0]
	if _, err := fx.slots.ForceRelease(ctx, c.ID, first, true); err != nil {
		t.Fatalf("force release: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n := len(fx.dialer.dialed()); n != 1 {
		t.Fatalf("dials while paused = %d, want 1", n)
	}

	if err := fx.svc.Resume(ctx, "u1", c.ID); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 2 }, "dial after resume")
}

func TestCancel_SkipsQueuedContacts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 1})
	fx.addContacts(t, c.ID, 3)

	if err := fx.svc.Start(ctx, "u1", c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 1 }, "first dial")
	fx.svc.Drain()

	if err := fx.svc.Cancel(ctx, "u1", c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	got, err := fx.svc.Get(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.CampaignCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	counts, err := fx.db.ContactStatusCounts(ctx, c.ID)
	if err != nil {
		t.Fatalf("status counts: %v", err)
	}
	// The in-flight contact settles through its webhook; the rest are
	// skipped.
	if counts[store.ContactSkipped] != 2 || counts[store.ContactCalling] != 1 {
		t.Errorf("contact statuses = %v, want 2 skipped / 1 calling", counts)
	}

	high, normal, err := fx.wl.Len(ctx, c.ID)
	if err != nil {
		t.Fatalf("waitlist len: %v", err)
	}
	if high+normal != 0 {
		t.Errorf("waitlist depth = %d, want 0 after cancel", high+normal)
	}

	var verr *campaign.ValidationError
	if err := fx.svc.Cancel(ctx, "u1", c.ID); !errors.As(err, &verr) {
		t.Errorf("second cancel: err = %v, want ValidationError", err)
	}
}

func TestSetConcurrentLimit_NearSaturation(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 10})

	// Nine live calls.
	for i := 0; i < 9; i++ {
		callID := fmt.Sprintf("call-%d", i)
		acq, err := fx.slots.AcquirePreDial(ctx, c.ID, callID, 10)
		if err != nil || !acq.OK {
			t.Fatalf("acquire %d: ok=%v err=%v", i, acq.OK, err)
		}
		if _, err := fx.slots.Upgrade(ctx, c.ID, callID, acq.Token); err != nil {
			t.Fatalf("upgrade %d: %v", i, err)
		}
	}

	err := fx.svc.SetConcurrentLimit(ctx, "u1", c.ID, 8)
	if !errors.Is(err, campaign.ErrNearSaturation) {
		t.Fatalf("lower under load: err = %v, want ErrNearSaturation", err)
	}

	if err := fx.svc.SetConcurrentLimit(ctx, "u1", c.ID, 12); err != nil {
		t.Fatalf("raise: %v", err)
	}
	limit, err := fx.slots.GetLimit(ctx, c.ID)
	if err != nil || limit != 12 {
		t.Errorf("limit = %d err=%v, want 12", limit, err)
	}
	got, err := fx.svc.Get(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Settings.ConcurrentLimit != 12 {
		t.Errorf("persisted limit = %d, want 12", got.Settings.ConcurrentLimit)
	}

	var verr *campaign.ValidationError
	if err := fx.svc.SetConcurrentLimit(ctx, "u1", c.ID, 0); !errors.As(err, &verr) {
		t.Errorf("limit 0: err = %v, want ValidationError", err)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// contacts
// ─────────────────────────────────────────────────────────────────────────────

func TestAddContacts_CountersAndRejects(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{})

	res, err := fx.svc.AddContacts(ctx, "u1", c.ID, []campaign.ContactRow{
		{Phone: "+15550001111", Name: "ada"},
		{Phone: "+15550001111", Name: "ada again"},
		{Phone: "not-a-number"},
	})
	if err != nil {
		t.Fatalf("add contacts: %v", err)
	}
	if res.Added != 1 || res.Duplicates != 1 || len(res.Errors) != 1 {
		t.Fatalf("result = %+v, want 1 added / 1 duplicate / 1 rejected", res)
	}

	got, err := fx.svc.Get(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Counters.TotalContacts != 1 || got.Counters.QueuedCalls != 1 {
		t.Errorf("counters = %+v, want total=1 queued=1", got.Counters)
	}
}

func TestAddContacts_RejectedOnFrozenCampaign(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{})
	fx.addContacts(t, c.ID, 1)
	if err := fx.svc.Cancel(ctx, "u1", c.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	var verr *campaign.ValidationError
	_, err := fx.svc.AddContacts(ctx, "u1", c.ID, []campaign.ContactRow{{Phone: "+15550002222"}})
	if !errors.As(err, &verr) {
		t.Errorf("add to cancelled: err = %v, want ValidationError", err)
	}
}

func TestAddContacts_WhileActiveDialsImmediately(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 5})
	fx.addContacts(t, c.ID, 1)
	if err := fx.svc.Start(ctx, "u1", c.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 1 }, "first dial")

	fx.addContacts(t, c.ID, 1)
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 2 }, "upload dial")
}

// ─────────────────────────────────────────────────────────────────────────────
// job edge cases
// ─────────────────────────────────────────────────────────────────────────────

func TestDispatch_PausedCampaignRequeuesJob(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 1})
	if _, err := fx.db.TransitionCampaign(ctx, c.ID, store.CampaignPaused, store.CampaignDraft); err != nil {
		t.Fatalf("transition: %v", err)
	}

	acq, err := fx.slots.AcquirePreDial(ctx, c.ID, "job-1", 1)
	if err != nil || !acq.OK {
		t.Fatalf("acquire: ok=%v err=%v", acq.OK, err)
	}

	fx.svc.Dispatch(c.ID, "job-1", acq.Token, waitlist.PriorityNormal)
	fx.svc.Drain()

	high, normal, err := fx.wl.Len(ctx, c.ID)
	if err != nil {
		t.Fatalf("waitlist len: %v", err)
	}
	if high+normal != 1 {
		t.Errorf("waitlist depth = %d, want job handed back", high+normal)
	}
	counts, err := fx.slots.Counts(ctx, c.ID)
	if err != nil {
		t.Fatalf("lease counts: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("leases = %+v, want lease released", counts)
	}
	if n := len(fx.dialer.dialed()); n != 0 {
		t.Errorf("dials = %d, want 0", n)
	}
}

func TestDispatch_SettledContactReleasesSlot(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 1})
	contact := &store.Contact{
		ID:         "ct-1",
		CampaignID: c.ID,
		Phone:      "+15550003333",
		Status:     store.ContactCompleted,
	}
	if err := fx.db.AddContact(ctx, contact); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if _, err := fx.db.TransitionCampaign(ctx, c.ID, store.CampaignActive, store.CampaignDraft); err != nil {
		t.Fatalf("transition: %v", err)
	}

	acq, err := fx.slots.AcquirePreDial(ctx, c.ID, contact.ID, 1)
	if err != nil || !acq.OK {
		t.Fatalf("acquire: ok=%v err=%v", acq.OK, err)
	}

	fx.svc.Dispatch(c.ID, contact.ID, acq.Token, waitlist.PriorityNormal)
	fx.svc.Drain()

	counts, err := fx.slots.Counts(ctx, c.ID)
	if err != nil {
		t.Fatalf("lease counts: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("leases = %+v, want lease released", counts)
	}
	if n := len(fx.dialer.dialed()); n != 0 {
		t.Errorf("dials = %d, want 0 for a settled contact", n)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// scheduler
// ─────────────────────────────────────────────────────────────────────────────

func TestBootstrap_StartsDueScheduledCampaign(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	c := &store.Campaign{
		ID:          "camp-due",
		UserID:      "u1",
		AgentID:     "agent-1",
		Name:        "scheduled blast",
		Status:      store.CampaignScheduled,
		ScheduledAt: &past,
		Settings:    store.CampaignSettings{ConcurrentLimit: 2},
	}
	if err := fx.db.CreateCampaign(ctx, c); err != nil {
		t.Fatalf("seed campaign: %v", err)
	}
	if err := fx.db.AddContact(ctx, &store.Contact{
		ID: "ct-1", CampaignID: c.ID, Phone: "+15550004444",
	}); err != nil {
		t.Fatalf("seed contact: %v", err)
	}

	if err := fx.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 1 }, "scheduled dial")

	got, err := fx.db.GetCampaign(ctx, c.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != store.CampaignActive {
		t.Errorf("status = %s, want active", got.Status)
	}
}

func TestBootstrap_EnqueuesDueRetries(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{ConcurrentLimit: 2})
	past := time.Now().Add(-time.Second)
	if err := fx.db.AddContact(ctx, &store.Contact{
		ID: "ct-retry", CampaignID: c.ID, Phone: "+15550005555",
		RetryCount: 1, NextRetryAt: &past,
	}); err != nil {
		t.Fatalf("seed contact: %v", err)
	}
	if _, err := fx.db.TransitionCampaign(ctx, c.ID, store.CampaignActive, store.CampaignDraft); err != nil {
		t.Fatalf("transition: %v", err)
	}
	// The limit key would have been written when the campaign started;
	// recreate that state directly.
	if err := fx.slots.SetLimit(ctx, c.ID, 2); err != nil {
		t.Fatalf("set limit: %v", err)
	}

	if err := fx.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	waitFor(t, func() bool { return len(fx.dialer.dialed()) == 1 }, "retry dial")

	if got := fx.dialer.dialed(); got[0] != "ct-retry" {
		t.Errorf("dialed = %v, want ct-retry", got)
	}
}

func TestBootstrap_ReassertsPausedFlag(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{})
	if _, err := fx.db.TransitionCampaign(ctx, c.ID, store.CampaignPaused, store.CampaignDraft); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if err := fx.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	paused, err := fx.promoter.IsPaused(ctx, c.ID)
	if err != nil {
		t.Fatalf("is paused: %v", err)
	}
	if !paused {
		t.Error("paused flag must be re-asserted for paused campaigns")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// stats
// ─────────────────────────────────────────────────────────────────────────────

func TestProgress_PercentOfSettledContacts(t *testing.T) {
	t.Parallel()
	fx := newFixture(t)
	ctx := context.Background()

	c := fx.create(t, store.CampaignSettings{})
	for i, status := range []store.ContactStatus{
		store.ContactCompleted, store.ContactFailed, store.ContactPending, store.ContactQueued,
	} {
		if err := fx.db.AddContact(ctx, &store.Contact{
			ID:         fmt.Sprintf("ct-%d", i),
			CampaignID: c.ID,
			Phone:      fmt.Sprintf("+1555010%04d", i),
			Status:     status,
		}); err != nil {
			t.Fatalf("seed contact %d: %v", i, err)
		}
	}

	p, err := fx.svc.Progress(ctx, "u1", c.ID)
	if err != nil {
		t.Fatalf("progress: %v", err)
	}
	if p.Total != 4 || p.Settled != 2 {
		t.Fatalf("progress = %+v, want 2 of 4 settled", p)
	}
	if p.Percent != 50 {
		t.Errorf("percent = %v, want 50", p.Percent)
	}
}
