package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/goleak"

	"github.com/dialvox/dialvox/internal/observe"
	"github.com/dialvox/dialvox/internal/slot"
	"github.com/dialvox/dialvox/internal/store"
	storemock "github.com/dialvox/dialvox/internal/store/mock"
	"github.com/dialvox/dialvox/internal/waitlist"
)

// ─────────────────────────────────────────────────────────────────────────────
// harness
// ─────────────────────────────────────────────────────────────────────────────

type fixture struct {
	db     *storemock.Store
	slots  *slot.Manager
	wl     *waitlist.Waitlist
	ender  *endRecorder
	closer *closeRecorder
	reader *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	db := storemock.NewStore()
	return &fixture{
		db:     db,
		slots:  slot.NewManager(client),
		wl:     waitlist.NewWaitlist(client),
		ender:  &endRecorder{db: db},
		closer: &closeRecorder{},
	}
}

// runner builds a Runner over the fixture with a private metric pipeline so
// tests can assert on repair and violation counts.
func (f *fixture) runner(t *testing.T, opts ...Option) *Runner {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f.reader = reader

	return NewRunner(Deps{
		Campaigns: f.db,
		Contacts:  f.db,
		Sessions:  f.db,
		Slots:     f.slots,
		Waitlist:  f.wl,
		Calls:     f.ender,
		Streams:   f.closer,
		Metrics:   met,
	}, opts...)
}

// counterValue reads one int64 counter data point by attribute from the
// fixture's reader. Zero when the metric or the attribute pair was never
// recorded.
func (f *fixture) counterValue(t *testing.T, name, key, val string) int64 {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				return 0
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == key && kv.Value.AsString() == val {
						return dp.Value
					}
				}
			}
		}
	}
	return 0
}

func (f *fixture) repairs(t *testing.T, loop string) int64 {
	return f.counterValue(t, "dialvox.reconciler.repairs", "loop", loop)
}

func (f *fixture) violations(t *testing.T, check string) int64 {
	return f.counterValue(t, "dialvox.invariant.violations", "check", check)
}

func seedCampaign(t *testing.T, db *storemock.Store, id string, status store.CampaignStatus, mutate ...func(*store.Campaign)) *store.Campaign {
	t.Helper()

	c := &store.Campaign{
		ID:      id,
		UserID:  "user-1",
		AgentID: "agent-1",
		PhoneID: "phone-1",
		Name:    "Q3 renewals",
		Status:  status,
	}
	for _, m := range mutate {
		m(c)
	}
	if err := db.CreateCampaign(context.Background(), c); err != nil {
		t.Fatalf("create campaign: %v", err)
	}
	return c
}

var phoneSeq int

// seedQueuedContact inserts a contact and flips it straight to queued, the
// state the dispatcher leaves it in after a successful enqueue.
func seedQueuedContact(t *testing.T, db *storemock.Store, campaignID, id string, priority int) {
	t.Helper()

	phoneSeq++
	c := &store.Contact{
		ID:         id,
		CampaignID: campaignID,
		Phone:      fmt.Sprintf("+1555000%04d", phoneSeq),
		Priority:   priority,
	}
	if err := db.AddContact(context.Background(), c); err != nil {
		t.Fatalf("add contact: %v", err)
	}
	if _, err := db.MarkContactsQueued(context.Background(), []string{id}); err != nil {
		t.Fatalf("mark queued: %v", err)
	}
}

type endedCall struct {
	sessionID string
	status    store.SessionStatus
	reason    string
}

// endRecorder stands in for the dialer orchestrator: it records each call
// and applies the terminal transition to the mock store so repeat sweeps see
// the session as settled.
type endRecorder struct {
	db *storemock.Store

	mu    sync.Mutex
	calls []endedCall
}

func (e *endRecorder) MarkEnded(ctx context.Context, sessionID string, status store.SessionStatus, reason string) (bool, error) {
	e.mu.Lock()
	e.calls = append(e.calls, endedCall{sessionID, status, reason})
	e.mu.Unlock()
	return e.db.FinishSession(ctx, sessionID, store.SessionFinish{Status: status, FailureReason: reason})
}

func (e *endRecorder) ended() []endedCall {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]endedCall(nil), e.calls...)
}

type closeRecorder struct {
	mu     sync.Mutex
	closed []string
}

func (c *closeRecorder) CloseSession(_ context.Context, sessionID, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = append(c.closed, sessionID)
	return nil
}

func (c *closeRecorder) sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.closed...)
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

// ─────────────────────────────────────────────────────────────────────────────
// lease janitor
// ─────────────────────────────────────────────────────────────────────────────

func TestLeaseJanitor_ReleasesOldLeases(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	acq, err := f.slots.AcquirePreDial(ctx, "camp-1", "contact-1", 5)
	if err != nil || !acq.OK {
		t.Fatalf("acquire: ok=%v err=%v", acq.OK, err)
	}
	if _, err := f.slots.Upgrade(ctx, "camp-1", "contact-1", acq.Token); err != nil {
		t.Fatalf("upgrade: %v", err)
	}

	r := f.runner(t, WithMaxCallAge(20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	if err := r.sweepLeases(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	counts, err := f.slots.Counts(ctx, "camp-1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.Total() != 0 {
		t.Errorf("lease counts after sweep = %+v, want none", counts)
	}
	if got := f.repairs(t, "lease_janitor"); got != 1 {
		t.Errorf("repairs = %d, want 1", got)
	}
}

func TestLeaseJanitor_KeepsFreshLeases(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	if acq, err := f.slots.AcquirePreDial(ctx, "camp-1", "contact-1", 5); err != nil || !acq.OK {
		t.Fatalf("acquire: ok=%v err=%v", acq.OK, err)
	}

	r := f.runner(t)
	if err := r.sweepLeases(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	counts, _ := f.slots.Counts(ctx, "camp-1")
	if counts.Total() != 1 {
		t.Errorf("lease counts after sweep = %+v, want 1 pre-dial", counts)
	}
	if got := f.repairs(t, "lease_janitor"); got != 0 {
		t.Errorf("repairs = %d, want 0", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// waitlist reconciler
// ─────────────────────────────────────────────────────────────────────────────

func TestWaitlistSweep_RepushesMissingEntries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	// contact-1 is queued in the database but lost its waitlist entry;
	// contact-2 is healthy.
	seedQueuedContact(t, f.db, "camp-1", "contact-1", 0)
	seedQueuedContact(t, f.db, "camp-1", "contact-2", 0)
	if err := f.wl.Push(ctx, "camp-1", "contact-2", waitlist.PriorityNormal); err != nil {
		t.Fatalf("push: %v", err)
	}

	r := f.runner(t)
	if err := r.sweepWaitlists(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	alive, err := f.wl.HasMarker(ctx, "camp-1", "contact-1")
	if err != nil || !alive {
		t.Errorf("contact-1 marker after sweep: alive=%v err=%v, want alive", alive, err)
	}

	// The healthy entry was not duplicated.
	high, normal, err := f.wl.Len(ctx, "camp-1")
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if high != 0 || normal != 2 {
		t.Errorf("queue depth = high %d normal %d, want 0/2", high, normal)
	}

	seen := map[string]bool{}
	for range 2 {
		job, _, ok, err := f.wl.Pop(ctx, "camp-1", waitlist.ModeFIFO, 0)
		if err != nil || !ok {
			t.Fatalf("pop: ok=%v err=%v", ok, err)
		}
		seen[job] = true
	}
	if !seen["contact-1"] || !seen["contact-2"] {
		t.Errorf("popped jobs = %v, want both contacts", seen)
	}
	if got := f.repairs(t, "waitlist"); got != 1 {
		t.Errorf("repairs = %d, want 1", got)
	}
}

func TestWaitlistSweep_UsesHighTierForCustomPriority(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive, func(c *store.Campaign) {
		c.Settings.PriorityMode = store.PriorityCustom
	})
	seedQueuedContact(t, f.db, "camp-1", "contact-1", 3)

	r := f.runner(t)
	if err := r.sweepWaitlists(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	high, normal, err := f.wl.Len(ctx, "camp-1")
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if high != 1 || normal != 0 {
		t.Errorf("queue depth = high %d normal %d, want 1/0", high, normal)
	}
}

func TestWaitlistSweep_SkipsPausedCampaigns(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignPaused)
	seedQueuedContact(t, f.db, "camp-1", "contact-1", 0)

	r := f.runner(t)
	if err := r.sweepWaitlists(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	alive, err := f.wl.HasMarker(ctx, "camp-1", "contact-1")
	if err != nil {
		t.Fatalf("marker: %v", err)
	}
	if alive {
		t.Error("paused campaign was repaired; resume handles it instead")
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// ledger reconciler
// ─────────────────────────────────────────────────────────────────────────────

func TestLedgerSweep_RequeuesExpiredReservations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	if err := f.wl.Push(ctx, "camp-1", "contact-1", waitlist.PriorityNormal); err != nil {
		t.Fatalf("push: %v", err)
	}
	job, _, ok, err := f.wl.Pop(ctx, "camp-1", waitlist.ModeFIFO, 0)
	if err != nil || !ok || job != "contact-1" {
		t.Fatalf("pop: job=%q ok=%v err=%v", job, ok, err)
	}

	r := f.runner(t, WithPreDialTTL(20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	if err := r.sweepLedgers(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	_, normal, err := f.wl.Len(ctx, "camp-1")
	if err != nil {
		t.Fatalf("len: %v", err)
	}
	if normal != 1 {
		t.Errorf("normal depth after sweep = %d, want 1", normal)
	}
	if got := f.repairs(t, "ledger"); got != 1 {
		t.Errorf("repairs = %d, want 1", got)
	}
}

func TestLedgerSweep_LeavesFreshReservations(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	if err := f.wl.Push(ctx, "camp-1", "contact-1", waitlist.PriorityNormal); err != nil {
		t.Fatalf("push: %v", err)
	}
	if _, _, ok, err := f.wl.Pop(ctx, "camp-1", waitlist.ModeFIFO, 0); err != nil || !ok {
		t.Fatalf("pop: ok=%v err=%v", ok, err)
	}

	r := f.runner(t)
	if err := r.sweepLedgers(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	high, normal, _ := f.wl.Len(ctx, "camp-1")
	if high+normal != 0 {
		t.Errorf("queue depth = %d, want 0 while reservation is fresh", high+normal)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// invariant monitor
// ─────────────────────────────────────────────────────────────────────────────

func TestInvariants_LeaseOverflow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive, func(c *store.Campaign) {
		c.Settings.ConcurrentLimit = 1
	})

	// Two leases against a limit of one; the acquire limit is deliberately
	// wrong, which is exactly what the monitor is for.
	for i := range 2 {
		id := fmt.Sprintf("contact-%d", i)
		if acq, err := f.slots.AcquirePreDial(ctx, "camp-1", id, 5); err != nil || !acq.OK {
			t.Fatalf("acquire %s: ok=%v err=%v", id, acq.OK, err)
		}
	}

	r := f.runner(t)
	if err := r.checkInvariants(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}

	if got := f.violations(t, "leases_over_limit"); got != 1 {
		t.Errorf("violations = %d, want 1", got)
	}
}

func TestInvariants_CounterOverflow(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive, func(c *store.Campaign) {
		c.Counters = store.CampaignCounters{TotalContacts: 1, CompletedCalls: 2}
	})

	r := f.runner(t)
	if err := r.checkInvariants(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}

	if got := f.violations(t, "counter_overflow"); got != 1 {
		t.Errorf("violations = %d, want 1", got)
	}
}

func TestInvariants_NegativeCounter(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive, func(c *store.Campaign) {
		c.Counters = store.CampaignCounters{TotalContacts: 5, ActiveCalls: -1}
	})

	r := f.runner(t)
	if err := r.checkInvariants(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}

	if got := f.violations(t, "counter_negative"); got != 1 {
		t.Errorf("violations = %d, want 1", got)
	}
}

func TestInvariants_TerminalActivity(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	r := f.runner(t)
	if err := r.checkInvariants(ctx); err != nil {
		t.Fatalf("first pass: %v", err)
	}

	// The campaign cancels but a lease survives the purge.
	if acq, err := f.slots.AcquirePreDial(ctx, "camp-1", "contact-1", 5); err != nil || !acq.OK {
		t.Fatalf("acquire: ok=%v err=%v", acq.OK, err)
	}
	if ok, err := f.db.TransitionCampaign(ctx, "camp-1", store.CampaignCancelled, store.CampaignActive); err != nil || !ok {
		t.Fatalf("transition: ok=%v err=%v", ok, err)
	}

	if err := r.checkInvariants(ctx); err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if got := f.violations(t, "terminal_activity"); got != 1 {
		t.Errorf("violations = %d, want 1", got)
	}

	// The drain check fires once per transition, not on every pass.
	if err := r.checkInvariants(ctx); err != nil {
		t.Fatalf("third pass: %v", err)
	}
	if got := f.violations(t, "terminal_activity"); got != 1 {
		t.Errorf("violations after third pass = %d, want still 1", got)
	}
}

func TestInvariants_CleanCampaign(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive, func(c *store.Campaign) {
		c.Counters = store.CampaignCounters{TotalContacts: 10, QueuedCalls: 4, CompletedCalls: 2}
	})
	if acq, err := f.slots.AcquirePreDial(ctx, "camp-1", "contact-1", 5); err != nil || !acq.OK {
		t.Fatalf("acquire: ok=%v err=%v", acq.OK, err)
	}

	r := f.runner(t)
	if err := r.checkInvariants(ctx); err != nil {
		t.Fatalf("check: %v", err)
	}

	for _, check := range []string{"leases_over_limit", "counter_overflow", "counter_negative", "terminal_activity"} {
		if got := f.violations(t, check); got != 0 {
			t.Errorf("%s violations = %d, want 0", check, got)
		}
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// stuck-call monitor
// ─────────────────────────────────────────────────────────────────────────────

func TestStuckCalls_FailsStaleSessions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	stale := &store.CallSession{
		ID: "sess-stale", UserID: "user-1", CampaignID: "camp-1",
		ContactID: "contact-1", AgentID: "agent-1",
	}
	if err := f.db.CreateSession(ctx, stale); err != nil {
		t.Fatalf("create session: %v", err)
	}

	r := f.runner(t, WithStuckThreshold(20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	fresh := &store.CallSession{
		ID: "sess-fresh", UserID: "user-1", CampaignID: "camp-1",
		ContactID: "contact-2", AgentID: "agent-1",
	}
	if err := f.db.CreateSession(ctx, fresh); err != nil {
		t.Fatalf("create session: %v", err)
	}

	if err := r.sweepStuckCalls(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	ended := f.ender.ended()
	if len(ended) != 1 {
		t.Fatalf("ended calls = %d, want 1 (%v)", len(ended), ended)
	}
	if ended[0].sessionID != "sess-stale" || ended[0].status != store.SessionFailed {
		t.Errorf("ended = %+v, want sess-stale failed", ended[0])
	}
	if ended[0].reason != "no terminal status received" {
		t.Errorf("reason = %q", ended[0].reason)
	}

	// The live stream was asked to close first.
	if closed := f.closer.sessions(); len(closed) != 1 || closed[0] != "sess-stale" {
		t.Errorf("closed streams = %v, want [sess-stale]", closed)
	}
	if got := f.repairs(t, "stuck_calls"); got != 1 {
		t.Errorf("repairs = %d, want 1", got)
	}
}

func TestStuckCalls_SecondSweepIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)

	sess := &store.CallSession{
		ID: "sess-1", UserID: "user-1", CampaignID: "camp-1",
		ContactID: "contact-1", AgentID: "agent-1",
	}
	if err := f.db.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}

	r := f.runner(t, WithStuckThreshold(20*time.Millisecond))
	time.Sleep(50 * time.Millisecond)

	for range 2 {
		if err := r.sweepStuckCalls(ctx); err != nil {
			t.Fatalf("sweep: %v", err)
		}
	}

	if ended := f.ender.ended(); len(ended) != 1 {
		t.Errorf("ended calls = %d, want 1 after repeated sweeps", len(ended))
	}
	if got := f.repairs(t, "stuck_calls"); got != 1 {
		t.Errorf("repairs = %d, want 1", got)
	}
}

// ─────────────────────────────────────────────────────────────────────────────
// run loop
// ─────────────────────────────────────────────────────────────────────────────

func TestRun_RepairsUntilCanceled(t *testing.T) {
	ignore := goleak.IgnoreCurrent()
	t.Cleanup(func() { goleak.VerifyNone(t, ignore) })

	f := newFixture(t)
	seedCampaign(t, f.db, "camp-1", store.CampaignActive)
	seedQueuedContact(t, f.db, "camp-1", "contact-1", 0)

	r := f.runner(t,
		WithSweepInterval(10*time.Millisecond),
		WithWaitlistInterval(10*time.Millisecond),
		WithLedgerInterval(10*time.Millisecond),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	waitFor(t, func() bool {
		alive, err := f.wl.HasMarker(context.Background(), "camp-1", "contact-1")
		return err == nil && alive
	}, "lost waitlist entry repaired")

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
