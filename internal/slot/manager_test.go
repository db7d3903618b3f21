package slot_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/slot"
)

func newTestManager(t *testing.T, opts ...slot.Option) (*miniredis.Miniredis, *slot.Manager) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, slot.NewManager(client, opts...)
}

func TestAcquirePreDial(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	acq, err := m.AcquirePreDial(ctx, "c1", "call-1", 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !acq.OK || acq.Token == "" {
		t.Fatalf("expected grant with token, got %+v", acq)
	}

	counts, err := m.Counts(ctx, "c1")
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts.PreDial != 1 || counts.Active != 0 {
		t.Errorf("counts = %+v, want 1 pre-dial", counts)
	}
}

func TestAcquirePreDial_Denied(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	for i := range 2 {
		acq, err := m.AcquirePreDial(ctx, "c1", callID(i), 2)
		if err != nil || !acq.OK {
			t.Fatalf("acquire %d: ok=%v err=%v", i, acq.OK, err)
		}
	}

	acq, err := m.AcquirePreDial(ctx, "c1", "call-overflow", 2)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acq.OK {
		t.Fatal("expected denial at limit")
	}
}

func TestAcquirePreDial_ZeroLimit(t *testing.T) {
	_, m := newTestManager(t)

	acq, err := m.AcquirePreDial(context.Background(), "c1", "call-1", 0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if acq.OK {
		t.Fatal("limit 0 must deny")
	}
}

func TestAcquirePreDial_IndependentCampaigns(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	if acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 1); !acq.OK {
		t.Fatal("c1 acquire denied")
	}
	// c1 is full; c2 must be unaffected.
	if acq, _ := m.AcquirePreDial(ctx, "c2", "call-1", 1); !acq.OK {
		t.Fatal("c2 acquire denied by c1's lease")
	}
}

func TestPreDialTTLExpiryFreesSlot(t *testing.T) {
	mr, m := newTestManager(t, slot.WithPreDialTTL(60*time.Second))
	ctx := context.Background()

	if acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 1); !acq.OK {
		t.Fatal("first acquire denied")
	}
	if acq, _ := m.AcquirePreDial(ctx, "c1", "call-2", 1); acq.OK {
		t.Fatal("second acquire should be denied while lease is live")
	}

	// The dial never happened: after the TTL the slot must come back.
	mr.FastForward(61 * time.Second)

	acq, err := m.AcquirePreDial(ctx, "c1", "call-2", 1)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !acq.OK {
		t.Fatal("expected slot to be reclaimed after pre-dial TTL")
	}
}

func TestUpgrade(t *testing.T) {
	mr, m := newTestManager(t)
	ctx := context.Background()

	acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 1)
	activeToken, err := m.Upgrade(ctx, "c1", "call-1", acq.Token)
	if err != nil {
		t.Fatalf("upgrade: %v", err)
	}
	if activeToken == "" || activeToken == acq.Token {
		t.Fatal("expected a fresh active token")
	}

	counts, _ := m.Counts(ctx, "c1")
	if counts.Active != 1 || counts.PreDial != 0 {
		t.Errorf("counts = %+v, want 1 active", counts)
	}

	// An active lease must not expire on its own.
	mr.FastForward(2 * time.Hour)
	counts, _ = m.Counts(ctx, "c1")
	if counts.Active != 1 {
		t.Errorf("active lease vanished after FastForward: %+v", counts)
	}
}

func TestUpgrade_StaleToken(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 1)

	if _, err := m.Upgrade(ctx, "c1", "call-1", "not-the-token"); !errors.Is(err, slot.ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken, got %v", err)
	}

	// The failed upgrade must not have touched the lease.
	counts, _ := m.Counts(ctx, "c1")
	if counts.PreDial != 1 {
		t.Errorf("counts = %+v, want untouched pre-dial lease", counts)
	}

	// The real token still works.
	if _, err := m.Upgrade(ctx, "c1", "call-1", acq.Token); err != nil {
		t.Fatalf("upgrade with valid token after stale attempt: %v", err)
	}
}

func TestUpgrade_AfterExpiry(t *testing.T) {
	mr, m := newTestManager(t, slot.WithPreDialTTL(60*time.Second))
	ctx := context.Background()

	acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 1)
	mr.FastForward(61 * time.Second)

	if _, err := m.Upgrade(ctx, "c1", "call-1", acq.Token); !errors.Is(err, slot.ErrStaleToken) {
		t.Fatalf("expected ErrStaleToken after TTL expiry, got %v", err)
	}
}

func TestRelease_Idempotent(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 1)
	activeToken, _ := m.Upgrade(ctx, "c1", "call-1", acq.Token)

	released, err := m.Release(ctx, "c1", "call-1", activeToken, false, false)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released {
		t.Fatal("expected release")
	}

	// Second release with the same token is a no-op, not an error.
	released, err = m.Release(ctx, "c1", "call-1", activeToken, false, false)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if released {
		t.Fatal("double release must be a no-op")
	}

	counts, _ := m.Counts(ctx, "c1")
	if counts.Total() != 0 {
		t.Errorf("counts = %+v, want empty", counts)
	}
}

func TestRelease_WrongToken(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	m.AcquirePreDial(ctx, "c1", "call-1", 1)

	released, err := m.Release(ctx, "c1", "call-1", "bogus", true, false)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released {
		t.Fatal("release with wrong token must not release")
	}
	counts, _ := m.Counts(ctx, "c1")
	if counts.PreDial != 1 {
		t.Errorf("lease should survive a mismatched release: %+v", counts)
	}
}

func TestRelease_PublishesSlotAvailable(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	sub := m.Subscribe(ctx, "c1")
	t.Cleanup(func() { sub.Close() })
	// Wait for the subscription to be established before releasing.
	if _, err := sub.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 1)
	if _, err := m.Release(ctx, "c1", "call-1", acq.Token, true, true); err != nil {
		t.Fatalf("release: %v", err)
	}

	select {
	case msg := <-sub.Channel():
		if msg.Payload != "call-1" {
			t.Errorf("payload = %q, want call-1", msg.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no slot-available event received")
	}
}

func TestForceRelease(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	// Active lease.
	acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 2)
	m.Upgrade(ctx, "c1", "call-1", acq.Token)
	// Pre-dial lease.
	m.AcquirePreDial(ctx, "c1", "call-2", 2)

	kind, err := m.ForceRelease(ctx, "c1", "call-1", false)
	if err != nil {
		t.Fatalf("force release: %v", err)
	}
	if kind != slot.ReleasedActive {
		t.Errorf("kind = %v, want active", kind)
	}

	kind, _ = m.ForceRelease(ctx, "c1", "call-2", false)
	if kind != slot.ReleasedPreDial {
		t.Errorf("kind = %v, want preDial", kind)
	}

	kind, _ = m.ForceRelease(ctx, "c1", "call-3", false)
	if kind != slot.ReleasedNone {
		t.Errorf("kind = %v, want none", kind)
	}

	counts, _ := m.Counts(ctx, "c1")
	if counts.Total() != 0 {
		t.Errorf("counts = %+v, want empty", counts)
	}
}

func TestLimitNeverExceeded_ConcurrentAcquires(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()
	const limit = 5

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		granted int
	)
	for i := range 20 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			acq, err := m.AcquirePreDial(ctx, "c1", callID(n), limit)
			if err != nil {
				t.Errorf("acquire %d: %v", n, err)
				return
			}
			if acq.OK {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if granted != limit {
		t.Errorf("granted = %d, want exactly %d", granted, limit)
	}
	counts, _ := m.Counts(ctx, "c1")
	if counts.Total() != limit {
		t.Errorf("counts = %+v, want %d live leases", counts, limit)
	}
}

func TestSetGetLimit(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	// Missing key reads as zero.
	n, err := m.GetLimit(ctx, "c1")
	if err != nil || n != 0 {
		t.Fatalf("get unset limit: n=%d err=%v", n, err)
	}

	if err := m.SetLimit(ctx, "c1", 25); err != nil {
		t.Fatalf("set limit: %v", err)
	}
	n, err = m.GetLimit(ctx, "c1")
	if err != nil {
		t.Fatalf("get limit: %v", err)
	}
	if n != 25 {
		t.Errorf("limit = %d, want 25", n)
	}
}

func TestLeases(t *testing.T) {
	_, m := newTestManager(t)
	ctx := context.Background()

	acq, _ := m.AcquirePreDial(ctx, "c1", "call-1", 2)
	m.Upgrade(ctx, "c1", "call-1", acq.Token)
	m.AcquirePreDial(ctx, "c1", "call-2", 2)

	leases, err := m.Leases(ctx, "c1")
	if err != nil {
		t.Fatalf("leases: %v", err)
	}
	if len(leases) != 2 {
		t.Fatalf("got %d leases, want 2", len(leases))
	}
	kinds := map[string]slot.Kind{}
	for _, l := range leases {
		kinds[l.CallID] = l.Kind
		if l.AcquiredAt.IsZero() {
			t.Errorf("lease %s: missing AcquiredAt", l.CallID)
		}
	}
	if kinds["call-1"] != slot.KindActive || kinds["call-2"] != slot.KindPreDial {
		t.Errorf("unexpected kinds: %v", kinds)
	}
}

func callID(n int) string {
	return "call-" + string(rune('a'+n%26)) + string(rune('0'+n/26))
}
