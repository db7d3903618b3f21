// Package slot implements the distributed per-campaign concurrency plane: a
// two-phase lease protocol on the coordination store.
//
// A call claims a slot in two steps. The promoter takes a pre-dial lease
// (short TTL) before anything is dialed; when the telephony provider reports
// the call connected, the orchestrator upgrades it to an active lease, which
// has no TTL and must be released explicitly. The TTL on the pre-dial phase
// is the safety net: a dial that never connects gives its slot back without
// anyone's help.
//
// Token discipline: every lease carries a fresh token, and release requires
// the matching token. A mismatch means the caller saw a stale world — the
// release is ignored, which is what makes webhook redelivery and
// double-release harmless.
package slot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/coord"
)

// DefaultPreDialTTL is how long a pre-dial lease survives without an upgrade.
const DefaultPreDialTTL = 60 * time.Second

// ErrStaleToken is returned by [Manager.Upgrade] when the pre-dial token no
// longer matches: the lease expired, was force-released, or was already
// upgraded. Callers must re-read state and retry; nothing was modified.
var ErrStaleToken = errors.New("slot: stale token")

// Kind discriminates the two lease phases.
type Kind string

const (
	KindPreDial Kind = "pre"
	KindActive  Kind = "active"
)

// Acquisition is the tagged result of [Manager.AcquirePreDial]. OK false
// means the campaign is at its limit; that is flow control, not an error.
type Acquisition struct {
	OK    bool
	Token string
}

// ReleasedKind reports what a force-release found.
type ReleasedKind int

const (
	ReleasedNone ReleasedKind = iota
	ReleasedPreDial
	ReleasedActive
)

// String returns the human-readable name of the released kind.
func (k ReleasedKind) String() string {
	switch k {
	case ReleasedPreDial:
		return "preDial"
	case ReleasedActive:
		return "active"
	default:
		return "none"
	}
}

// Counts holds the live lease tally for one campaign after pruning.
type Counts struct {
	Active  int
	PreDial int
}

// Total is the number a limit check compares against.
func (c Counts) Total() int { return c.Active + c.PreDial }

// LeaseInfo describes one live lease; the janitor scans these.
type LeaseInfo struct {
	CallID     string
	Kind       Kind
	Token      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// Manager executes the lease protocol against the coordination store.
// Safe for concurrent use.
type Manager struct {
	rdb        *redis.Client
	logger     *slog.Logger
	preDialTTL time.Duration
}

// Option configures a [Manager].
type Option func(*Manager)

// WithPreDialTTL overrides [DefaultPreDialTTL].
func WithPreDialTTL(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.preDialTTL = d
		}
	}
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a slot manager on the given Redis client.
func NewManager(rdb *redis.Client, opts ...Option) *Manager {
	m := &Manager{
		rdb:        rdb,
		logger:     slog.Default(),
		preDialTTL: DefaultPreDialTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "slot")
	return m
}

// AcquirePreDial atomically claims a pre-dial slot for callID when the
// campaign holds fewer than limit live leases. Denial is reported through
// Acquisition.OK, never as an error.
func (m *Manager) AcquirePreDial(ctx context.Context, campaignID, callID string, limit int) (Acquisition, error) {
	if limit <= 0 {
		return Acquisition{}, nil
	}
	keys := coord.ForCampaign(campaignID)
	token := uuid.NewString()

	ok, err := acquireScript.Run(ctx, m.rdb,
		[]string{keys.Leases()},
		keys.Lease(""), callID, limit, token,
		m.preDialTTL.Milliseconds(), time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return Acquisition{}, fmt.Errorf("slot: acquire %s/%s: %w", campaignID, callID, err)
	}
	if ok != 1 {
		return Acquisition{}, nil
	}
	return Acquisition{OK: true, Token: token}, nil
}

// Upgrade replaces the pre-dial lease for callID with an active lease and
// returns the new active token. Returns [ErrStaleToken] when preToken does
// not match the stored one.
func (m *Manager) Upgrade(ctx context.Context, campaignID, callID, preToken string) (string, error) {
	keys := coord.ForCampaign(campaignID)
	token := uuid.NewString()

	ok, err := upgradeScript.Run(ctx, m.rdb,
		[]string{keys.Leases(), keys.Lease(callID)},
		callID, preToken, token, time.Now().UnixMilli(),
	).Int()
	if err != nil {
		return "", fmt.Errorf("slot: upgrade %s/%s: %w", campaignID, callID, err)
	}
	if ok != 1 {
		return "", ErrStaleToken
	}
	return token, nil
}

// Release deletes the lease for callID iff token matches. preDial selects
// which phase the token belongs to. When publish is set and a lease was
// released, a slot-available event is published for the campaign.
// A token mismatch returns (false, nil).
func (m *Manager) Release(ctx context.Context, campaignID, callID, token string, preDial, publish bool) (bool, error) {
	keys := coord.ForCampaign(campaignID)

	ok, err := releaseScript.Run(ctx, m.rdb,
		[]string{keys.Leases(), keys.Lease(callID)},
		callID, token, boolArg(preDial), boolArg(publish), keys.SlotAvailable(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("slot: release %s/%s: %w", campaignID, callID, err)
	}
	return ok == 1, nil
}

// ForceRelease removes whatever lease exists for callID without a token.
// Webhook handlers and janitors use it when the original token is unknown.
// When both phases somehow exist, the active one is reported.
func (m *Manager) ForceRelease(ctx context.Context, campaignID, callID string, publish bool) (ReleasedKind, error) {
	keys := coord.ForCampaign(campaignID)

	res, err := forceReleaseScript.Run(ctx, m.rdb,
		[]string{keys.Leases(), keys.Lease(callID)},
		callID, boolArg(publish), keys.SlotAvailable(),
	).Text()
	if err != nil {
		return ReleasedNone, fmt.Errorf("slot: force release %s/%s: %w", campaignID, callID, err)
	}
	switch res {
	case "active":
		return ReleasedActive, nil
	case "pre":
		return ReleasedPreDial, nil
	default:
		return ReleasedNone, nil
	}
}

// Counts returns the live lease tally, pruning dangling pre-dial members as
// a side effect.
func (m *Manager) Counts(ctx context.Context, campaignID string) (Counts, error) {
	keys := coord.ForCampaign(campaignID)

	vals, err := countScript.Run(ctx, m.rdb, []string{keys.Leases()}, keys.Lease("")).Int64Slice()
	if err != nil {
		return Counts{}, fmt.Errorf("slot: count %s: %w", campaignID, err)
	}
	if len(vals) != 3 {
		return Counts{}, fmt.Errorf("slot: count %s: unexpected script result %v", campaignID, vals)
	}
	return Counts{Active: int(vals[1]), PreDial: int(vals[2])}, nil
}

// ActiveCount returns the total number of live leases (both phases).
func (m *Manager) ActiveCount(ctx context.Context, campaignID string) (int, error) {
	c, err := m.Counts(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	return c.Total(), nil
}

// SetLimit writes the campaign's concurrency limit key.
func (m *Manager) SetLimit(ctx context.Context, campaignID string, n int) error {
	if err := m.rdb.Set(ctx, coord.ForCampaign(campaignID).Limit(), n, 0).Err(); err != nil {
		return fmt.Errorf("slot: set limit %s: %w", campaignID, err)
	}
	return nil
}

// GetLimit reads the campaign's concurrency limit key. A missing key reads
// as zero; the dispatcher initializes it on start.
func (m *Manager) GetLimit(ctx context.Context, campaignID string) (int, error) {
	n, err := m.rdb.Get(ctx, coord.ForCampaign(campaignID).Limit()).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("slot: get limit %s: %w", campaignID, err)
	}
	return n, nil
}

// PublishSlotAvailable emits a slot-available event without releasing
// anything. The dispatcher uses it after raising a limit.
func (m *Manager) PublishSlotAvailable(ctx context.Context, campaignID string) error {
	keys := coord.ForCampaign(campaignID)
	if err := m.rdb.Publish(ctx, keys.SlotAvailable(), "limit").Err(); err != nil {
		return fmt.Errorf("slot: publish %s: %w", campaignID, err)
	}
	return nil
}

// Subscribe opens a pub/sub subscription on the campaign's slot-available
// channel. The caller owns the returned subscription and must close it.
func (m *Manager) Subscribe(ctx context.Context, campaignID string) *redis.PubSub {
	return m.rdb.Subscribe(ctx, coord.ForCampaign(campaignID).SlotAvailable())
}

// Leases lists the live leases of a campaign with their metadata. Not
// atomic — the janitor tolerates entries vanishing mid-scan.
func (m *Manager) Leases(ctx context.Context, campaignID string) ([]LeaseInfo, error) {
	keys := coord.ForCampaign(campaignID)

	members, err := m.rdb.SMembers(ctx, keys.Leases()).Result()
	if err != nil {
		return nil, fmt.Errorf("slot: scan leases %s: %w", campaignID, err)
	}

	infos := make([]LeaseInfo, 0, len(members))
	for _, member := range members {
		callID := member
		if len(member) > 4 && member[:4] == "pre-" {
			callID = member[4:]
		}
		fields, err := m.rdb.HGetAll(ctx, keys.Lease(callID)).Result()
		if err != nil {
			return nil, fmt.Errorf("slot: scan lease %s/%s: %w", campaignID, callID, err)
		}
		if len(fields) == 0 {
			continue // expired between SMEMBERS and HGETALL
		}
		info := LeaseInfo{
			CallID: callID,
			Kind:   Kind(fields["kind"]),
			Token:  fields["token"],
		}
		if at := parseMilli(fields["at"]); !at.IsZero() {
			info.AcquiredAt = at
		}
		if exp := parseMilli(fields["expiresAt"]); !exp.IsZero() {
			info.ExpiresAt = exp
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func parseMilli(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	var ms int64
	if _, err := fmt.Sscan(s, &ms); err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
