// Package waitlist implements the per-campaign dial queue: two priority
// lists, the per-job liveness markers reconcilers check, and the reserved
// ledger that tracks jobs a promoter has taken but not yet leased.
//
// The promoter (same package) consumes slot-available events and moves jobs
// from the lists into pre-dial leases, serialized per campaign by a short-TTL
// mutex.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dialvox/dialvox/internal/coord"
)

// DefaultMarkerTTL is how long a job's liveness marker survives. It bounds
// how long a job may sit queued before the waitlist reconciler treats a
// missing marker as a lost entry, so it is deliberately generous.
const DefaultMarkerTTL = 6 * time.Hour

// Priority selects which of the two ordered lists a job belongs to.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
)

// String returns "high" or "normal".
func (p Priority) String() string {
	if p == PriorityHigh {
		return "high"
	}
	return "normal"
}

// tag is the single-letter encoding used in ledger members.
func (p Priority) tag() string {
	if p == PriorityHigh {
		return "H"
	}
	return "N"
}

func priorityFromTag(tag string) Priority {
	if tag == "H" {
		return PriorityHigh
	}
	return PriorityNormal
}

// Mode is the campaign's queue discipline.
type Mode string

const (
	ModeFIFO     Mode = "fifo"
	ModeLIFO     Mode = "lifo"
	ModePriority Mode = "priority"
)

// LedgerEntry is one reserved job awaiting its pre-dial lease.
type LedgerEntry struct {
	JobID      string
	Origin     Priority
	ReservedAt time.Time
}

// pushScript appends a job and refreshes its marker in one step.
//
//	KEYS[1] target list, KEYS[2] marker
//	ARGV[1] jobId, ARGV[2] marker TTL ms, ARGV[3] "1" = push to head
var pushScript = redis.NewScript(`
if ARGV[3] == '1' then
	redis.call('LPUSH', KEYS[1], ARGV[1])
else
	redis.call('RPUSH', KEYS[1], ARGV[1])
end
redis.call('SET', KEYS[2], '1', 'PX', ARGV[2])
return 1
`)

// popScript takes the next job according to the queue discipline and records
// it in the reserved ledger, all atomically. High starves normal unless the
// fairness counter says this round reads normal.
//
//	KEYS[1] high list, KEYS[2] normal list, KEYS[3] fair counter,
//	KEYS[4] ledger zset, KEYS[5] reserved set
//	ARGV[1] mode, ARGV[2] fairEvery (0 = strict priority), ARGV[3] now ms
//
// Returns {jobId, originTag} or false when both lists are empty.
var popScript = redis.NewScript(`
local popcmd = 'LPOP'
if ARGV[1] == 'lifo' then
	popcmd = 'RPOP'
end

local job = false
local origin = 'H'

local fairEvery = tonumber(ARGV[2])
if fairEvery > 0 and redis.call('LLEN', KEYS[2]) > 0 then
	local n = redis.call('INCR', KEYS[3])
	if n % fairEvery == 0 then
		job = redis.call(popcmd, KEYS[2])
		origin = 'N'
	end
end

if not job then
	job = redis.call(popcmd, KEYS[1])
	origin = 'H'
end
if not job then
	job = redis.call(popcmd, KEYS[2])
	origin = 'N'
end
if not job then
	return false
end

redis.call('ZADD', KEYS[4], ARGV[3], origin .. '|' .. job)
redis.call('SADD', KEYS[5], job)
return {job, origin}
`)

// ackScript resolves a reserved job that received its lease: ledger entry,
// reserved membership and marker all go away.
//
//	KEYS[1] ledger, KEYS[2] reserved, KEYS[3] marker
//	ARGV[1] jobId, ARGV[2] originTag
var ackScript = redis.NewScript(`
redis.call('ZREM', KEYS[1], ARGV[2] .. '|' .. ARGV[1])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[3])
return 1
`)

// requeueScript puts a denied job back at the head of its origin list and
// clears its reservation. The marker is refreshed, not deleted: the job is
// still queued.
//
//	KEYS[1] origin list, KEYS[2] ledger, KEYS[3] reserved, KEYS[4] marker
//	ARGV[1] jobId, ARGV[2] originTag, ARGV[3] marker TTL ms
var requeueScript = redis.NewScript(`
redis.call('LPUSH', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[2] .. '|' .. ARGV[1])
redis.call('SREM', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], '1', 'PX', ARGV[3])
return 1
`)

// requeueLedgerScript is the ledger reconciler's repair: if the entry is
// still in the ledger (the promoter really did die mid-promotion), move the
// job back to the head of its origin list.
//
//	KEYS[1] ledger, KEYS[2] reserved, KEYS[3] high, KEYS[4] normal, KEYS[5] marker
//	ARGV[1] member ("H|job"), ARGV[2] jobId, ARGV[3] originTag, ARGV[4] marker TTL ms
//
// Returns 1 when repaired, 0 when the entry had already resolved.
var requeueLedgerScript = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SREM', KEYS[2], ARGV[2])
local list = KEYS[4]
if ARGV[3] == 'H' then
	list = KEYS[3]
end
redis.call('LPUSH', list, ARGV[2])
redis.call('SET', KEYS[5], '1', 'PX', ARGV[4])
return 1
`)

// Waitlist manipulates one campaign's queue state. Safe for concurrent use.
type Waitlist struct {
	rdb       *redis.Client
	logger    *slog.Logger
	markerTTL time.Duration
}

// WaitlistOption configures a [Waitlist].
type WaitlistOption func(*Waitlist)

// WithMarkerTTL overrides [DefaultMarkerTTL].
func WithMarkerTTL(d time.Duration) WaitlistOption {
	return func(w *Waitlist) {
		if d > 0 {
			w.markerTTL = d
		}
	}
}

// WithWaitlistLogger sets the logger. Defaults to [slog.Default].
func WithWaitlistLogger(l *slog.Logger) WaitlistOption {
	return func(w *Waitlist) {
		if l != nil {
			w.logger = l
		}
	}
}

// NewWaitlist creates a waitlist on the given Redis client.
func NewWaitlist(rdb *redis.Client, opts ...WaitlistOption) *Waitlist {
	w := &Waitlist{
		rdb:       rdb,
		logger:    slog.Default(),
		markerTTL: DefaultMarkerTTL,
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "waitlist")
	return w
}

// Push appends jobID to the tail of the priority's list and sets its marker.
// Re-pushing an already queued job refreshes the marker; the reconciler
// relies on that to repair lost entries.
func (w *Waitlist) Push(ctx context.Context, campaignID, jobID string, pri Priority) error {
	keys := coord.ForCampaign(campaignID)
	list := keys.WaitlistNormal()
	if pri == PriorityHigh {
		list = keys.WaitlistHigh()
	}
	err := pushScript.Run(ctx, w.rdb,
		[]string{list, keys.Marker(jobID)},
		jobID, w.markerTTL.Milliseconds(), "0",
	).Err()
	if err != nil {
		return fmt.Errorf("waitlist: push %s/%s: %w", campaignID, jobID, err)
	}
	return nil
}

// Pop takes the next job per the queue discipline and records it in the
// reserved ledger. ok is false when both lists are empty.
func (w *Waitlist) Pop(ctx context.Context, campaignID string, mode Mode, fairEvery int) (jobID string, origin Priority, ok bool, err error) {
	keys := coord.ForCampaign(campaignID)

	res, err := popScript.Run(ctx, w.rdb,
		[]string{keys.WaitlistHigh(), keys.WaitlistNormal(), keys.FairCounter(), keys.ReservedLedger(), keys.Reserved()},
		string(mode), fairEvery, time.Now().UnixMilli(),
	).Slice()
	if errors.Is(err, redis.Nil) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("waitlist: pop %s: %w", campaignID, err)
	}
	if len(res) != 2 {
		return "", 0, false, fmt.Errorf("waitlist: pop %s: unexpected script result %v", campaignID, res)
	}
	job, _ := res[0].(string)
	tag, _ := res[1].(string)
	return job, priorityFromTag(tag), true, nil
}

// Ack resolves a reservation whose job now holds a pre-dial lease.
func (w *Waitlist) Ack(ctx context.Context, campaignID, jobID string, origin Priority) error {
	keys := coord.ForCampaign(campaignID)
	err := ackScript.Run(ctx, w.rdb,
		[]string{keys.ReservedLedger(), keys.Reserved(), keys.Marker(jobID)},
		jobID, origin.tag(),
	).Err()
	if err != nil {
		return fmt.Errorf("waitlist: ack %s/%s: %w", campaignID, jobID, err)
	}
	return nil
}

// Requeue puts a job whose acquire was denied back at the head of its origin
// list and clears the reservation.
func (w *Waitlist) Requeue(ctx context.Context, campaignID, jobID string, origin Priority) error {
	keys := coord.ForCampaign(campaignID)
	list := keys.WaitlistNormal()
	if origin == PriorityHigh {
		list = keys.WaitlistHigh()
	}
	err := requeueScript.Run(ctx, w.rdb,
		[]string{list, keys.ReservedLedger(), keys.Reserved(), keys.Marker(jobID)},
		jobID, origin.tag(), w.markerTTL.Milliseconds(),
	).Err()
	if err != nil {
		return fmt.Errorf("waitlist: requeue %s/%s: %w", campaignID, jobID, err)
	}
	return nil
}

// HasMarker reports whether jobID's liveness marker is still present.
func (w *Waitlist) HasMarker(ctx context.Context, campaignID, jobID string) (bool, error) {
	n, err := w.rdb.Exists(ctx, coord.ForCampaign(campaignID).Marker(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("waitlist: marker %s/%s: %w", campaignID, jobID, err)
	}
	return n == 1, nil
}

// Len returns the current depth of both lists.
func (w *Waitlist) Len(ctx context.Context, campaignID string) (high, normal int64, err error) {
	keys := coord.ForCampaign(campaignID)
	pipe := w.rdb.Pipeline()
	hc := pipe.LLen(ctx, keys.WaitlistHigh())
	nc := pipe.LLen(ctx, keys.WaitlistNormal())
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("waitlist: len %s: %w", campaignID, err)
	}
	return hc.Val(), nc.Val(), nil
}

// LedgerEntries returns reserved jobs older than the cutoff, oldest first.
func (w *Waitlist) LedgerEntries(ctx context.Context, campaignID string, olderThan time.Time) ([]LedgerEntry, error) {
	keys := coord.ForCampaign(campaignID)

	zs, err := w.rdb.ZRangeByScoreWithScores(ctx, keys.ReservedLedger(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(olderThan.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("waitlist: ledger %s: %w", campaignID, err)
	}

	entries := make([]LedgerEntry, 0, len(zs))
	for _, z := range zs {
		member, _ := z.Member.(string)
		tag, job, found := strings.Cut(member, "|")
		if !found {
			continue
		}
		entries = append(entries, LedgerEntry{
			JobID:      job,
			Origin:     priorityFromTag(tag),
			ReservedAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

// RequeueLedger repairs one orphaned ledger entry (promoter died between
// reserving and acquiring). Returns false when the entry resolved on its own.
func (w *Waitlist) RequeueLedger(ctx context.Context, campaignID string, entry LedgerEntry) (bool, error) {
	keys := coord.ForCampaign(campaignID)
	member := entry.Origin.tag() + "|" + entry.JobID

	n, err := requeueLedgerScript.Run(ctx, w.rdb,
		[]string{keys.ReservedLedger(), keys.Reserved(), keys.WaitlistHigh(), keys.WaitlistNormal(), keys.Marker(entry.JobID)},
		member, entry.JobID, entry.Origin.tag(), w.markerTTL.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("waitlist: requeue ledger %s/%s: %w", campaignID, entry.JobID, err)
	}
	return n == 1, nil
}

// Clear removes every queue structure of the campaign: lists, markers,
// ledger, reserved set and the fairness counter. Used by cancel and purge.
func (w *Waitlist) Clear(ctx context.Context, campaignID string) error {
	keys := coord.ForCampaign(campaignID)

	// Collect queued jobs first so their markers can be deleted too.
	var markerKeys []string
	for _, list := range []string{keys.WaitlistHigh(), keys.WaitlistNormal()} {
		jobs, err := w.rdb.LRange(ctx, list, 0, -1).Result()
		if err != nil {
			return fmt.Errorf("waitlist: clear %s: %w", campaignID, err)
		}
		for _, job := range jobs {
			markerKeys = append(markerKeys, keys.Marker(job))
		}
	}

	del := append(markerKeys,
		keys.WaitlistHigh(),
		keys.WaitlistNormal(),
		keys.ReservedLedger(),
		keys.Reserved(),
		keys.FairCounter(),
	)
	if err := w.rdb.Del(ctx, del...).Err(); err != nil {
		return fmt.Errorf("waitlist: clear %s: %w", campaignID, err)
	}
	return nil
}
