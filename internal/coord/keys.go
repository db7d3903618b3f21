package coord

// Keys builds the ephemeral key names for one campaign. The layout is fixed:
//
//	campaign:{id}:limit                  scalar, integer
//	campaign:{id}:leases                 set of {callId, "pre-"+callId}
//	campaign:{id}:lease:<callId>         hash {token, kind, expiresAt?}
//	campaign:{id}:reserved               set
//	campaign:{id}:reserved:ledger        zset (score = reservedAt ms)
//	campaign:{id}:waitlist:high          list (jobId)
//	campaign:{id}:waitlist:normal        list (jobId)
//	campaign:{id}:waitlist:marker:<jid>  scalar with TTL
//	campaign:{id}:waitlist:fair          scalar counter
//	campaign:{id}:paused                 scalar with short TTL
//	campaign:{id}:promote-mutex          scalar with TTL
//	channel campaign:{id}:slot-available pub/sub
//
// The braces around the id are Redis Cluster hash tags: every key of one
// campaign maps to the same slot, which the multi-key Lua scripts require.
type Keys struct {
	campaignID string
}

// ForCampaign returns the key set for the given campaign id.
func ForCampaign(campaignID string) Keys {
	return Keys{campaignID: campaignID}
}

func (k Keys) prefix() string {
	return "campaign:{" + k.campaignID + "}:"
}

// Limit is the concurrency limit scalar.
func (k Keys) Limit() string { return k.prefix() + "limit" }

// Leases is the set of lease members ("<callId>" active, "pre-<callId>" pre-dial).
func (k Keys) Leases() string { return k.prefix() + "leases" }

// Lease is the per-call lease hash.
func (k Keys) Lease(callID string) string { return k.prefix() + "lease:" + callID }

// Reserved is the set of jobs a promoter has taken but not yet leased.
func (k Keys) Reserved() string { return k.prefix() + "reserved" }

// ReservedLedger is the zset of reserved jobs scored by reservation time (ms).
func (k Keys) ReservedLedger() string { return k.prefix() + "reserved:ledger" }

// WaitlistHigh and WaitlistNormal are the two priority queues.
func (k Keys) WaitlistHigh() string   { return k.prefix() + "waitlist:high" }
func (k Keys) WaitlistNormal() string { return k.prefix() + "waitlist:normal" }

// Marker is the per-job liveness marker the waitlist reconciler checks.
func (k Keys) Marker(jobID string) string { return k.prefix() + "waitlist:marker:" + jobID }

// FairCounter is the rotating pop counter for fair dispatch across tiers.
func (k Keys) FairCounter() string { return k.prefix() + "waitlist:fair" }

// Paused is the short-TTL pause flag the promoter honors.
func (k Keys) Paused() string { return k.prefix() + "paused" }

// PromoteMutex serializes promotion runs for this campaign.
func (k Keys) PromoteMutex() string { return k.prefix() + "promote-mutex" }

// SlotAvailable is the pub/sub channel releases publish to.
func (k Keys) SlotAvailable() string { return k.prefix() + "slot-available" }

// Pattern matches every ephemeral key of this campaign; purge SCANs with it.
func (k Keys) Pattern() string { return k.prefix() + "*" }
