package slot

import "github.com/redis/go-redis/v9"

// Every mutation of a campaign's lease state runs as one server-side script,
// so each operation is indivisible with respect to every other operation on
// the same campaign. All keys share the campaign hash tag; building the
// per-call lease key inside Lua is therefore cluster-safe.
//
// Lease representation:
//
//	leases set        member "pre-<callId>" (pre-dial) or "<callId>" (active)
//	lease:<callId>    hash {token, kind, at, expiresAt?} — pre-dial hashes
//	                  carry a TTL; active hashes live until released
//
// A pre-dial hash that expired leaves a dangling "pre-" set member behind;
// every counting script prunes those before it counts. That prune is the
// safety net the two-phase protocol relies on: an upgrade that never arrives
// frees the slot after the TTL.

// acquireScript prunes, counts live leases, and inserts a pre-dial lease when
// the campaign is under its limit.
//
//	KEYS[1] leases set
//	ARGV[1] lease key prefix ("campaign:{id}:lease:")
//	ARGV[2] callId
//	ARGV[3] limit
//	ARGV[4] token
//	ARGV[5] pre-dial TTL ms
//	ARGV[6] now ms
//
// Returns 1 on success, 0 when the limit is reached.
var acquireScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local live = 0
for _, m in ipairs(members) do
	local id = m
	if string.sub(m, 1, 4) == 'pre-' then
		id = string.sub(m, 5)
	end
	if redis.call('EXISTS', ARGV[1] .. id) == 1 then
		live = live + 1
	else
		redis.call('SREM', KEYS[1], m)
	end
end
if live >= tonumber(ARGV[3]) then
	return 0
end
local leaseKey = ARGV[1] .. ARGV[2]
redis.call('HSET', leaseKey,
	'token', ARGV[4],
	'kind', 'pre',
	'at', ARGV[6],
	'expiresAt', tonumber(ARGV[6]) + tonumber(ARGV[5]))
redis.call('PEXPIRE', leaseKey, ARGV[5])
redis.call('SADD', KEYS[1], 'pre-' .. ARGV[2])
return 1
`)

// upgradeScript swaps a pre-dial lease for an active one iff the caller still
// holds the pre-dial token. Stale tokens (mismatch or TTL-expired hash) are
// rejected without side effects.
//
//	KEYS[1] leases set
//	KEYS[2] lease hash
//	ARGV[1] callId
//	ARGV[2] preToken
//	ARGV[3] new active token
//	ARGV[4] now ms
//
// Returns 1 on success, 0 on stale token.
var upgradeScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[2], 'token')
if not token or token ~= ARGV[2] then
	return 0
end
if redis.call('HGET', KEYS[2], 'kind') ~= 'pre' then
	return 0
end
redis.call('HSET', KEYS[2], 'token', ARGV[3], 'kind', 'active')
redis.call('HDEL', KEYS[2], 'expiresAt')
redis.call('PERSIST', KEYS[2])
redis.call('SREM', KEYS[1], 'pre-' .. ARGV[1])
redis.call('SADD', KEYS[1], ARGV[1])
return 1
`)

// releaseScript deletes a lease iff the supplied token matches, optionally
// publishing a slot-available event. A mismatched token (double release,
// superseded lease) is a no-op.
//
//	KEYS[1] leases set
//	KEYS[2] lease hash
//	ARGV[1] callId
//	ARGV[2] token
//	ARGV[3] "1" when releasing a pre-dial lease, "0" for active
//	ARGV[4] "1" to publish
//	ARGV[5] slot-available channel
//
// Returns 1 when a lease was released, 0 otherwise.
var releaseScript = redis.NewScript(`
local token = redis.call('HGET', KEYS[2], 'token')
if not token or token ~= ARGV[2] then
	return 0
end
local wantKind = 'active'
local member = ARGV[1]
if ARGV[3] == '1' then
	wantKind = 'pre'
	member = 'pre-' .. ARGV[1]
end
if redis.call('HGET', KEYS[2], 'kind') ~= wantKind then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('SREM', KEYS[1], member)
if ARGV[4] == '1' then
	redis.call('PUBLISH', ARGV[5], ARGV[1])
end
return 1
`)

// forceReleaseScript is the token-less recovery path used by webhooks and
// janitors. It removes both possible set members and the lease hash, and
// reports which kind existed — active wins when both did.
//
//	KEYS[1] leases set
//	KEYS[2] lease hash
//	ARGV[1] callId
//	ARGV[2] "1" to publish
//	ARGV[3] slot-available channel
//
// Returns "active", "pre" or "none".
var forceReleaseScript = redis.NewScript(`
local hadActive = redis.call('SREM', KEYS[1], ARGV[1])
local hadPre = redis.call('SREM', KEYS[1], 'pre-' .. ARGV[1])
redis.call('DEL', KEYS[2])
local released = 'none'
if hadActive == 1 then
	released = 'active'
elseif hadPre == 1 then
	released = 'pre'
end
if released ~= 'none' and ARGV[2] == '1' then
	redis.call('PUBLISH', ARGV[3], ARGV[1])
end
return released
`)

// countScript prunes dangling pre-dial members and returns {live, active, pre}.
//
//	KEYS[1] leases set
//	ARGV[1] lease key prefix
var countScript = redis.NewScript(`
local members = redis.call('SMEMBERS', KEYS[1])
local active = 0
local pre = 0
for _, m in ipairs(members) do
	local id = m
	local isPre = false
	if string.sub(m, 1, 4) == 'pre-' then
		id = string.sub(m, 5)
		isPre = true
	end
	if redis.call('EXISTS', ARGV[1] .. id) == 1 then
		if isPre then
			pre = pre + 1
		else
			active = active + 1
		end
	else
		redis.call('SREM', KEYS[1], m)
	end
end
return {active + pre, active, pre}
`)
