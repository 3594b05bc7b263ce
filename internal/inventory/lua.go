package inventory

// A journal hash holds saga_id, state and one good_id:<id> field per good
// mapped to the amount to add back. Resolving a journal replaces it with a
// tombstone holding only saga_id and the final state, kept for the rest of
// its TTL so redelivered messages are recognized.

// compensateScript undoes an open journal owned by the given saga. Negative
// amounts are debits and are clamped at zero stock.
// The good keys it changes are read from the journal and are not declared in
// KEYS, so the script only works against a single Redis instance. On a
// cluster those keys may live on another slot; the goods to touch would have
// to be passed in KEYS with a shared hash tag first.
// KEYS[1] journal; ARGV[1] saga id.
// Returns {applied, shortfall}, or {-1, 0} when another saga owns the journal.
const compensateScript = `
local owner = redis.call('HGET', KEYS[1], 'saga_id')
if not owner then
	return {0, 0}
end
if owner ~= ARGV[1] then
	return {-1, 0}
end
if redis.call('HGET', KEYS[1], 'state') ~= 'open' then
	return {0, 0}
end
local fields = redis.call('HGETALL', KEYS[1])
local applied, shortfall = 0, 0
for i = 1, #fields, 2 do
	local key, amount = fields[i], tonumber(fields[i + 1])
	if string.sub(key, 1, 8) == 'good_id:' and amount ~= 0 then
		if amount < 0 then
			local current = tonumber(redis.call('HGET', key, 'count') or '0')
			if current + amount < 0 then
				shortfall = shortfall - (current + amount)
				amount = -current
			end
		end
		redis.call('HINCRBY', key, 'count', amount)
		applied = applied + 1
	end
end
local ttl = redis.call('PTTL', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'saga_id', owner, 'state', 'compensated')
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return {applied, shortfall}
`

// finalizeScript turns an open journal of the saga into a tombstone.
// KEYS[1] journal; ARGV[1] saga id. Returns 1 when it did.
const finalizeScript = `
if redis.call('HGET', KEYS[1], 'saga_id') ~= ARGV[1] then
	return 0
end
if redis.call('HGET', KEYS[1], 'state') ~= 'open' then
	return 0
end
local ttl = redis.call('PTTL', KEYS[1])
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'saga_id', ARGV[1], 'state', 'finalized')
if ttl > 0 then
	redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`
