package shadow

// Every shadow hash carries the owning saga in the saga_id field. Scripts
// compare it with ARGV[1]; an empty ARGV[1] matches any owner.

// createScript opens a shadow for an order that does not exist yet and
// indexes its deadline.
// KEYS[1] live, KEYS[2] shadow, KEYS[3] deadlines;
// ARGV[1] ttl ms, ARGV[2] deadline score, ARGV[3] deadline member,
// ARGV[4..] field/value pairs.
const createScript = `
if redis.call('EXISTS', KEYS[2]) == 1 then
	return redis.error_reply('ALREADY_EXISTS ' .. KEYS[2])
end
if redis.call('EXISTS', KEYS[1]) == 1 then
	return redis.error_reply('ORDER_EXISTS ' .. KEYS[1])
end
redis.call('HSET', KEYS[2], unpack(ARGV, 4))
local ttl = tonumber(ARGV[1])
if ttl and ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
return 'OK'
`

// applyScript applies field operations to the shadow only.
// KEYS[1] shadow; ARGV[1] saga id, then (kind, field, value) triples.
const applyScript = `
local owner = redis.call('HGET', KEYS[1], 'saga_id')
if not owner then
	return redis.error_reply('SOURCE_MISSING ' .. KEYS[1])
end
if ARGV[1] ~= '' and owner ~= ARGV[1] then
	return redis.error_reply('SAGA_MISMATCH ' .. owner)
end
for i = 2, #ARGV, 3 do
	local kind, field, value = ARGV[i], ARGV[i + 1], ARGV[i + 2]
	if kind == 'add' then
		redis.call('HINCRBY', KEYS[1], field, value)
	elseif kind == 'update' then
		redis.call('HSET', KEYS[1], field, value)
	elseif kind == 'delete' then
		redis.call('HDEL', KEYS[1], field)
	end
end
return 'OK'
`

// commitScript promotes the shadow onto the live key, or deletes the live
// key when ARGV[3] is '1', then drops the shadow and its deadline. A refused
// commit keeps the deadline so the reaper still claims the saga.
// KEYS[1] live, KEYS[2] shadow, KEYS[3] deadlines;
// ARGV[1] saga id, ARGV[2] deadline member, ARGV[3] delete flag, ARGV[4] live ttl ms.
const commitScript = `
local owner = redis.call('HGET', KEYS[2], 'saga_id')
if not owner then
	return redis.error_reply('SOURCE_MISSING ' .. KEYS[2])
end
if ARGV[1] ~= '' and owner ~= ARGV[1] then
	return redis.error_reply('SAGA_MISMATCH ' .. owner)
end
redis.call('DEL', KEYS[1])
if ARGV[3] ~= '1' then
	local fields = redis.call('HGETALL', KEYS[2])
	local out = {}
	for i = 1, #fields, 2 do
		if fields[i] ~= 'saga_id' then
			out[#out + 1] = fields[i]
			out[#out + 1] = fields[i + 1]
		end
	end
	if #out > 0 then
		redis.call('HSET', KEYS[1], unpack(out))
		local ttl = tonumber(ARGV[4])
		if ttl and ttl > 0 then
			redis.call('PEXPIRE', KEYS[1], ttl)
		end
	end
end
redis.call('DEL', KEYS[2])
redis.call('ZREM', KEYS[3], ARGV[2])
return 'OK'
`

// rollbackScript drops the shadow if this saga owns it. Always succeeds.
// KEYS[1] shadow, KEYS[2] deadlines; ARGV[1] saga id, ARGV[2] deadline member.
const rollbackScript = `
if ARGV[2] ~= '' then
	redis.call('ZREM', KEYS[2], ARGV[2])
end
local owner = redis.call('HGET', KEYS[1], 'saga_id')
if owner and (ARGV[1] == '' or owner == ARGV[1]) then
	return redis.call('DEL', KEYS[1])
end
return 0
`

// claimScript takes an expired deadline. Returns 1 when this caller won it.
// KEYS[1] deadlines, KEYS[2] shadow; ARGV[1] member, ARGV[2] saga id.
const claimScript = `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
if redis.call('HGET', KEYS[2], 'saga_id') == ARGV[2] then
	redis.call('DEL', KEYS[2])
end
return 1
`
