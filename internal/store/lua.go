package store

// copyScript copies a hash onto a key that must not exist yet, optionally
// setting extra fields on the copy and indexing it in a sorted set.
// KEYS[1] src, KEYS[2] dst, KEYS[3] optional index;
// ARGV[1] ttl in milliseconds (0 keeps dst persistent), ARGV[2] index score,
// ARGV[3] index member, ARGV[4..] extra field/value pairs.
const copyScript = `
if redis.call('EXISTS', KEYS[2]) == 1 then
	return redis.error_reply('ALREADY_EXISTS ' .. KEYS[2])
end
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
	return redis.error_reply('SOURCE_MISSING ' .. KEYS[1])
end
redis.call('HSET', KEYS[2], unpack(fields))
if #ARGV > 3 then
	redis.call('HSET', KEYS[2], unpack(ARGV, 4))
end
local ttl = tonumber(ARGV[1])
if ttl and ttl > 0 then
	redis.call('PEXPIRE', KEYS[2], ttl)
end
if KEYS[3] then
	redis.call('ZADD', KEYS[3], ARGV[2], ARGV[3])
end
return 'OK'
`
