package billing

// payScript marks a committed order as payed.
// KEYS[1] live, KEYS[2] shadow; ARGV[1] billing id.
// Returns 1 when payed now, 0 when the same billing already payed it.
const payScript = `
if redis.call('EXISTS', KEYS[2]) == 1 then
	return redis.error_reply('TRANSACTION_CONFLICT ' .. KEYS[2])
end
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return redis.error_reply('ORDER_NOT_FOUND ' .. KEYS[1])
end
if status == 'payed' then
	if redis.call('HGET', KEYS[1], 'billing_id') == ARGV[1] then
		return 0
	end
	return redis.error_reply('ALREADY_PAYED ' .. KEYS[1])
end
if status == 'deleted' then
	return redis.error_reply('ORDER_DELETED ' .. KEYS[1])
end
redis.call('HSET', KEYS[1], 'status', 'payed', 'billing_id', ARGV[1])
return 1
`
