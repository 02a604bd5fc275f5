package roomstore

import "github.com/redis/go-redis/v9"

// Join, leave, and jti marking must each run as a single atomic
// server-side script so capacity checks and membership mutations cannot
// interleave with concurrent operations on the same room.

// tryJoinScript implements Room Store's try_join operation.
// KEYS: meta, members, count
// ARGV: max, ttlSeconds, conn
// Returns {status, count} where status: 0=NoRoom, 1=Joined, 2=Full.
var tryJoinScript = redis.NewScript(`
local meta = KEYS[1]
local members = KEYS[2]
local count = KEYS[3]
local max = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local conn = ARGV[3]

if redis.call('EXISTS', meta) == 0 then
	return {0, 0}
end

if redis.call('SISMEMBER', members, conn) == 1 then
	redis.call('EXPIRE', meta, ttl)
	redis.call('EXPIRE', members, ttl)
	redis.call('EXPIRE', count, ttl)
	local c = tonumber(redis.call('GET', count) or '0')
	return {1, c}
end

local c = tonumber(redis.call('GET', count) or '0')
if c >= max then
	return {2, c}
end

redis.call('SADD', members, conn)
local newCount = redis.call('INCR', count)
redis.call('EXPIRE', meta, ttl)
redis.call('EXPIRE', members, ttl)
redis.call('EXPIRE', count, ttl)
return {1, newCount}
`)

// leaveScript implements Room Store's leave operation. When remaining
// membership reaches zero it removes meta, members, count, jtis and every
// individual jti marker it can find in the jtis set.
// KEYS: meta, members, count, jtis
// ARGV: conn, jtiKeyPrefix, ttlSeconds
// Returns {remaining}.
var leaveScript = redis.NewScript(`
local meta = KEYS[1]
local members = KEYS[2]
local count = KEYS[3]
local jtis = KEYS[4]
local conn = ARGV[1]
local jtiKeyPrefix = ARGV[2]
local ttl = tonumber(ARGV[3])

if redis.call('SISMEMBER', members, conn) == 0 then
	local c = tonumber(redis.call('GET', count) or '0')
	return {c}
end

redis.call('SREM', members, conn)
local remaining = redis.call('DECR', count)
if remaining < 0 then
	redis.call('SET', count, 0)
	remaining = 0
end

if remaining <= 0 then
	local jtiList = redis.call('SMEMBERS', jtis)
	for _, j in ipairs(jtiList) do
		redis.call('DEL', jtiKeyPrefix .. j)
	end
	redis.call('DEL', meta, members, count, jtis)
else
	redis.call('EXPIRE', meta, ttl)
	redis.call('EXPIRE', members, ttl)
	redis.call('EXPIRE', count, ttl)
	redis.call('EXPIRE', jtis, ttl)
end

return {remaining}
`)

// createLimitScript is a fixed-window counter backing the per-IP rate
// limit on HTTP room creation. INCR plus first-call PEXPIRE keeps the
// check-and-count atomic; room creation only needs a coarse ceiling.
// KEYS: counter
// ARGV: windowMs
// Returns {count}.
var createLimitScript = redis.NewScript(`
local counter = KEYS[1]
local windowMs = tonumber(ARGV[1])

local count = redis.call('INCR', counter)
if count == 1 then
	redis.call('PEXPIRE', counter, windowMs)
end
return {count}
`)

// markJTIScript implements Room Store's mark_jti operation: a set-if-absent
// on the single-token marker, with the room-wide jtis set updated only on
// success.
// KEYS: jtiKey, jtis
// ARGV: ttlSeconds, jti
// Returns {fresh} where fresh: 1 if this call set the marker, 0 if it
// already existed (replay).
var markJTIScript = redis.NewScript(`
local jtiKey = KEYS[1]
local jtis = KEYS[2]
local ttl = tonumber(ARGV[1])
local jti = ARGV[2]

local ok = redis.call('SET', jtiKey, '1', 'NX', 'EX', ttl)
if not ok then
	return {0}
end

redis.call('SADD', jtis, jti)
redis.call('EXPIRE', jtis, ttl)
return {1}
`)
