package redisbackend

import "github.com/redis/go-redis/v9"

// publishScript implements the atomic publish step as a
// single Lua script: allocate both IDs, build the self-describing wire
// envelope (internal/message's header plus scope-line format), write it
// into both sorted sets, refresh the backlog TTL, conditionally trim, and
// fan out — all in one round trip so no concurrent publisher can
// interleave IDs or payloads between the two backlogs.
//
// KEYS[1] = global id counter
// KEYS[2] = per-channel id counter
// KEYS[3] = per-channel backlog zset
// KEYS[4] = global backlog zset
//
// ARGV[1] = channel name
// ARGV[2] = payload bytes
// ARGV[3] = max backlog age in seconds (0 = no TTL refresh)
// ARGV[4] = max per-channel backlog size (0 = unbounded)
// ARGV[5] = per-channel clear_every (0 treated as 1)
// ARGV[6] = max global backlog size (0 = unbounded)
// ARGV[7] = global clear_every (0 treated as 1)
// ARGV[8] = fan-out channel name
// ARGV[9] = comma-joined user_ids (message.EncodeScope field 1)
// ARGV[10] = comma-joined group_ids (message.EncodeScope field 2)
// ARGV[11] = comma-joined client_ids (message.EncodeScope field 3)
// ARGV[12] = site_id (message.EncodeScope field 4)
//
// Returns {message_id, global_id, channel_trimmed, global_trimmed}, the
// last two as 0/1 flags reporting whether this call's ZREMRANGEBYSCORE
// branch actually ran, so the caller can account trims in metrics.
var publishScript = redis.NewScript(`
local global_id = redis.call('INCR', KEYS[1])
local message_id = redis.call('INCR', KEYS[2])

local channel = ARGV[1]
local payload = ARGV[2]
local header = tostring(global_id) .. '|' .. tostring(message_id) .. '|' .. channel
local scope = ARGV[9] .. '|' .. ARGV[10] .. '|' .. ARGV[11] .. '|' .. ARGV[12]
local encoded = header .. '\n' .. scope .. '\n' .. payload

redis.call('ZADD', KEYS[3], message_id, encoded)
redis.call('ZADD', KEYS[4], global_id, encoded)

local max_age = tonumber(ARGV[3])
if max_age > 0 then
	redis.call('EXPIRE', KEYS[3], max_age)
end

local channel_trimmed = 0
local max_size = tonumber(ARGV[4])
local clear_every = tonumber(ARGV[5])
if clear_every == 0 then clear_every = 1 end
if max_size > 0 and message_id > max_size and (message_id % clear_every) == 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[3], '-inf', message_id - max_size)
	channel_trimmed = 1
end

local global_trimmed = 0
local max_global = tonumber(ARGV[6])
local global_clear_every = tonumber(ARGV[7])
if global_clear_every == 0 then global_clear_every = 1 end
if max_global > 0 and global_id > max_global and (global_id % global_clear_every) == 0 then
	redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', global_id - max_global)
	global_trimmed = 1
end

redis.call('PUBLISH', ARGV[8], encoded)

return {message_id, global_id, channel_trimmed, global_trimmed}
`)
