package redis

import "github.com/gomodule/redigo/redis"

// Key layout per queue:
//
//	<ns>queue:<q>       list of ready bodies, consumed from the head
//	<ns>processing:<q>  zset of claim tokens scored by deadline (unix ms)
//	<ns>inflight:<q>    hash of claim token -> body
//	<ns>dead:<q>        list of dead-letter records
//	<ns>reaped:<q>      zset of reaped claim tokens scored by reap time (unix ms)
//	<ns>seq             claim token counter

// claimScript moves the head of the queue into the processing set.
// KEYS: queue, processing, inflight, seq. ARGV: now_ms, ttl_ms.
var claimScript = redis.NewScript(4, `
local body = redis.call('LPOP', KEYS[1])
if not body then
  return false
end
local token = tostring(redis.call('INCR', KEYS[4]))
redis.call('ZADD', KEYS[2], tonumber(ARGV[1]) + tonumber(ARGV[2]), token)
redis.call('HSET', KEYS[3], token, body)
return {token, body}
`)

// renewScript extends a claim that is still held and not past its deadline.
// KEYS: processing. ARGV: token, now_ms, extension_ms.
var renewScript = redis.NewScript(1, `
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) <= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], 'XX', tonumber(ARGV[2]) + tonumber(ARGV[3]), ARGV[1])
return 1
`)

// Settling scripts return 1 when the claim was held, 0 when it was already
// settled and -1 when the reaper took it back.

// ackScript drops a claim. KEYS: processing, inflight, reaped. ARGV: token.
var ackScript = redis.NewScript(3, `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  if redis.call('ZSCORE', KEYS[3], ARGV[1]) then
    return -1
  end
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// nackScript drops a claim, optionally returning the body to the head of
// the queue. KEYS: processing, inflight, queue, reaped. ARGV: token, requeue (0|1).
var nackScript = redis.NewScript(4, `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
    return -1
  end
  return 0
end
local body = redis.call('HGET', KEYS[2], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if ARGV[2] == '1' and body then
  redis.call('LPUSH', KEYS[3], body)
end
return 1
`)

// replaceScript drops a claim and appends a new body to a list: the next
// attempt to the queue or a record to the dead list.
// KEYS: processing, inflight, target, reaped. ARGV: token, body.
var replaceScript = redis.NewScript(4, `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  if redis.call('ZSCORE', KEYS[4], ARGV[1]) then
    return -1
  end
  return 0
end
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)

// reapScript returns expired claims to the head of the queue and records
// their tokens, forgetting records older than the retention window.
// KEYS: processing, inflight, queue, reaped. ARGV: now_ms, limit, retain_ms.
var reapScript = redis.NewScript(4, `
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, token in ipairs(expired) do
  local body = redis.call('HGET', KEYS[2], token)
  redis.call('ZREM', KEYS[1], token)
  redis.call('HDEL', KEYS[2], token)
  redis.call('ZADD', KEYS[4], tonumber(ARGV[1]), token)
  if body then
    redis.call('LPUSH', KEYS[3], body)
  end
end
redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', '(' .. (tonumber(ARGV[1]) - tonumber(ARGV[3])))
return #expired
`)
