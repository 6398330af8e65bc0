package redisq

import "github.com/redis/go-redis/v9"

// Every mutation of queue state is a single Lua script so that the
// ready-list, the in-flight set, the per-item hash and the admission counters
// move together atomically under multi-worker contention.
//
// Static keys arrive as KEYS[1..]; per-user ready lists and per-task item
// hashes are derived inside the scripts from the prefixes in ARGV because
// their key names depend on data read during the script.

// enqueueScript
// KEYS: users_ready, inflight
// ARGV: readyPrefix, itemPrefix, userID, taskID, nowMillis
// Returns 1 when enqueued, 0 when the task id was absorbed as a duplicate.
var enqueueScript = redis.NewScript(`
local item = ARGV[2] .. ARGV[4]
if redis.call("EXISTS", item) == 1 then
  return 0
end
if redis.call("HEXISTS", KEYS[2], ARGV[4]) == 1 then
  return 0
end
redis.call("HSET", item,
  "user_id", ARGV[3],
  "enqueued_at", ARGV[5],
  "not_before", "0",
  "retry_count", "0",
  "worker_id", "")
redis.call("RPUSH", ARGV[1] .. ARGV[3], ARGV[4])
redis.call("SADD", KEYS[1], ARGV[3])
return 1
`)

// reserveScript
// KEYS: users_ready, inflight, counts, cursor
// ARGV: readyPrefix, itemPrefix, workerID, max, nowMillis, deadlineMillis, globalCap, userCap
// Returns a flat array of (taskID, userID, retryCount) triples.
//
// Users are visited round-robin starting after the shared cursor; a user is
// skipped while its inflight count is at the per-user cap or while the head of
// its ready list carries a not_before in the future (retry backoff).
var reserveScript = redis.NewScript(`
local users = redis.call("SMEMBERS", KEYS[1])
if #users == 0 then
  return {}
end
table.sort(users)
local n = #users
local cursor = redis.call("GET", KEYS[4])
local start = 1
if cursor then
  local found = false
  for i = 1, n do
    if users[i] > cursor then
      start = i
      found = true
      break
    end
  end
  if not found then start = 1 end
end

local res = {}
local max = tonumber(ARGV[4])
local now = tonumber(ARGV[5])
local gcap = tonumber(ARGV[7])
local ucap = tonumber(ARGV[8])

while #res / 3 < max do
  local g = tonumber(redis.call("HGET", KEYS[3], "global") or "0")
  if g >= gcap then break end
  local served = false
  for off = 0, n - 1 do
    local pos = ((start - 1 + off) % n) + 1
    local u = users[pos]
    if u then
      local rk = ARGV[1] .. u
      local tid = redis.call("LINDEX", rk, 0)
      if not tid then
        redis.call("SREM", KEYS[1], u)
        users[pos] = false
      else
        local uc = tonumber(redis.call("HGET", KEYS[3], "user:" .. u) or "0")
        if uc < ucap then
          local item = ARGV[2] .. tid
          local nb = tonumber(redis.call("HGET", item, "not_before") or "0")
          if nb <= now then
            redis.call("LPOP", rk)
            if redis.call("LLEN", rk) == 0 then
              redis.call("SREM", KEYS[1], u)
              users[pos] = false
            end
            local rc = redis.call("HGET", item, "retry_count") or "0"
            redis.call("HSET", item, "worker_id", ARGV[3], "deadline", ARGV[6])
            redis.call("HSET", KEYS[2], tid, ARGV[6])
            redis.call("HINCRBY", KEYS[3], "global", 1)
            redis.call("HINCRBY", KEYS[3], "user:" .. u, 1)
            redis.call("SET", KEYS[4], u)
            res[#res + 1] = tid
            res[#res + 1] = u
            res[#res + 1] = rc
            start = pos + 1
            if start > n then start = 1 end
            served = true
            break
          end
        end
      end
    end
  end
  if not served then break end
end
return res
`)

// renewScript
// KEYS: inflight
// ARGV: itemPrefix, taskID, workerID, deadlineMillis
// Returns 1 on success, 0 when the lease is no longer owned by the caller.
var renewScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[2]) == 0 then
  return 0
end
local item = ARGV[1] .. ARGV[2]
if redis.call("HGET", item, "worker_id") ~= ARGV[3] then
  return 0
end
redis.call("HSET", item, "deadline", ARGV[4])
redis.call("HSET", KEYS[1], ARGV[2], ARGV[4])
return 1
`)

// ackScript
// KEYS: inflight, counts
// ARGV: itemPrefix, taskID, workerID
// Returns 1 on success, 0 when the lease is no longer owned by the caller.
var ackScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[1], ARGV[2]) == 0 then
  return 0
end
local item = ARGV[1] .. ARGV[2]
if redis.call("HGET", item, "worker_id") ~= ARGV[3] then
  return 0
end
local u = redis.call("HGET", item, "user_id")
redis.call("HDEL", KEYS[1], ARGV[2])
redis.call("DEL", item)
redis.call("HINCRBY", KEYS[2], "global", -1)
redis.call("HINCRBY", KEYS[2], "user:" .. u, -1)
return 1
`)

// nackScript
// KEYS: users_ready, inflight, counts
// ARGV: readyPrefix, itemPrefix, taskID, workerID, retryable, maxRetries, nowMillis, baseMillis, capMillis
// Returns {-1} when the lease is lost, {1, retryCount} when re-enqueued, and
// {0, retryCount} when the retry budget is exhausted or the failure is
// permanent (the caller then owns the terminal write).
var nackScript = redis.NewScript(`
if redis.call("HEXISTS", KEYS[2], ARGV[3]) == 0 then
  return {-1}
end
local item = ARGV[2] .. ARGV[3]
if redis.call("HGET", item, "worker_id") ~= ARGV[4] then
  return {-1}
end
local u = redis.call("HGET", item, "user_id")
redis.call("HDEL", KEYS[2], ARGV[3])
redis.call("HINCRBY", KEYS[3], "global", -1)
redis.call("HINCRBY", KEYS[3], "user:" .. u, -1)
local rc = tonumber(redis.call("HGET", item, "retry_count") or "0")
if ARGV[5] == "1" and rc < tonumber(ARGV[6]) then
  rc = rc + 1
  local backoff = tonumber(ARGV[8]) * 2 ^ (rc - 1)
  local cap = tonumber(ARGV[9])
  if backoff > cap then backoff = cap end
  redis.call("HSET", item,
    "retry_count", tostring(rc),
    "worker_id", "",
    "enqueued_at", ARGV[7],
    "not_before", string.format("%.0f", tonumber(ARGV[7]) + backoff))
  redis.call("RPUSH", ARGV[1] .. u, ARGV[3])
  redis.call("SADD", KEYS[1], u)
  return {1, rc}
end
redis.call("DEL", item)
return {0, rc}
`)

// removeScript
// KEYS: users_ready, inflight, counts
// ARGV: readyPrefix, itemPrefix, taskID
// Removes the task wherever it lives; missing tasks are a no-op (returns 0).
var removeScript = redis.NewScript(`
local item = ARGV[2] .. ARGV[3]
if redis.call("EXISTS", item) == 0 then
  return 0
end
local u = redis.call("HGET", item, "user_id")
if redis.call("HEXISTS", KEYS[2], ARGV[3]) == 1 then
  redis.call("HDEL", KEYS[2], ARGV[3])
  redis.call("HINCRBY", KEYS[3], "global", -1)
  redis.call("HINCRBY", KEYS[3], "user:" .. u, -1)
else
  redis.call("LREM", ARGV[1] .. u, 0, ARGV[3])
  if redis.call("LLEN", ARGV[1] .. u) == 0 then
    redis.call("SREM", KEYS[1], u)
  end
end
redis.call("DEL", item)
return 1
`)

// reclaimScript
// KEYS: users_ready, inflight, counts
// ARGV: readyPrefix, itemPrefix, nowMillis, maxRetries, baseMillis, capMillis
// Applies nack(retryable=true) semantics to every expired lease. Returns a
// flat array of (taskID, requeuedFlag) pairs; requeuedFlag "0" means the
// retry budget is exhausted and the caller owns the terminal failed write.
// Reclaimed tasks go to the tail of their user's ready list.
var reclaimScript = redis.NewScript(`
local out = {}
local entries = redis.call("HGETALL", KEYS[2])
local now = tonumber(ARGV[3])
for i = 1, #entries, 2 do
  local tid = entries[i]
  local dl = tonumber(entries[i + 1])
  if dl and dl < now then
    local item = ARGV[2] .. tid
    local u = redis.call("HGET", item, "user_id")
    redis.call("HDEL", KEYS[2], tid)
    redis.call("HINCRBY", KEYS[3], "global", -1)
    redis.call("HINCRBY", KEYS[3], "user:" .. u, -1)
    local rc = tonumber(redis.call("HGET", item, "retry_count") or "0")
    if rc < tonumber(ARGV[4]) then
      rc = rc + 1
      local backoff = tonumber(ARGV[5]) * 2 ^ (rc - 1)
      local cap = tonumber(ARGV[6])
      if backoff > cap then backoff = cap end
      redis.call("HSET", item,
        "retry_count", tostring(rc),
        "worker_id", "",
        "enqueued_at", ARGV[3],
        "not_before", string.format("%.0f", now + backoff))
      redis.call("RPUSH", ARGV[1] .. u, tid)
      redis.call("SADD", KEYS[1], u)
      out[#out + 1] = tid
      out[#out + 1] = "1"
    else
      redis.call("DEL", item)
      out[#out + 1] = tid
      out[#out + 1] = "0"
    end
  end
end
return out
`)
