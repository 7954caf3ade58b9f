package lock

import "github.com/redis/go-redis/v9"

// All acquire scripts return 1 when the lock was taken and 0 on contention.
// Release scripts return -1 when the caller is not a holder, 0 when the
// lock was fully released and a positive value while holds remain.

// KEYS[1] lock hash (holder -> hold count)
// ARGV[1] holder, ARGV[2] lease ms
var reentrantAcquire = redis.NewScript(`
if redis.call('exists', KEYS[1]) == 0 or redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[1], 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// KEYS[1] lock hash
// ARGV[1] holder, ARGV[2] lease ms
var reentrantRelease = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return -1
end
local n = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if n > 0 then
    redis.call('pexpire', KEYS[1], ARGV[2])
    return n
end
redis.call('del', KEYS[1])
return 0
`)

// KEYS[1] lock hash, KEYS[2] waiter queue (list), KEYS[3] waiter deadlines (zset)
// ARGV[1] holder, ARGV[2] lease ms, ARGV[3] now ms, ARGV[4] waiter deadline ms,
// ARGV[5] "1" to join the queue on contention, ARGV[6] queue key ttl ms
var fairAcquire = redis.NewScript(`
local holder = ARGV[1]
local now = tonumber(ARGV[3])

-- drop waiters at the head of the queue that gave up without dequeuing
while true do
    local head = redis.call('lindex', KEYS[2], 0)
    if not head then break end
    local score = redis.call('zscore', KEYS[3], head)
    if score and tonumber(score) >= now then break end
    redis.call('lpop', KEYS[2])
    redis.call('zrem', KEYS[3], head)
end

if redis.call('exists', KEYS[1]) == 0 then
    local head = redis.call('lindex', KEYS[2], 0)
    if not head or head == holder then
        if head then
            redis.call('lpop', KEYS[2])
            redis.call('zrem', KEYS[3], holder)
        end
        redis.call('hincrby', KEYS[1], holder, 1)
        redis.call('pexpire', KEYS[1], ARGV[2])
        return 1
    end
elseif redis.call('hexists', KEYS[1], holder) == 1 then
    redis.call('hincrby', KEYS[1], holder, 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end

if ARGV[5] == '1' then
    if not redis.call('zscore', KEYS[3], holder) then
        redis.call('rpush', KEYS[2], holder)
    end
    redis.call('zadd', KEYS[3], ARGV[4], holder)
    redis.call('pexpire', KEYS[2], ARGV[6])
    redis.call('pexpire', KEYS[3], ARGV[6])
end
return 0
`)

// KEYS[1] waiter queue, KEYS[2] waiter deadlines
// ARGV[1] holder
var fairDequeue = redis.NewScript(`
redis.call('lrem', KEYS[1], 0, ARGV[1])
redis.call('zrem', KEYS[2], ARGV[1])
return 0
`)

// KEYS[1] rw hash: field "mode" is "read" or "write", other fields are
// holder -> hold count
// ARGV[1] holder, ARGV[2] lease ms
var readAcquire = redis.NewScript(`
local mode = redis.call('hget', KEYS[1], 'mode')
if not mode then
    redis.call('hset', KEYS[1], 'mode', 'read')
    redis.call('hincrby', KEYS[1], ARGV[1], 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
if mode == 'read' or redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[1], 1)
    if redis.call('pttl', KEYS[1]) < tonumber(ARGV[2]) then
        redis.call('pexpire', KEYS[1], ARGV[2])
    end
    return 1
end
return 0
`)

// KEYS[1] rw hash
// ARGV[1] holder, ARGV[2] lease ms
var writeAcquire = redis.NewScript(`
local mode = redis.call('hget', KEYS[1], 'mode')
if not mode then
    redis.call('hset', KEYS[1], 'mode', 'write')
    redis.call('hincrby', KEYS[1], ARGV[1], 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
if mode == 'write' and redis.call('hexists', KEYS[1], ARGV[1]) == 1 then
    redis.call('hincrby', KEYS[1], ARGV[1], 1)
    redis.call('pexpire', KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// KEYS[1] rw hash
// ARGV[1] holder
var rwRelease = redis.NewScript(`
if redis.call('hexists', KEYS[1], ARGV[1]) == 0 then
    return -1
end
local n = redis.call('hincrby', KEYS[1], ARGV[1], -1)
if n <= 0 then
    redis.call('hdel', KEYS[1], ARGV[1])
end
if redis.call('hlen', KEYS[1]) <= 1 then
    redis.call('del', KEYS[1])
    return 0
end
return 1
`)
