package redis

const (
	// upsertSessionScript atomically writes a session and maintains its
	// indexes. Writing an active session closes any different active session
	// already holding the (subject, bucket) pointer, so at most one session
	// per pair is active. The invariant is enforced here, at write time.
	upsertSessionScript = `
local session_key = KEYS[1]   -- focus:session:{sessionID}
local active_set = KEYS[2]    -- focus:sessions:active
local active_ptr = KEYS[3]    -- focus:active:{subjectKey}:{bucketKey}
local day_set = KEYS[4]       -- focus:sessions:day:{bucketKey}
local subject_set = KEYS[5]   -- focus:sessions:subject:{subjectKey}
local subjects_set = KEYS[6]  -- focus:subjects

local session_id = ARGV[1]
local subject_key = ARGV[2]
local bucket_key = ARGV[3]
local device_id = ARGV[4]
local started_at = ARGV[5]
local last_updated = ARGV[6]
local accumulated_seconds = ARGV[7]
local status = ARGV[8]
local prefix = ARGV[9]
local retention_seconds = tonumber(ARGV[10])

-- Close-before-write: a different active session under the same pointer is
-- completed before this write lands.
if status == 'active' then
  local current = redis.call('GET', active_ptr)
  if current and current ~= session_id then
    local current_key = prefix .. 'session:' .. current
    redis.call('HSET', current_key, 'status', 'completed')
    redis.call('SREM', active_set, current)
    redis.call('EXPIRE', current_key, retention_seconds)
  end
  redis.call('SET', active_ptr, session_id)
  redis.call('SADD', active_set, session_id)
  redis.call('PERSIST', session_key)
else
  local current = redis.call('GET', active_ptr)
  if current == session_id then
    redis.call('DEL', active_ptr)
  end
  redis.call('SREM', active_set, session_id)
end

-- Re-keying moves the session between day buckets (migration path).
local old_bucket = redis.call('HGET', session_key, 'bucket_key')
if old_bucket and old_bucket ~= bucket_key then
  redis.call('SREM', prefix .. 'sessions:day:' .. old_bucket, session_id)
  local old_ptr = prefix .. 'active:' .. subject_key .. ':' .. old_bucket
  if redis.call('GET', old_ptr) == session_id then
    redis.call('DEL', old_ptr)
  end
end

redis.call('HSET', session_key,
  'id', session_id,
  'subject_key', subject_key,
  'bucket_key', bucket_key,
  'device_id', device_id,
  'started_at', started_at,
  'last_updated', last_updated,
  'accumulated_seconds', accumulated_seconds,
  'status', status
)

redis.call('SADD', day_set, session_id)
redis.call('SADD', subject_set, session_id)
redis.call('SADD', subjects_set, subject_key)

if status ~= 'active' then
  redis.call('EXPIRE', session_key, retention_seconds)
end

return 'OK'
`

	// acquireLeaseScript grants the lease when it is free, expired, or held
	// by the requesting device. Returns {granted, previous_holder}.
	acquireLeaseScript = `
local lease_key = KEYS[1]     -- focus:lease:{subjectKey}

local subject_key = ARGV[1]
local device_id = ARGV[2]
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local holder = redis.call('HGET', lease_key, 'device_id')
local expires_ms = tonumber(redis.call('HGET', lease_key, 'expires_at_ms') or '0')

if holder and holder ~= device_id and expires_ms > now_ms then
  return {0, holder, tostring(expires_ms)}
end

local previous = holder or ''
if previous == device_id then
  previous = ''
end

redis.call('HSET', lease_key,
  'subject_key', subject_key,
  'device_id', device_id,
  'acquired_at_ms', tostring(now_ms),
  'expires_at_ms', tostring(now_ms + ttl_ms)
)
redis.call('PEXPIRE', lease_key, ttl_ms)

return {1, previous, ''}
`

	// renewLeaseScript extends a live lease, holder only.
	renewLeaseScript = `
local lease_key = KEYS[1]

local device_id = ARGV[1]
local now_ms = tonumber(ARGV[2])
local ttl_ms = tonumber(ARGV[3])

local holder = redis.call('HGET', lease_key, 'device_id')
if not holder or holder ~= device_id then
  return 0
end

local expires_ms = tonumber(redis.call('HGET', lease_key, 'expires_at_ms') or '0')
if expires_ms <= now_ms then
  return 0
end

redis.call('HSET', lease_key, 'expires_at_ms', tostring(now_ms + ttl_ms))
redis.call('PEXPIRE', lease_key, ttl_ms)

return 1
`

	// releaseLeaseScript deletes the lease, holder only.
	releaseLeaseScript = `
local lease_key = KEYS[1]

local device_id = ARGV[1]

local holder = redis.call('HGET', lease_key, 'device_id')
if not holder or holder ~= device_id then
  return 0
end

redis.call('DEL', lease_key)
return 1
`

	// takeLeaseScript force-acquires regardless of the current holder
	// (explicit user takeover). Returns the displaced holder.
	takeLeaseScript = `
local lease_key = KEYS[1]

local subject_key = ARGV[1]
local device_id = ARGV[2]
local now_ms = tonumber(ARGV[3])
local ttl_ms = tonumber(ARGV[4])

local previous = redis.call('HGET', lease_key, 'device_id') or ''
if previous == device_id then
  previous = ''
end

redis.call('HSET', lease_key,
  'subject_key', subject_key,
  'device_id', device_id,
  'acquired_at_ms', tostring(now_ms),
  'expires_at_ms', tostring(now_ms + ttl_ms)
)
redis.call('PEXPIRE', lease_key, ttl_ms)

return previous
`

	// incrementDailyTotalScript atomically increments or creates a daily total.
	incrementDailyTotalScript = `
local total_key = KEYS[1]     -- focus:total:{bucketKey}:{subjectKey}
local index_key = KEYS[2]     -- focus:total:index:{bucketKey}

local bucket_key = ARGV[1]
local subject_key = ARGV[2]
local seconds = tonumber(ARGV[3])
local retention_seconds = tonumber(ARGV[4])

local exists = redis.call('EXISTS', total_key)

if exists == 0 then
  redis.call('HSET', total_key,
    'bucket_key', bucket_key,
    'subject_key', subject_key,
    'total_seconds', seconds
  )
  redis.call('EXPIRE', total_key, retention_seconds)

  redis.call('SADD', index_key, subject_key)
  redis.call('EXPIRE', index_key, retention_seconds)
else
  redis.call('HINCRBY', total_key, 'total_seconds', seconds)
end

return 'OK'
`
)
