package redis

import (
	"strconv"

	goredis "github.com/redis/go-redis/v9"

	"github.com/olivere/mongoqueue"
)

// findAndModify picks the first job in the queue matching a filter, then
// either updates or deletes it. It returns the job as a flat list of hash
// fields and values (after an update, before a delete), or nil if no job
// matched.
//
// KEYS[1] is the queue; ARGV[1] is the prefix of job keys, ARGV[2] is "1"
// to delete, ARGV[3] is the filter and ARGV[4] the update, both as JSON.
var findAndModify = goredis.NewScript(`
local queue = KEYS[1]
local prefix = ARGV[1]
local remove = ARGV[2] == "1"
local f = cjson.decode(ARGV[3])
local u = cjson.decode(ARGV[4])

local function load(id)
  local vals = redis.call("HGETALL", prefix .. id)
  if #vals == 0 then
    return nil
  end
  local job = {}
  for i = 1, #vals, 2 do
    job[vals[i]] = vals[i + 1]
  end
  return job
end

local function match(job)
  local attempts = tonumber(job.attempts) or 0
  local locked = job.locked_by ~= nil and job.locked_by ~= ""
  if f.lock == 1 and locked then return false end
  if f.lock == 2 and not locked then return false end
  if f.locked_by ~= "" and job.locked_by ~= f.locked_by then return false end
  if f.max_attempts > 0 and attempts >= f.max_attempts then return false end
  if f.min_attempts > 0 and attempts < f.min_attempts then return false end
  if f.locked_before ~= "" then
    local at = tonumber(job.locked_at)
    if at == nil or at >= tonumber(f.locked_before) then return false end
  end
  return true
end

local job
if f.id ~= "" then
  job = load(f.id)
  if job == nil or not match(job) then
    return false
  end
else
  local start = 0
  while job == nil do
    local members = redis.call("ZRANGE", queue, start, start + 99)
    if #members == 0 then
      return false
    end
    for _, member in ipairs(members) do
      local candidate = load(string.sub(member, 18))
      if candidate ~= nil and match(candidate) then
        job = candidate
        break
      end
    end
    start = start + 100
  end
end

if remove then
  redis.call("DEL", prefix .. job.id)
  redis.call("ZREM", queue, job.member)
else
  if u.locked_by ~= "" then
    job.locked_by = u.locked_by
    job.locked_at = u.locked_at
  end
  if u.unlock then
    job.locked_by = ""
    job.locked_at = ""
  end
  if u.inc_attempts then
    job.attempts = tostring((tonumber(job.attempts) or 0) + 1)
  end
  if u.set_last_error then
    job.last_error = u.last_error
  end
  redis.call("HSET", prefix .. job.id,
    "locked_by", job.locked_by or "",
    "locked_at", job.locked_at or "",
    "attempts", job.attempts or "0",
    "last_error", job.last_error or "")
end

local out = {}
for k, v in pairs(job) do
  table.insert(out, k)
  table.insert(out, v)
end
return out
`)

// scriptFilter is the filter as passed to findAndModify.
type scriptFilter struct {
	ID           string `json:"id"`
	Lock         int    `json:"lock"`
	LockedBy     string `json:"locked_by"`
	MaxAttempts  int    `json:"max_attempts"`
	MinAttempts  int    `json:"min_attempts"`
	LockedBefore string `json:"locked_before"`
}

func newScriptFilter(f mongoqueue.Filter) scriptFilter {
	sf := scriptFilter{
		ID:          f.ID,
		Lock:        int(f.Lock),
		LockedBy:    f.LockedBy,
		MaxAttempts: f.MaxAttempts,
		MinAttempts: f.MinAttempts,
	}
	if !f.LockedBefore.IsZero() {
		sf.LockedBefore = strconv.FormatInt(f.LockedBefore.UnixMilli(), 10)
	}
	return sf
}

// scriptUpdate is the update as passed to findAndModify. Times are passed
// as strings so they are stored verbatim.
type scriptUpdate struct {
	LockedBy     string `json:"locked_by"`
	LockedAt     string `json:"locked_at"`
	Unlock       bool   `json:"unlock"`
	IncAttempts  bool   `json:"inc_attempts"`
	SetLastError bool   `json:"set_last_error"`
	LastError    string `json:"last_error"`
}

func newScriptUpdate(u mongoqueue.Update) scriptUpdate {
	su := scriptUpdate{
		LockedBy:    u.LockedBy,
		Unlock:      u.Unlock,
		IncAttempts: u.IncAttempts,
	}
	if u.LockedBy != "" {
		su.LockedAt = strconv.FormatInt(u.LockedAt.UnixMilli(), 10)
	}
	if u.LastError != nil {
		su.SetLastError = true
		su.LastError = *u.LastError
	}
	return su
}
