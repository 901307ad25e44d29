package catalog

import (
	"strings"

	"github.com/redis/go-redis/v9"
)

// Atomic catalog transitions
//
// Each transition runs as a single server-side Lua script, which gives
// it the isolation of a serializable transaction: Redis executes
// scripts one at a time, so concurrent callers racing on the same
// formation either serialize or observe a conflict error reply.
// Conflict conditions are returned as error replies with stable codes
// (NOT_OWNER, ALREADY_PUBLISHED, ...) that the client maps onto the
// sentinel errors in types.go.
//
// Keys are derived inside the scripts from the namespace prefix in
// ARGV[1]. That rules out Redis Cluster deployments, which is fine:
// the catalog targets a single Redis server, the same deployment shape
// the rest of the system assumes.

// claimScript atomically claims a name (creating the formation if it
// does not exist) and inserts a version row in publishing status.
//
// ARGV: prefix, name, newFormationID, ownerID, version, nowMs,
// nearDupKey, description, type, license, repository, sha256, size,
// manifest, readme, agentCount, isPrerelease.
//
// Returns {formationID, isNew, tarballPath}. Never touches
// latest_version.
var claimScript = redis.NewScript(`
local prefix = ARGV[1]
local name = ARGV[2]
local owner = ARGV[4]
local version = ARGV[5]
local now = ARGV[6]

local nameKey = prefix .. ":name:" .. name
local fid = redis.call("GET", nameKey)
local isNew = 0

if fid then
	local fkey = prefix .. ":formation:" .. fid
	if redis.call("HGET", fkey, "deleted_at_ms") ~= "0" then
		return redis.error_reply("FORMATION_DELETED")
	end
	if redis.call("HGET", fkey, "owner_id") ~= owner then
		return redis.error_reply("NOT_OWNER")
	end
	local status = redis.call("HGET", prefix .. ":version:" .. fid .. ":" .. version, "status")
	if status == "publishing" or status == "published" then
		return redis.error_reply("ALREADY_PUBLISHED")
	end
else
	local dupKey = prefix .. ":namekey:" .. ARGV[7]
	local existing = redis.call("GET", dupKey)
	if existing and existing ~= name then
		return redis.error_reply("NAME_CONFLICT")
	end
	fid = ARGV[3]
	isNew = 1
	redis.call("HSET", prefix .. ":formation:" .. fid,
		"id", fid,
		"name", name,
		"owner_id", owner,
		"description", ARGV[8],
		"type", ARGV[9],
		"license", ARGV[10],
		"repository", ARGV[11],
		"latest_version", "",
		"total_downloads", "0",
		"created_at_ms", now,
		"updated_at_ms", now,
		"deleted_at_ms", "0")
	redis.call("SET", nameKey, fid)
	redis.call("SET", dupKey, name)
end

local path = "formations/" .. fid .. "/" .. version .. ".tar.gz"
local vkey = prefix .. ":version:" .. fid .. ":" .. version
redis.call("DEL", vkey)
redis.call("HSET", vkey,
	"version", version,
	"status", "publishing",
	"tarball_sha256", ARGV[12],
	"tarball_size", ARGV[13],
	"tarball_path", path,
	"manifest", ARGV[14],
	"readme", ARGV[15],
	"agent_count", ARGV[16],
	"is_prerelease", ARGV[17],
	"created_at_ms", now,
	"published_at_ms", "0")
redis.call("SADD", prefix .. ":versions:" .. fid, version)
return {fid, isNew, path}
`)

// finalizeScript atomically promotes a publishing version to published
// and, when the caller computed that it becomes the new latest,
// updates the formation's latest pointer and denormalized metadata.
//
// Optimistic concurrency: the caller supplies the published-version
// count it observed when computing latest (with the target counted as
// published). The script recounts inside the transaction; a mismatch
// means another publish or unpublish landed in between, and the script
// fails with CONCURRENT_MODIFY without mutating anything.
//
// ARGV: prefix, formationID, version, latest, isNewLatest,
// expectedCount, nowMs, description, type, license, repository.
var finalizeScript = redis.NewScript(`
local prefix = ARGV[1]
local fid = ARGV[2]
local version = ARGV[3]
local expected = tonumber(ARGV[6])
local now = ARGV[7]

local vkey = prefix .. ":version:" .. fid .. ":" .. version
if redis.call("HGET", vkey, "status") ~= "publishing" then
	return redis.error_reply("VERSION_NOT_FOUND")
end

local count = 0
for _, v in ipairs(redis.call("SMEMBERS", prefix .. ":versions:" .. fid)) do
	if v == version or redis.call("HGET", prefix .. ":version:" .. fid .. ":" .. v, "status") == "published" then
		count = count + 1
	end
end
if count ~= expected then
	return redis.error_reply("CONCURRENT_MODIFY")
end

redis.call("HSET", vkey, "status", "published", "published_at_ms", now)
local fkey = prefix .. ":formation:" .. fid
if ARGV[5] == "1" then
	redis.call("HSET", fkey,
		"latest_version", ARGV[4],
		"description", ARGV[8],
		"type", ARGV[9],
		"license", ARGV[10],
		"repository", ARGV[11],
		"updated_at_ms", now)
else
	redis.call("HSET", fkey, "updated_at_ms", now)
end
return redis.status_reply("OK")
`)

// unpublishScript atomically removes a published version, updates or
// clears the latest pointer, and tombstones the formation when no
// published versions remain. Same optimistic-concurrency contract as
// finalize, keyed on the current published-version count (including
// the target).
//
// ARGV: prefix, formationID, version, newLatest, expectedCount, nowMs,
// description, type, license, repository.
//
// Returns the removed version's tarball path for the caller to delete.
var unpublishScript = redis.NewScript(`
local prefix = ARGV[1]
local fid = ARGV[2]
local version = ARGV[3]
local newLatest = ARGV[4]
local expected = tonumber(ARGV[5])
local now = ARGV[6]

local vkey = prefix .. ":version:" .. fid .. ":" .. version
if redis.call("HGET", vkey, "status") ~= "published" then
	return redis.error_reply("VERSION_NOT_FOUND")
end

local setKey = prefix .. ":versions:" .. fid
local count = 0
for _, v in ipairs(redis.call("SMEMBERS", setKey)) do
	if redis.call("HGET", prefix .. ":version:" .. fid .. ":" .. v, "status") == "published" then
		count = count + 1
	end
end
if count ~= expected then
	return redis.error_reply("CONCURRENT_MODIFY")
end

local path = redis.call("HGET", vkey, "tarball_path")
redis.call("DEL", vkey)
redis.call("SREM", setKey, version)

local fkey = prefix .. ":formation:" .. fid
if newLatest ~= "" then
	redis.call("HSET", fkey,
		"latest_version", newLatest,
		"description", ARGV[7],
		"type", ARGV[8],
		"license", ARGV[9],
		"repository", ARGV[10],
		"updated_at_ms", now)
else
	redis.call("HSET", fkey, "latest_version", "", "updated_at_ms", now)
	local remaining = 0
	for _, v in ipairs(redis.call("SMEMBERS", setKey)) do
		if redis.call("HGET", prefix .. ":version:" .. fid .. ":" .. v, "status") == "published" then
			remaining = remaining + 1
		end
	end
	if remaining == 0 then
		redis.call("HSET", fkey, "deleted_at_ms", now)
	end
end

if path then
	return path
end
return ""
`)

// promoteStaleScript forces a version still in publishing status older
// than the grace cutoff into failed status. These rows are orphans
// from orchestrator crashes between claim and finalize.
//
// ARGV: prefix, formationID, version, cutoffMs. Returns 1 if promoted.
var promoteStaleScript = redis.NewScript(`
local vkey = ARGV[1] .. ":version:" .. ARGV[2] .. ":" .. ARGV[3]
if redis.call("HGET", vkey, "status") ~= "publishing" then
	return 0
end
local created = tonumber(redis.call("HGET", vkey, "created_at_ms"))
if created and created < tonumber(ARGV[4]) then
	redis.call("HSET", vkey, "status", "failed")
	return 1
end
return 0
`)

// reapFailedScript removes a failed version older than the retention
// cutoff and tombstones the formation when no published versions
// remain.
//
// ARGV: prefix, formationID, version, cutoffMs, nowMs. Returns the
// removed version's tarball path, or nil when nothing was reaped.
var reapFailedScript = redis.NewScript(`
local prefix = ARGV[1]
local fid = ARGV[2]
local version = ARGV[3]

local vkey = prefix .. ":version:" .. fid .. ":" .. version
if redis.call("HGET", vkey, "status") ~= "failed" then
	return false
end
local created = tonumber(redis.call("HGET", vkey, "created_at_ms"))
if not created or created >= tonumber(ARGV[4]) then
	return false
end

local path = redis.call("HGET", vkey, "tarball_path")
local setKey = prefix .. ":versions:" .. fid
redis.call("DEL", vkey)
redis.call("SREM", setKey, version)

local remaining = 0
for _, v in ipairs(redis.call("SMEMBERS", setKey)) do
	if redis.call("HGET", prefix .. ":version:" .. fid .. ":" .. v, "status") == "published" then
		remaining = remaining + 1
	end
end
local fkey = prefix .. ":formation:" .. fid
if remaining == 0 and redis.call("HGET", fkey, "deleted_at_ms") == "0" then
	redis.call("HSET", fkey, "deleted_at_ms", ARGV[5])
end

if path then
	return path
end
return ""
`)

// markFailedScript moves a publishing version to failed status. Used
// by publish compensation; a no-op for rows in any other status.
//
// ARGV: prefix, formationID, version. Returns 1 if marked.
var markFailedScript = redis.NewScript(`
local vkey = ARGV[1] .. ":version:" .. ARGV[2] .. ":" .. ARGV[3]
if redis.call("HGET", vkey, "status") == "publishing" then
	redis.call("HSET", vkey, "status", "failed")
	return 1
end
return 0
`)

// tombstoneScript tombstones a formation. Used by publish compensation
// when the failed publish created the formation.
//
// ARGV: prefix, formationID, nowMs. Returns 1 if tombstoned.
var tombstoneScript = redis.NewScript(`
local fkey = ARGV[1] .. ":formation:" .. ARGV[2]
if redis.call("EXISTS", fkey) == 1 then
	redis.call("HSET", fkey, "deleted_at_ms", ARGV[3], "updated_at_ms", ARGV[3])
	return 1
end
return 0
`)

// mapScriptError converts a transition script's error reply into the
// package's sentinel errors. Infrastructure errors pass through
// unchanged.
func mapScriptError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NOT_OWNER"):
		return ErrNotOwner
	case strings.Contains(msg, "ALREADY_PUBLISHED"):
		return ErrAlreadyPublished
	case strings.Contains(msg, "FORMATION_DELETED"):
		return ErrFormationDeleted
	case strings.Contains(msg, "NAME_CONFLICT"):
		return ErrNameConflict
	case strings.Contains(msg, "CONCURRENT_MODIFY"):
		return ErrConcurrentModify
	case strings.Contains(msg, "VERSION_NOT_FOUND"):
		return ErrVersionNotFound
	}
	return err
}
