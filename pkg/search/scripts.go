// Package search keeps Redis-backed search index documents in sync with the
// durable event log. All document mutation goes through named, parameterized
// Lua scripts so every operation is atomic and replay-idempotent.
package search

import "github.com/redis/go-redis/v9"

// Script names, as recorded on SCRIPT_UPDATE ops.
const (
	ScriptPropagateIfAbsent  = "propagate_if_absent"
	ScriptUpdateRefIfMatches = "update_ref_if_matches"
	ScriptRemoveRefIfMatches = "remove_ref_if_matches"
	ScriptRemoveTagChildren  = "remove_tag_children"
)

// mergeUpdate merges a JSON patch into the document, creating it when
// absent, and registers the doc id in the index id set.
// KEYS: doc key, id-set key. ARGV: patch JSON, doc id.
var mergeUpdate = redis.NewScript(`
local doc = {}
local raw = redis.call('GET', KEYS[1])
if raw then doc = cjson.decode(raw) end
local patch = cjson.decode(ARGV[1])
for k, v in pairs(patch) do doc[k] = v end
redis.call('SET', KEYS[1], cjson.encode(doc))
redis.call('SADD', KEYS[2], ARGV[2])
return 1
`)

// deleteDoc removes the document and drops its id from the index id set.
// KEYS: doc key, id-set key. ARGV: doc id.
var deleteDoc = redis.NewScript(`
redis.call('DEL', KEYS[1])
redis.call('SREM', KEYS[2], ARGV[1])
return 1
`)

// setDeletedFlag flips the deleted flag on one document. Replays converge:
// applying the same flag twice leaves the document unchanged.
// KEYS: doc key. ARGV: 'true' or 'false'.
var setDeletedFlag = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local doc = cjson.decode(raw)
doc['deleted'] = (ARGV[1] == 'true')
redis.call('SET', KEYS[1], cjson.encode(doc))
return 1
`)

// cascadeDeletedFlag flips the deleted flag on every document in the index
// whose embedded reference under a field matches a given id.
// KEYS: id-set key. ARGV: doc key prefix, ref field, ref id, flag.
var cascadeDeletedFlag = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local touched = 0
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	local raw = redis.call('GET', key)
	if raw then
		local doc = cjson.decode(raw)
		local ref = doc[ARGV[2]]
		if type(ref) == 'table' and ref['id'] == ARGV[3] then
			doc['deleted'] = (ARGV[4] == 'true')
			redis.call('SET', key, cjson.encode(doc))
			touched = touched + 1
		end
	end
end
return touched
`)

// propagateIfAbsent sets a field on one document only when the field is
// missing or empty. A value already present is never overwritten.
// KEYS: doc key. ARGV: field, value JSON.
var propagateIfAbsent = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
if not raw then return 0 end
local doc = cjson.decode(raw)
local cur = doc[ARGV[1]]
if cur == nil or cur == '' or cur == cjson.null then
	doc[ARGV[1]] = cjson.decode(ARGV[2])
	redis.call('SET', KEYS[1], cjson.encode(doc))
	return 1
end
return 0
`)

// updateRefIfMatches replaces an embedded reference across the index, but
// only on documents whose current reference id matches the expected id.
// KEYS: id-set key. ARGV: doc key prefix, ref field, expected ref id,
// replacement ref JSON.
var updateRefIfMatches = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local touched = 0
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	local raw = redis.call('GET', key)
	if raw then
		local doc = cjson.decode(raw)
		local ref = doc[ARGV[2]]
		if type(ref) == 'table' and ref['id'] == ARGV[3] then
			doc[ARGV[2]] = cjson.decode(ARGV[4])
			redis.call('SET', key, cjson.encode(doc))
			touched = touched + 1
		end
	end
end
return touched
`)

// removeRefIfMatches removes an embedded reference across the index on
// documents whose current reference id matches.
// KEYS: id-set key. ARGV: doc key prefix, ref field, expected ref id.
var removeRefIfMatches = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local touched = 0
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	local raw = redis.call('GET', key)
	if raw then
		local doc = cjson.decode(raw)
		local ref = doc[ARGV[2]]
		if type(ref) == 'table' and ref['id'] == ARGV[3] then
			doc[ARGV[2]] = nil
			redis.call('SET', key, cjson.encode(doc))
			touched = touched + 1
		end
	end
end
return touched
`)

// removeTagChildren strips tag entries matching a deleted tag FQN or any of
// its children from every document in the index. A document left with no
// tags loses the tags field entirely.
// KEYS: id-set key. ARGV: doc key prefix, tag FQN.
var removeTagChildren = redis.NewScript(`
local ids = redis.call('SMEMBERS', KEYS[1])
local prefix = ARGV[2]
local removed = 0
for _, id in ipairs(ids) do
	local key = ARGV[1] .. id
	local raw = redis.call('GET', key)
	if raw then
		local doc = cjson.decode(raw)
		local tags = doc['tags']
		if type(tags) == 'table' then
			local kept = {}
			local changed = false
			for _, tag in ipairs(tags) do
				local fqn = nil
				if type(tag) == 'table' then fqn = tag['tagFQN'] end
				if fqn == prefix or (fqn ~= nil and string.sub(fqn, 1, #prefix + 1) == prefix .. '.') then
					changed = true
					removed = removed + 1
				else
					kept[#kept + 1] = tag
				end
			end
			if changed then
				if #kept == 0 then doc['tags'] = nil else doc['tags'] = kept end
				redis.call('SET', key, cjson.encode(doc))
			end
		end
	end
end
return removed
`)
