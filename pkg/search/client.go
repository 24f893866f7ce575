package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

const clientPrefix = "search:client"

// Client mutates search index documents. Implementations must be
// replay-idempotent: applying the same operation twice converges on the
// same document state.
type Client interface {
	Upsert(ctx context.Context, index, docID string, patch map[string]interface{}) error
	Delete(ctx context.Context, index, docID string) error
	SetDeleted(ctx context.Context, index, docID string, deleted bool) error
	CascadeDeleted(ctx context.Context, index, refField, refID string, deleted bool) (int, error)
	PropagateIfAbsent(ctx context.Context, index, docID, field string, value interface{}) (bool, error)
	UpdateRefIfMatches(ctx context.Context, index, field, refID string, ref map[string]interface{}) (int, error)
	RemoveRefIfMatches(ctx context.Context, index, field, refID string) (int, error)
	RemoveTagChildren(ctx context.Context, index, tagFQN string) (int, error)
	Document(ctx context.Context, index, docID string) (map[string]interface{}, bool, error)
	DocumentIDs(ctx context.Context, index string) ([]string, error)
}

// RedisClient stores one JSON document per doc id under
// "search:<index>:<docId>" plus a per-index id set, and mutates them only
// through the Lua scripts in scripts.go.
type RedisClient struct {
	rdb redis.Scripter
}

func NewRedisClient(rdb redis.Scripter) *RedisClient {
	return &RedisClient{rdb: rdb}
}

func docKey(index, docID string) string { return "search:" + index + ":" + docID }
func docKeyPrefix(index string) string  { return "search:" + index + ":" }
func idSetKey(index string) string      { return "search:" + index + ":ids" }

func (c *RedisClient) Upsert(ctx context.Context, index, docID string, patch map[string]interface{}) error {
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("%s - marshal patch for %s/%s: %w", clientPrefix, index, docID, err)
	}
	if err := mergeUpdate.Run(ctx, c.rdb, []string{docKey(index, docID), idSetKey(index)}, string(raw), docID).Err(); err != nil {
		return fmt.Errorf("%s - upsert %s/%s: %w", clientPrefix, index, docID, err)
	}
	return nil
}

func (c *RedisClient) Delete(ctx context.Context, index, docID string) error {
	if err := deleteDoc.Run(ctx, c.rdb, []string{docKey(index, docID), idSetKey(index)}, docID).Err(); err != nil {
		return fmt.Errorf("%s - delete %s/%s: %w", clientPrefix, index, docID, err)
	}
	return nil
}

func (c *RedisClient) SetDeleted(ctx context.Context, index, docID string, deleted bool) error {
	if err := setDeletedFlag.Run(ctx, c.rdb, []string{docKey(index, docID)}, boolArg(deleted)).Err(); err != nil {
		return fmt.Errorf("%s - set deleted on %s/%s: %w", clientPrefix, index, docID, err)
	}
	return nil
}

func (c *RedisClient) CascadeDeleted(ctx context.Context, index, refField, refID string, deleted bool) (int, error) {
	n, err := cascadeDeletedFlag.Run(ctx, c.rdb, []string{idSetKey(index)}, docKeyPrefix(index), refField, refID, boolArg(deleted)).Int()
	if err != nil {
		return 0, fmt.Errorf("%s - cascade deleted over %s by %s=%s: %w", clientPrefix, index, refField, refID, err)
	}
	return n, nil
}

func (c *RedisClient) PropagateIfAbsent(ctx context.Context, index, docID, field string, value interface{}) (bool, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return false, fmt.Errorf("%s - marshal propagated value: %w", clientPrefix, err)
	}
	n, err := propagateIfAbsent.Run(ctx, c.rdb, []string{docKey(index, docID)}, field, string(raw)).Int()
	if err != nil {
		return false, fmt.Errorf("%s - propagate %s to %s/%s: %w", clientPrefix, field, index, docID, err)
	}
	return n == 1, nil
}

func (c *RedisClient) UpdateRefIfMatches(ctx context.Context, index, field, refID string, ref map[string]interface{}) (int, error) {
	raw, err := json.Marshal(ref)
	if err != nil {
		return 0, fmt.Errorf("%s - marshal replacement ref: %w", clientPrefix, err)
	}
	n, err := updateRefIfMatches.Run(ctx, c.rdb, []string{idSetKey(index)}, docKeyPrefix(index), field, refID, string(raw)).Int()
	if err != nil {
		return 0, fmt.Errorf("%s - update ref %s over %s: %w", clientPrefix, field, index, err)
	}
	return n, nil
}

func (c *RedisClient) RemoveRefIfMatches(ctx context.Context, index, field, refID string) (int, error) {
	n, err := removeRefIfMatches.Run(ctx, c.rdb, []string{idSetKey(index)}, docKeyPrefix(index), field, refID).Int()
	if err != nil {
		return 0, fmt.Errorf("%s - remove ref %s over %s: %w", clientPrefix, field, index, err)
	}
	return n, nil
}

func (c *RedisClient) RemoveTagChildren(ctx context.Context, index, tagFQN string) (int, error) {
	n, err := removeTagChildren.Run(ctx, c.rdb, []string{idSetKey(index)}, docKeyPrefix(index), tagFQN).Int()
	if err != nil {
		return 0, fmt.Errorf("%s - remove tag %s over %s: %w", clientPrefix, tagFQN, index, err)
	}
	return n, nil
}

func (c *RedisClient) Document(ctx context.Context, index, docID string) (map[string]interface{}, bool, error) {
	rdb, ok := c.rdb.(redis.Cmdable)
	if !ok {
		return nil, false, fmt.Errorf("%s - backend does not support reads", clientPrefix)
	}
	raw, err := rdb.Get(ctx, docKey(index, docID)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%s - get %s/%s: %w", clientPrefix, index, docID, err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return nil, false, fmt.Errorf("%s - decode %s/%s: %w", clientPrefix, index, docID, err)
	}
	return doc, true, nil
}

func (c *RedisClient) DocumentIDs(ctx context.Context, index string) ([]string, error) {
	rdb, ok := c.rdb.(redis.Cmdable)
	if !ok {
		return nil, fmt.Errorf("%s - backend does not support reads", clientPrefix)
	}
	ids, err := rdb.SMembers(ctx, idSetKey(index)).Result()
	if err != nil {
		return nil, fmt.Errorf("%s - list ids for %s: %w", clientPrefix, index, err)
	}
	sort.Strings(ids)
	return ids, nil
}

func boolArg(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
