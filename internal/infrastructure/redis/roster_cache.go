package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"portal-realtime/internal/domain"

	"github.com/go-redis/redis/v8"
)

const (
	onlineKey      = "presence:online"
	connectionsKey = "presence:conns"
	heartbeatKey   = "presence:heartbeat"
)

// RedisRosterCache shares the roster between server instances. Entries live
// in a hash, per-user connection counts in a second hash, and heartbeats in a
// sorted set scored by unix milliseconds.
type RedisRosterCache struct {
	client *redis.Client
}

func NewRedisRosterCache(client *redis.Client) *RedisRosterCache {
	return &RedisRosterCache{client: client}
}

func (r *RedisRosterCache) AddConnection(ctx context.Context, entry domain.RosterEntry) (int, error) {
	luaScript := `
        local count = redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
        if count == 1 then
            redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
        elseif redis.call('HEXISTS', KEYS[1], ARGV[1]) == 0 then
            redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
        end
        return count
    `

	entryData, err := json.Marshal(entry)
	if err != nil {
		return 0, err
	}

	result, err := r.client.Eval(ctx, luaScript, []string{onlineKey, connectionsKey},
		entry.UserID, string(entryData)).Result()
	if err != nil {
		return 0, err
	}
	return int(result.(int64)), nil
}

func (r *RedisRosterCache) RemoveConnection(ctx context.Context, userID string, staleBefore time.Time) (bool, error) {
	luaScript := `
        local count = redis.call('HINCRBY', KEYS[2], ARGV[1], -1)
        if count > 0 then
            return 0
        end
        local heartbeat = redis.call('ZSCORE', KEYS[3], ARGV[1])
        if heartbeat and tonumber(heartbeat) > tonumber(ARGV[2]) then
            redis.call('HSET', KEYS[2], ARGV[1], 0)
            return 0
        end
        redis.call('HDEL', KEYS[2], ARGV[1])
        redis.call('ZREM', KEYS[3], ARGV[1])
        return redis.call('HDEL', KEYS[1], ARGV[1])
    `

	result, err := r.client.Eval(ctx, luaScript, []string{onlineKey, connectionsKey, heartbeatKey},
		userID, strconv.FormatInt(staleBefore.UnixMilli(), 10)).Result()
	if err != nil {
		return false, err
	}
	return result.(int64) == 1, nil
}

func (r *RedisRosterCache) Touch(ctx context.Context, userID string, at time.Time) error {
	luaScript := `
        if redis.call('HEXISTS', KEYS[1], ARGV[1]) == 1 then
            return redis.call('ZADD', KEYS[2], ARGV[2], ARGV[1])
        end
        return 0
    `

	return r.client.Eval(ctx, luaScript, []string{onlineKey, heartbeatKey},
		userID, strconv.FormatInt(at.UnixMilli(), 10)).Err()
}

func (r *RedisRosterCache) Snapshot(ctx context.Context) (domain.RosterSnapshot, error) {
	result, err := r.client.HGetAll(ctx, onlineKey).Result()
	if err != nil {
		return nil, err
	}

	snapshot := make(domain.RosterSnapshot, 0, len(result))
	for userID, raw := range result {
		var entry domain.RosterEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			return nil, fmt.Errorf("decode roster entry %s: %w", userID, err)
		}
		snapshot = append(snapshot, entry)
	}

	sort.Slice(snapshot, func(i, j int) bool {
		if snapshot[i].JoinedAt.Equal(snapshot[j].JoinedAt) {
			return snapshot[i].UserID < snapshot[j].UserID
		}
		return snapshot[i].JoinedAt.Before(snapshot[j].JoinedAt)
	})
	return snapshot, nil
}

func (r *RedisRosterCache) Sweep(ctx context.Context, before time.Time) ([]string, error) {
	luaScript := `
        local removed = {}
        local users = redis.call('HKEYS', KEYS[1])
        for _, user in ipairs(users) do
            local count = tonumber(redis.call('HGET', KEYS[2], user) or "0")
            local heartbeat = redis.call('ZSCORE', KEYS[3], user)
            if count <= 0 and (not heartbeat or tonumber(heartbeat) <= tonumber(ARGV[1])) then
                redis.call('HDEL', KEYS[1], user)
                redis.call('HDEL', KEYS[2], user)
                redis.call('ZREM', KEYS[3], user)
                table.insert(removed, user)
            end
        end
        return removed
    `

	result, err := r.client.Eval(ctx, luaScript, []string{onlineKey, connectionsKey, heartbeatKey},
		strconv.FormatInt(before.UnixMilli(), 10)).Result()
	if err != nil {
		return nil, err
	}

	items, _ := result.([]interface{})
	removed := make([]string, 0, len(items))
	for _, item := range items {
		if userID, ok := item.(string); ok {
			removed = append(removed, userID)
		}
	}
	sort.Strings(removed)
	return removed, nil
}
