package leader

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const DefaultKey = "presence_sweeper_leader"

type RedisLeaderElection struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu   sync.Mutex
	stop context.CancelFunc
}

func NewRedisLeaderElection(client *redis.Client, key string, ttl time.Duration) *RedisLeaderElection {
	if key == "" {
		key = DefaultKey
	}
	return &RedisLeaderElection{
		client: client,
		key:    key,
		ttl:    ttl,
	}
}

func (r *RedisLeaderElection) BecomeLeader(ctx context.Context, instanceID string) (bool, error) {
	result, err := r.client.SetNX(ctx, r.key, instanceID, r.ttl).Result()
	if err != nil {
		return false, err
	}

	if result {
		// Start heartbeat to maintain leadership
		maintainCtx, cancel := context.WithCancel(context.Background())
		r.mu.Lock()
		if r.stop != nil {
			r.stop()
		}
		r.stop = cancel
		r.mu.Unlock()
		go r.maintainLeadership(maintainCtx, instanceID)
	}

	return result, nil
}

func (r *RedisLeaderElection) IsLeader(ctx context.Context, instanceID string) (bool, error) {
	currentLeader, err := r.client.Get(ctx, r.key).Result()
	if err != nil {
		if err == redis.Nil {
			return false, nil
		}
		return false, err
	}

	return currentLeader == instanceID, nil
}

func (r *RedisLeaderElection) ReleaseLeadership(ctx context.Context, instanceID string) error {
	r.mu.Lock()
	if r.stop != nil {
		r.stop()
		r.stop = nil
	}
	r.mu.Unlock()

	// Use Lua script to ensure atomic release
	luaScript := `
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("DEL", KEYS[1])
        else
            return 0
        end
    `

	_, err := r.client.Eval(ctx, luaScript, []string{r.key}, instanceID).Result()
	return err
}

func (r *RedisLeaderElection) maintainLeadership(ctx context.Context, instanceID string) {
	ticker := time.NewTicker(r.ttl / 3) // Refresh at 1/3 of TTL
	defer ticker.Stop()

	luaScript := `
        if redis.call("GET", KEYS[1]) == ARGV[1] then
            return redis.call("PEXPIRE", KEYS[1], ARGV[2])
        else
            return 0
        end
    `

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		result, err := r.client.Eval(refreshCtx, luaScript, []string{r.key},
			instanceID, r.ttl.Milliseconds()).Result()
		cancel()

		if err != nil {
			continue
		}
		if extended, ok := result.(int64); !ok || extended == 0 {
			// Lost leadership, stop heartbeat
			return
		}
	}
}
