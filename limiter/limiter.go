package limiter

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Strategy 限流算法策略接口
type Strategy interface {
	// Allow 检查 key 在 window 内是否还允许通过 limit 次
	Allow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration) (bool, error)
}

// Manager 限流管理器
type Manager struct {
	rdb      *redis.Client
	strategy Strategy
}

func NewManager(rdb *redis.Client, strategy Strategy) *Manager {
	return &Manager{
		rdb:      rdb,
		strategy: strategy,
	}
}

// Allow 代理执行具体的策略
func (m *Manager) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return m.strategy.Allow(ctx, m.rdb, key, limit, window)
}

// 固定窗口计数。widget 的建会话接口用它，防止刷排队。
type FixedWindowStrategy struct{}

func (s *FixedWindowStrategy) Allow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration) (bool, error) {
	// Lua 脚本：原子性执行 INCR 和 EXPIRE
	const script = `
		local key = KEYS[1]
		local limit = tonumber(ARGV[1])
		local window = tonumber(ARGV[2])

		local current = redis.call("INCR", key)
		if current == 1 then
			redis.call("EXPIRE", key, window)
		end
		if current > limit then
			return 0
		end
		return 1
	`

	result, err := rdb.Eval(ctx, script, []string{key}, limit, int(window.Seconds())).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}

// 令牌桶。聊天消息接口用它，允许短突发但限制平均速率。
type TokenBucketStrategy struct{}

func (s *TokenBucketStrategy) Allow(ctx context.Context, rdb *redis.Client, key string, limit int, window time.Duration) (bool, error) {
	// KEYS[1]: 存储令牌信息的 hash key
	// ARGV[1]: 桶容量
	// ARGV[2]: 令牌生成速率 (token/second)
	// ARGV[3]: 当前时间戳 (秒)
	const script = `
		local key = KEYS[1]
		local capacity = tonumber(ARGV[1])
		local rate = tonumber(ARGV[2])
		local now = tonumber(ARGV[3])

		local info = redis.call("HMGET", key, "tokens", "last_time")
		local tokens = tonumber(info[1])
		local last_time = tonumber(info[2])

		if tokens == nil then
			tokens = capacity
			last_time = now
		end

		local delta = math.max(0, now - last_time)
		tokens = math.min(capacity, tokens + delta * rate)

		if tokens >= 1 then
			tokens = tokens - 1
			redis.call("HMSET", key, "tokens", tokens, "last_time", now)
			redis.call("EXPIRE", key, 60)
			return 1
		end
		return 0
	`

	rate := float64(limit) / window.Seconds()
	if rate <= 0 {
		rate = 1
	}

	now := time.Now().Unix()
	result, err := rdb.Eval(ctx, script, []string{key}, limit, rate, now).Int()
	if err != nil {
		return false, err
	}
	return result == 1, nil
}
