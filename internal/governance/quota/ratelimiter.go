package quota

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Window is one sliding request window applied to an identity.
type Window struct {
	Name  string
	Size  time.Duration
	Limit int
}

// WindowResult reports a reservation attempt. When Allowed is false, Window
// and Count describe the first window that was full.
type WindowResult struct {
	Allowed bool
	Window  Window
	Count   int
	Member  string
}

// WindowLimiter counts requests per identity across several sliding windows.
// Reserve checks every window and, only when all have room, records the
// request atomically. Release removes a reservation that was not used.
type WindowLimiter interface {
	Reserve(ctx context.Context, key string, windows []Window) (WindowResult, error)
	Release(ctx context.Context, key, member string) error
}

const rateLimitKeyPrefix = "dripcheck:window:"

// reserveScript checks each (exclusive-min, limit) pair with ZCOUNT before
// adding the member, so concurrent callers cannot both take the last slot.
//
// ARGV: now, member, ttl ms, prune cutoff, then pairs of min score and limit.
var reserveScript = redis.NewScript(`
	local key = KEYS[1]
	local now = ARGV[1]
	local member = ARGV[2]
	local ttl = tonumber(ARGV[3])
	local prune = ARGV[4]

	local idx = 1
	for i = 5, #ARGV, 2 do
		local count = redis.call('ZCOUNT', key, ARGV[i], '+inf')
		if count >= tonumber(ARGV[i + 1]) then
			return {0, idx, count}
		end
		idx = idx + 1
	end

	redis.call('ZREMRANGEBYSCORE', key, '-inf', prune)
	redis.call('ZADD', key, now, member)
	redis.call('PEXPIRE', key, ttl)
	return {1, 0, 0}
`)

// RedisWindowLimiter keeps one sorted set per identity, scored by request
// time in milliseconds. It is safe to share across instances.
type RedisWindowLimiter struct {
	rdb redis.Cmdable
	now func() time.Time
}

func NewRedisWindowLimiter(rdb redis.Cmdable) *RedisWindowLimiter {
	return &RedisWindowLimiter{rdb: rdb, now: time.Now}
}

func (rl *RedisWindowLimiter) Reserve(ctx context.Context, key string, windows []Window) (WindowResult, error) {
	now := rl.now()
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(now.UnixNano(), 10) + "-" + uuid.NewString()

	var longest time.Duration
	args := []any{nowMs, member, 0, 0}
	for _, w := range windows {
		if w.Size > longest {
			longest = w.Size
		}
		args = append(args, "("+strconv.FormatInt(nowMs-w.Size.Milliseconds(), 10), w.Limit)
	}
	args[2] = (longest + time.Minute).Milliseconds()
	args[3] = nowMs - longest.Milliseconds()

	res, err := reserveScript.Run(ctx, rl.rdb, []string{rateLimitKeyPrefix + key}, args...).Int64Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("reserving request window: %w", err)
	}
	if len(res) != 3 {
		return WindowResult{}, fmt.Errorf("reserving request window: unexpected reply %v", res)
	}

	if res[0] == 1 {
		return WindowResult{Allowed: true, Member: member}, nil
	}
	idx := int(res[1]) - 1
	if idx < 0 || idx >= len(windows) {
		return WindowResult{}, fmt.Errorf("reserving request window: window index %d out of range", res[1])
	}
	return WindowResult{Window: windows[idx], Count: int(res[2])}, nil
}

func (rl *RedisWindowLimiter) Release(ctx context.Context, key, member string) error {
	if member == "" {
		return nil
	}
	if err := rl.rdb.ZRem(ctx, rateLimitKeyPrefix+key, member).Err(); err != nil {
		return fmt.Errorf("releasing request window: %w", err)
	}
	return nil
}
