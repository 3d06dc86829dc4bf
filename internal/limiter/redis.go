package limiter

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/conductor/pkg/schema"
)

var (
	// KEYS: slot set. ARGV: task id, limit, now ms.
	concurrencyScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 1
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 0
`)

	// KEYS: window set. ARGV: task id, count, now ms, window start ms, ttl ms.
	rateScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[4])
if redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 1
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 0
`)
)

// RedisBackend keeps admission state in Redis sorted sets so several engine
// processes share one limit per task definition.
type RedisBackend struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend creates a backend whose keys live under prefix.
func NewRedisBackend(client redis.UniversalClient, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = "conductor"
	}
	return &RedisBackend{client: client, prefix: prefix, now: time.Now}
}

func (b *RedisBackend) slotsKey(def string) string  { return b.prefix + ":limit:concurrency:" + def }
func (b *RedisBackend) windowKey(def string) string { return b.prefix + ":limit:rate:" + def }

func limiterErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "limiter %s: %v", op, err).WithCause(err)
}

func (b *RedisBackend) ExceedsInProgressLimit(ctx context.Context, task *schema.Task, limit int) (bool, error) {
	if limit <= 0 {
		return false, nil
	}
	n, err := concurrencyScript.Run(ctx, b.client, []string{b.slotsKey(task.TaskDefName)},
		task.TaskID, limit, strconv.FormatInt(b.now().UnixMilli(), 10)).Int()
	if err != nil {
		return false, limiterErr("concurrency check", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) ExceedsRateLimitPerFrequency(ctx context.Context, task *schema.Task, count int, window time.Duration) (bool, error) {
	if count <= 0 || window <= 0 {
		return false, nil
	}
	now := b.now().UnixMilli()
	n, err := rateScript.Run(ctx, b.client, []string{b.windowKey(task.TaskDefName)},
		task.TaskID, count,
		strconv.FormatInt(now, 10),
		strconv.FormatInt(now-window.Milliseconds(), 10),
		strconv.FormatInt(2*window.Milliseconds(), 10),
	).Int()
	if err != nil {
		return false, limiterErr("rate check", err)
	}
	return n == 1, nil
}

func (b *RedisBackend) ReleaseTaskLimit(ctx context.Context, task *schema.Task) error {
	if err := b.client.ZRem(ctx, b.slotsKey(task.TaskDefName), task.TaskID).Err(); err != nil {
		return limiterErr("release", err)
	}
	return nil
}

func (b *RedisBackend) AdmittedTaskIDs(ctx context.Context, taskDefName string) ([]string, error) {
	ids, err := b.client.ZRange(ctx, b.slotsKey(taskDefName), 0, -1).Result()
	if err != nil {
		return nil, limiterErr("list slots", err)
	}
	return ids, nil
}

func (b *RedisBackend) EvictTaskLimits(ctx context.Context, taskDefName string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	members := make([]any, len(taskIDs))
	for i, id := range taskIDs {
		members[i] = id
	}
	if err := b.client.ZRem(ctx, b.slotsKey(taskDefName), members...).Err(); err != nil {
		return limiterErr("evict", err)
	}
	return nil
}
