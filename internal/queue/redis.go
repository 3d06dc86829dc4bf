package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rendis/conductor/pkg/schema"
)

// Redis layout per queue q (prefix p):
//
//	p:{q}:ready    ZSET  visible messages, score = (MaxPriority-priority)*1e13 + enqueue ms
//	p:{q}:delayed  ZSET  messages not yet visible, score = visible-at ms
//	p:{q}:unack    ZSET  leased messages, score = lease expiry ms
//	p:{q}:prio     HASH  id -> priority, used when a message re-enters ready
//	p:queues       SET   every queue name pushed to
//
// The {q} hash tag keeps one queue's keys in a single cluster slot, so every
// script touches one slot. p:queues is written outside the scripts.
// Lua builds scores with string.format('%d') so large values keep integer precision.

const luaRequeueExpired = `
local requeued = 0
local expired = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, id in ipairs(expired) do
  local p = tonumber(redis.call('HGET', KEYS[4], id) or '0')
  redis.call('ZREM', KEYS[3], id)
  redis.call('ZADD', KEYS[1], string.format('%d', (99 - p) * 1e13 + tonumber(ARGV[1])), id)
  requeued = requeued + 1
end
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'WITHSCORES')
for i = 1, #due, 2 do
  local id = due[i]
  local p = tonumber(redis.call('HGET', KEYS[4], id) or '0')
  redis.call('ZREM', KEYS[2], id)
  redis.call('ZADD', KEYS[1], string.format('%d', (99 - p) * 1e13 + tonumber(due[i + 1])), id)
end
`

var (
	// KEYS: ready, delayed, unack, prio. ARGV: id, now, delayMs, priority, onlyIfAbsent.
	pushScript = redis.NewScript(`
if ARGV[5] == '1' then
  if redis.call('ZSCORE', KEYS[1], ARGV[1]) or redis.call('ZSCORE', KEYS[2], ARGV[1]) or redis.call('ZSCORE', KEYS[3], ARGV[1]) then
    return 0
  end
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('HSET', KEYS[4], ARGV[1], ARGV[4])
local now = tonumber(ARGV[2])
local delay = tonumber(ARGV[3])
if delay > 0 then
  redis.call('ZADD', KEYS[2], string.format('%d', now + delay), ARGV[1])
else
  redis.call('ZADD', KEYS[1], string.format('%d', (99 - tonumber(ARGV[4])) * 1e13 + now), ARGV[1])
end
return 1
`)

	// KEYS: ready, delayed, unack, prio. ARGV: now, count, unackMs.
	popScript = redis.NewScript(luaRequeueExpired + `
local ids = redis.call('ZRANGE', KEYS[1], 0, tonumber(ARGV[2]) - 1)
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('ZADD', KEYS[3], string.format('%d', tonumber(ARGV[1]) + tonumber(ARGV[3])), id)
end
return ids
`)

	// KEYS: ready, delayed, unack, prio. ARGV: now.
	processUnacksScript = redis.NewScript(luaRequeueExpired + `
return requeued
`)

	// KEYS: ready, unack, prio. ARGV: id, now.
	unackScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[2], ARGV[1]) then
  return 0
end
local p = tonumber(redis.call('HGET', KEYS[3], ARGV[1]) or '0')
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZADD', KEYS[1], string.format('%d', (99 - p) * 1e13 + tonumber(ARGV[2])), ARGV[1])
return 1
`)

	// KEYS: unack. ARGV: id, expiryMs.
	setUnackTimeoutScript = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

	// KEYS: unack, prio. ARGV: id.
	ackScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed > 0 then
  redis.call('HDEL', KEYS[2], ARGV[1])
end
return removed
`)
)

// RedisQueue is a Queue shared by every engine process pointed at the same Redis.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	opts   Options
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a queue whose keys live under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string, opts Options) *RedisQueue {
	if prefix == "" {
		prefix = "conductor"
	}
	return &RedisQueue{client: client, prefix: prefix, opts: opts.withDefaults()}
}

type queueKeys struct {
	ready, delayed, unack, prio string
}

func (q *RedisQueue) keys(name string) queueKeys {
	base := q.prefix + ":{" + name + "}"
	return queueKeys{ready: base + ":ready", delayed: base + ":delayed", unack: base + ":unack", prio: base + ":prio"}
}

func (q *RedisQueue) namesKey() string { return q.prefix + ":queues" }

func (q *RedisQueue) nowMs() int64 { return q.opts.Now().UnixMilli() }

func queueErr(op string, err error) error {
	return schema.NewErrorf(schema.ErrCodeQueue, "%s: %v", op, err).WithCause(err)
}

func (q *RedisQueue) Push(ctx context.Context, queueName, id string, delay time.Duration, priority int) error {
	_, err := q.push(ctx, queueName, id, delay, priority, false)
	return err
}

func (q *RedisQueue) PushIfNotExists(ctx context.Context, queueName, id string, delay time.Duration, priority int) (bool, error) {
	return q.push(ctx, queueName, id, delay, priority, true)
}

func (q *RedisQueue) push(ctx context.Context, queueName, id string, delay time.Duration, priority int, onlyIfAbsent bool) (bool, error) {
	k := q.keys(queueName)
	absent := "0"
	if onlyIfAbsent {
		absent = "1"
	}
	n, err := pushScript.Run(ctx, q.client,
		[]string{k.ready, k.delayed, k.unack, k.prio},
		id, q.nowMs(), delay.Milliseconds(), clampPriority(priority), absent,
	).Int()
	if err != nil {
		return false, queueErr("push", err)
	}
	if n == 1 {
		if err := q.client.SAdd(ctx, q.namesKey(), queueName).Err(); err != nil {
			return true, queueErr("register queue", err)
		}
	}
	return n == 1, nil
}

func (q *RedisQueue) Pop(ctx context.Context, queueName string, count int, timeout time.Duration) ([]string, error) {
	if count <= 0 {
		return nil, nil
	}
	k := q.keys(queueName)
	return waitForMessages(ctx, timeout, q.opts.PollInterval, func(ctx context.Context) ([]string, error) {
		ids, err := popScript.Run(ctx, q.client,
			[]string{k.ready, k.delayed, k.unack, k.prio},
			q.nowMs(), count, q.opts.UnackTimeout.Milliseconds(),
		).StringSlice()
		if err != nil && err != redis.Nil {
			return nil, queueErr("pop", err)
		}
		return ids, nil
	})
}

func (q *RedisQueue) Ack(ctx context.Context, queueName, id string) (bool, error) {
	k := q.keys(queueName)
	n, err := ackScript.Run(ctx, q.client, []string{k.unack, k.prio}, id).Int()
	if err != nil {
		return false, queueErr("ack", err)
	}
	return n > 0, nil
}

func (q *RedisQueue) Unack(ctx context.Context, queueName, id string) (bool, error) {
	k := q.keys(queueName)
	n, err := unackScript.Run(ctx, q.client, []string{k.ready, k.unack, k.prio}, id, q.nowMs()).Int()
	if err != nil {
		return false, queueErr("unack", err)
	}
	return n == 1, nil
}

func (q *RedisQueue) SetUnackTimeout(ctx context.Context, queueName, id string, timeout time.Duration) (bool, error) {
	k := q.keys(queueName)
	expiry := strconv.FormatInt(q.nowMs()+timeout.Milliseconds(), 10)
	n, err := setUnackTimeoutScript.Run(ctx, q.client, []string{k.unack}, id, expiry).Int()
	if err != nil {
		return false, queueErr("set unack timeout", err)
	}
	return n == 1, nil
}

func (q *RedisQueue) Remove(ctx context.Context, queueName, id string) error {
	k := q.keys(queueName)
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, k.ready, id)
	pipe.ZRem(ctx, k.delayed, id)
	pipe.ZRem(ctx, k.unack, id)
	pipe.HDel(ctx, k.prio, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return queueErr("remove", err)
	}
	return nil
}

func (q *RedisQueue) Exists(ctx context.Context, queueName, id string) (bool, error) {
	k := q.keys(queueName)
	for _, key := range []string{k.ready, k.delayed, k.unack} {
		_, err := q.client.ZScore(ctx, key, id).Result()
		if err == nil {
			return true, nil
		}
		if err != redis.Nil {
			return false, queueErr("exists", err)
		}
	}
	return false, nil
}

func (q *RedisQueue) Size(ctx context.Context, queueName string) (int64, error) {
	k := q.keys(queueName)
	pipe := q.client.Pipeline()
	ready := pipe.ZCard(ctx, k.ready)
	delayed := pipe.ZCard(ctx, k.delayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, queueErr("size", err)
	}
	return ready.Val() + delayed.Val(), nil
}

func (q *RedisQueue) QueuesDetail(ctx context.Context) (map[string]int64, error) {
	names, err := q.client.SMembers(ctx, q.namesKey()).Result()
	if err != nil {
		return nil, queueErr("list queues", err)
	}
	out := make(map[string]int64, len(names))
	for _, name := range names {
		n, err := q.Size(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = n
	}
	return out, nil
}

func (q *RedisQueue) ProcessUnacks(ctx context.Context, queueName string) (int, error) {
	k := q.keys(queueName)
	n, err := processUnacksScript.Run(ctx, q.client,
		[]string{k.ready, k.delayed, k.unack, k.prio}, q.nowMs()).Int()
	if err != nil {
		return 0, queueErr("process unacks", err)
	}
	return n, nil
}

func (q *RedisQueue) Flush(ctx context.Context, queueName string) error {
	k := q.keys(queueName)
	if err := q.client.Del(ctx, k.ready, k.delayed, k.unack, k.prio).Err(); err != nil {
		return queueErr("flush", err)
	}
	if err := q.client.SRem(ctx, q.namesKey(), queueName).Err(); err != nil {
		return queueErr("flush", err)
	}
	return nil
}

func (q *RedisQueue) String() string {
	return fmt.Sprintf("redis queue (prefix %q)", q.prefix)
}
