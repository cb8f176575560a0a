// Package redisq is the Redis-backed task queue.
//
// Layout under the key prefix "<name>:":
//
//	ready    LIST   task IDs ready for delivery (LPUSH in, RPOP out)
//	delayed  ZSET   task IDs scored by the unix-ms time they become ready
//	leased   ZSET   task IDs scored by their lease deadline (unix ms)
//	tokens   HASH   task ID -> token of the current lease holder
//
// Every state change runs as a single Lua script so a task ID is never in two
// places at once.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"skillora/ingest-service/internal/faults"
	"skillora/ingest-service/internal/queue"
)

var dequeueScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('LPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  if not redis.call('ZSCORE', KEYS[3], id) then
    redis.call('ZADD', KEYS[3], ARGV[2], id)
    redis.call('HSET', KEYS[4], id, ARGV[3])
    return id
  end
end
`)

var ackScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var extendScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var requeueScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
if tonumber(ARGV[3]) > 0 then
  redis.call('ZADD', KEYS[4], ARGV[3], ARGV[1])
else
  redis.call('LPUSH', KEYS[3], ARGV[1])
end
return 1
`)

var reapScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(expired) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  redis.call('LPUSH', KEYS[3], id)
end
return expired
`)

// Queue is safe for concurrent use by many processes.
type Queue struct {
	rdb     redis.UniversalClient
	ready   string
	delayed string
	leased  string
	tokens  string
	now     func() time.Time
}

// New returns a queue whose keys are prefixed with name.
func New(rdb redis.UniversalClient, name string) *Queue {
	return &Queue{
		rdb:     rdb,
		ready:   name + ":ready",
		delayed: name + ":delayed",
		leased:  name + ":leased",
		tokens:  name + ":tokens",
		now:     time.Now,
	}
}

// SetClock replaces the time source used for delays and lease deadlines.
func (q *Queue) SetClock(now func() time.Time) { q.now = now }

func ms(t time.Time) int64 { return t.UnixMilli() }

func wrap(op string, err error) error {
	return faults.Transient(fmt.Errorf("redisq %s: %w", op, err))
}

func (q *Queue) Enqueue(ctx context.Context, taskID string, delay time.Duration) error {
	var err error
	if delay > 0 {
		err = q.rdb.ZAdd(ctx, q.delayed, redis.Z{Score: float64(ms(q.now().Add(delay))), Member: taskID}).Err()
	} else {
		err = q.rdb.LPush(ctx, q.ready, taskID).Err()
	}
	if err != nil {
		return wrap("enqueue", err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, leaseFor time.Duration) (queue.Delivery, error) {
	now := q.now()
	deadline := now.Add(leaseFor)
	token := uuid.NewString()

	id, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.ready, q.delayed, q.leased, q.tokens},
		ms(now), ms(deadline), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return queue.Delivery{}, queue.ErrEmpty
	}
	if err != nil {
		return queue.Delivery{}, wrap("dequeue", err)
	}
	return queue.Delivery{TaskID: id, Token: token, Deadline: time.UnixMilli(ms(deadline))}, nil
}

func (q *Queue) Ack(ctx context.Context, d queue.Delivery) error {
	ok, err := ackScript.Run(ctx, q.rdb, []string{q.leased, q.tokens}, d.TaskID, d.Token).Int()
	if err != nil {
		return wrap("ack", err)
	}
	if ok == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) Extend(ctx context.Context, d queue.Delivery, leaseFor time.Duration) (queue.Delivery, error) {
	deadline := time.UnixMilli(ms(q.now().Add(leaseFor)))
	ok, err := extendScript.Run(ctx, q.rdb, []string{q.leased, q.tokens}, d.TaskID, d.Token, ms(deadline)).Int()
	if err != nil {
		return queue.Delivery{}, wrap("extend", err)
	}
	if ok == 0 {
		return queue.Delivery{}, queue.ErrLeaseLost
	}
	d.Deadline = deadline
	return d, nil
}

func (q *Queue) Requeue(ctx context.Context, d queue.Delivery, delay time.Duration) error {
	var due int64
	if delay > 0 {
		due = ms(q.now().Add(delay))
	}
	ok, err := requeueScript.Run(ctx, q.rdb,
		[]string{q.leased, q.tokens, q.ready, q.delayed},
		d.TaskID, d.Token, due,
	).Int()
	if err != nil {
		return wrap("requeue", err)
	}
	if ok == 0 {
		return queue.ErrLeaseLost
	}
	return nil
}

func (q *Queue) ReapExpired(ctx context.Context) ([]string, error) {
	ids, err := reapScript.Run(ctx, q.rdb, []string{q.leased, q.tokens, q.ready}, ms(q.now())).StringSlice()
	if err != nil {
		return nil, wrap("reap", err)
	}
	return ids, nil
}

func (q *Queue) Stats(ctx context.Context) (queue.Stats, error) {
	var ready, delayed, leased *redis.IntCmd
	_, err := q.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		ready = p.LLen(ctx, q.ready)
		delayed = p.ZCard(ctx, q.delayed)
		leased = p.ZCard(ctx, q.leased)
		return nil
	})
	if err != nil {
		return queue.Stats{}, wrap("stats", err)
	}
	return queue.Stats{Ready: ready.Val(), Delayed: delayed.Val(), Leased: leased.Val()}, nil
}

// Ping reports whether Redis answers.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}
