package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue coordinates ready, in-flight, and scheduled jobs in Redis.
// Jobs are acked only after the handler finishes; until then they sit in
// the in-flight set under a visibility lease so a crashed worker's jobs get
// reclaimed.
type RedisQueue struct {
	client        redis.UniversalClient
	queueNames    []string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
}

// NewRedisQueue builds a queue client over the named queues.
func NewRedisQueue(client redis.UniversalClient, queueNames []string, visibility time.Duration) *RedisQueue {
	if len(queueNames) == 0 {
		queueNames = []string{"default"}
	}
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:        client,
		queueNames:    queueNames,
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
	}
}

func (q *RedisQueue) readyKey(queue string) string {
	return fmt.Sprintf("queue:ready:%s", queue)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue inserts a job into either the scheduled set or its ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, queue string, runAt time.Time) error {
	if queue == "" {
		queue = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "queue", queue)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(queue), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred execution, used
// both for delayed submissions and retry countdowns.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, queue string, runAt time.Time) error {
	if queue == "" {
		queue = "default"
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "queue", queue)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into ready queues. It returns how many were promoted.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		queue := q.queueFor(ctx, id)
		pipe.ZRem(ctx, q.scheduledKey, id)
		pipe.RPush(ctx, q.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (q *RedisQueue) queueFor(ctx context.Context, jobID string) string {
	queue, err := q.client.HGet(ctx, q.metaKey(jobID), "queue").Result()
	if err != nil || queue == "" {
		return "default"
	}
	return queue
}

// DequeueWithLease pops a job from the named ready queue and places it into
// in-flight with a visibility deadline, atomically via a Lua script.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, queue string) (string, error) {
	keys := []string{q.readyKey(queue), q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing them.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		queue := q.queueFor(ctx, id)
		pipe.ZRem(ctx, q.inflightKey, id)
		pipe.RPush(ctx, q.readyKey(queue), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// Cancel removes a job from ready, scheduled, and in-flight sets.
func (q *RedisQueue) Cancel(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	for _, name := range q.queueNames {
		pipe.LRem(ctx, q.readyKey(name), 0, jobID)
	}
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.ZRem(ctx, q.scheduledKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Depth returns the backlog length of one ready queue.
func (q *RedisQueue) Depth(ctx context.Context, queue string) (int64, error) {
	return q.client.LLen(ctx, q.readyKey(queue)).Result()
}

// Depths returns the backlog length of every known queue.
func (q *RedisQueue) Depths(ctx context.Context) (map[string]int64, error) {
	pipe := q.client.Pipeline()
	cmds := make(map[string]*redis.IntCmd, len(q.queueNames))
	for _, name := range q.queueNames {
		cmds[name] = pipe.LLen(ctx, q.readyKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(cmds))
	for name, c := range cmds {
		out[name] = c.Val()
	}
	return out, nil
}

var dequeueScript = redis.NewScript(`
local job = redis.call('LPOP', KEYS[1])
if job then
  redis.call('ZADD', KEYS[2], ARGV[1], job)
  return job
end
return nil
`)
