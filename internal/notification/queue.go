package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Queue is the Dispatcher's job queue (spec §4.6): a priority-ordered,
// delay-aware work queue backed by Redis sorted sets. Jobs carry enough
// state (RequestID, AttemptNo, Priority, NotBefore) to be dispatched without
// a round trip to the repository first.
type Queue interface {
	// Enqueue adds a job to the pending queue, ready for immediate dispatch.
	Enqueue(ctx context.Context, job Job) error

	// Dequeue retrieves up to limit jobs ready for processing, highest
	// priority and oldest first. Callers should request limit in the
	// spec §5 bounded-prefetch range (10-50).
	Dequeue(ctx context.Context, limit int) ([]Job, error)

	// MoveToDelayed parks a job until retryAt, for the Retry Engine's
	// scheduled re-attempt (spec §4.3).
	MoveToDelayed(ctx context.Context, job Job, retryAt time.Time) error

	// MoveToDLQ moves a job to the dead letter queue after its retry
	// budget is exhausted (spec §4.6 step 8).
	MoveToDLQ(ctx context.Context, job Job) error

	// PromoteDelayed moves due jobs from delayed to pending. Returns the
	// number promoted. Meant to run on a ticker from the Dispatcher's
	// background loop.
	PromoteDelayed(ctx context.Context, now time.Time) (int, error)

	// Remove removes a job from every queue and its stored payload.
	Remove(ctx context.Context, requestID string, attemptNo int) error

	// ReplayFromDLQ moves a job from the DLQ back to pending, for manual
	// or scheduled DLQ reconciliation (spec §4.11).
	ReplayFromDLQ(ctx context.Context, requestID string, attemptNo int) (*Job, error)

	// AcquireLock acquires a named advisory lock (e.g. a provider_message_id,
	// to serialize concurrent webhook updates per spec §5).
	AcquireLock(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error)

	// ReleaseLock releases a lock previously acquired by holder. A no-op
	// if holder does not currently hold it.
	ReleaseLock(ctx context.Context, key string, holder string) error

	// Stats returns queue depth counters.
	Stats(ctx context.Context) (*QueueStats, error)

	// Close releases the underlying connection.
	Close() error
}

// QueueStats holds queue statistics.
type QueueStats struct {
	PendingCount int64 `json:"pending_count"`
	DelayedCount int64 `json:"delayed_count"`
	DLQCount     int64 `json:"dlq_count"`
}

// Redis key layout.
const (
	keyPendingQueue = "notifications:queue:pending"
	keyDelayedQueue = "notifications:queue:delayed"
	keyDLQQueue     = "notifications:queue:dlq"
	keyJobData      = "notifications:queue:jobs"
	keyLockPrefix   = "notifications:lock:"
)

func jobKey(requestID string, attemptNo int) string {
	return fmt.Sprintf("%s:%d", requestID, attemptNo)
}

// priorityWeight maps Priority onto the dominant term of the sort score,
// so higher priority always outranks FIFO ordering within the same tier.
var priorityWeight = map[Priority]float64{
	PriorityCritical: 3,
	PriorityHigh:     2,
	PriorityNormal:   1,
	PriorityLow:      0,
}

// RedisQueue implements Queue using Redis sorted sets plus a side hash
// holding each job's JSON payload, keyed by the same member string used in
// the sorted sets. Grounded on the teacher's original queue.go, which used
// bare UUID members; this adds the payload hash because a Job carries more
// state (attempt number, priority, not-before) than a plain notification id.
type RedisQueue struct {
	client *redis.Client
	config Config
}

// NewRedisQueue creates a new Redis queue from a connection URL.
// URL format: redis://[:password@]host:port[/db]
func NewRedisQueue(redisURL string, config Config) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{
		client: client,
		config: config,
	}, nil
}

// NewRedisQueueFromClient creates a RedisQueue from an existing client.
func NewRedisQueueFromClient(client *redis.Client, config Config) *RedisQueue {
	return &RedisQueue{
		client: client,
		config: config,
	}
}

func (q *RedisQueue) pendingScore(p Priority) float64 {
	return priorityWeight[p]*1e19 - float64(time.Now().UnixNano())
}

func (q *RedisQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	member := jobKey(job.RequestID.String(), job.AttemptNo)

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, keyJobData, member, payload)
	pipe.ZAdd(ctx, keyPendingQueue, redis.Z{Score: q.pendingScore(job.Priority), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context, limit int) ([]Job, error) {
	members, err := q.client.ZRevRange(ctx, keyPendingQueue, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue jobs: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}
	return q.loadJobs(ctx, members)
}

func (q *RedisQueue) loadJobs(ctx context.Context, members []string) ([]Job, error) {
	raw, err := q.client.HMGet(ctx, keyJobData, members...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load job payloads: %w", err)
	}
	jobs := make([]Job, 0, len(raw))
	for _, r := range raw {
		s, ok := r.(string)
		if !ok {
			continue // payload already reaped, e.g. by a concurrent Remove
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) MoveToDelayed(ctx context.Context, job Job, retryAt time.Time) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	member := jobKey(job.RequestID.String(), job.AttemptNo)
	pipe := q.client.Pipeline()
	pipe.HSet(ctx, keyJobData, member, payload)
	pipe.ZRem(ctx, keyPendingQueue, member)
	pipe.ZAdd(ctx, keyDelayedQueue, redis.Z{Score: float64(retryAt.Unix()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job to delayed queue: %w", err)
	}
	return nil
}

func (q *RedisQueue) MoveToDLQ(ctx context.Context, job Job) error {
	member := jobKey(job.RequestID.String(), job.AttemptNo)
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPendingQueue, member)
	pipe.ZRem(ctx, keyDelayedQueue, member)
	pipe.ZAdd(ctx, keyDLQQueue, redis.Z{Score: float64(time.Now().Unix()), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job to DLQ: %w", err)
	}
	return nil
}

func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	members, err := q.client.ZRangeByScore(ctx, keyDelayedQueue, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to scan delayed jobs: %w", err)
	}
	if len(members) == 0 {
		return 0, nil
	}

	jobs, err := q.loadJobs(ctx, members)
	if err != nil {
		return 0, err
	}
	scoreOf := make(map[string]float64, len(jobs))
	for _, j := range jobs {
		scoreOf[jobKey(j.RequestID.String(), j.AttemptNo)] = q.pendingScore(j.Priority)
	}

	pipe := q.client.Pipeline()
	for _, m := range members {
		pipe.ZRem(ctx, keyDelayedQueue, m)
		score, ok := scoreOf[m]
		if !ok {
			score = q.pendingScore(PriorityNormal)
		}
		pipe.ZAdd(ctx, keyPendingQueue, redis.Z{Score: score, Member: m})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return len(members), nil
}

func (q *RedisQueue) Remove(ctx context.Context, requestID string, attemptNo int) error {
	member := jobKey(requestID, attemptNo)
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyPendingQueue, member)
	pipe.ZRem(ctx, keyDelayedQueue, member)
	pipe.ZRem(ctx, keyDLQQueue, member)
	pipe.HDel(ctx, keyJobData, member)
	pipe.Del(ctx, keyLockPrefix+member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	return nil
}

func (q *RedisQueue) ReplayFromDLQ(ctx context.Context, requestID string, attemptNo int) (*Job, error) {
	member := jobKey(requestID, attemptNo)
	jobs, err := q.loadJobs(ctx, []string{member})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrNotFound
	}
	job := jobs[0]

	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, keyDLQQueue, member)
	pipe.ZAdd(ctx, keyPendingQueue, redis.Z{Score: q.pendingScore(job.Priority), Member: member})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to replay job from DLQ: %w", err)
	}
	return &job, nil
}

// AcquireLock uses SET NX EX for atomic lock acquisition.
func (q *RedisQueue) AcquireLock(ctx context.Context, key string, holder string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, keyLockPrefix+key, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	return ok, nil
}

// releaseLockScript atomically checks ownership before deleting, so a
// holder whose TTL already expired (and was reacquired by someone else)
// can't delete the new owner's lock.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

func (q *RedisQueue) ReleaseLock(ctx context.Context, key string, holder string) error {
	_, err := releaseLockScript.Run(ctx, q.client, []string{keyLockPrefix + key}, holder).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

func (q *RedisQueue) Stats(ctx context.Context) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	pendingCmd := pipe.ZCard(ctx, keyPendingQueue)
	delayedCmd := pipe.ZCard(ctx, keyDelayedQueue)
	dlqCmd := pipe.ZCard(ctx, keyDLQQueue)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}
	return &QueueStats{
		PendingCount: pendingCmd.Val(),
		DelayedCount: delayedCmd.Val(),
		DLQCount:     dlqCmd.Val(),
	}, nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
