// Package redisq implements the task queue on Redis: one FIFO ready list per
// user, a shared in-flight set with visibility deadlines, and admission
// counters enforcing the global and per-user concurrency caps. All state
// transitions run as Lua scripts for atomicity.
package redisq

import (
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/ai-stock-analyzer/internal/domain"
)

const (
	keyUsersReady  = "queue:users_ready"
	keyInflight    = "queue:inflight"
	keyCounts      = "queue:counts"
	keyCursor      = "queue:cursor"
	readyKeyPrefix = "queue:ready:"
	itemKeyPrefix  = "queue:item:"
)

// Options tune queue behaviour; zero values fall back to Default*.
type Options struct {
	VisibilityTimeout time.Duration
	MaxRetries        int
	BackoffBase       time.Duration
	BackoffCap        time.Duration
}

const (
	DefaultVisibilityTimeout = 10 * time.Minute
	DefaultMaxRetries        = 3
	DefaultBackoffBase       = 10 * time.Second
	DefaultBackoffCap        = 5 * time.Minute
)

func (o Options) withDefaults() Options {
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	return o
}

// Queue is the Redis-backed implementation of domain.Queue.
type Queue struct {
	rdb       redis.UniversalClient
	opts      Options
	globalCap int
	userCap   int
	tracer    trace.Tracer
	now       func() time.Time
}

// New builds a queue with the given admission caps.
func New(rdb redis.UniversalClient, globalCap, userCap int, opts Options) *Queue {
	return &Queue{
		rdb:       rdb,
		opts:      opts.withDefaults(),
		globalCap: globalCap,
		userCap:   userCap,
		tracer:    otel.Tracer("redisq"),
		now:       time.Now,
	}
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// Enqueue appends the task to its user's ready list. Re-enqueueing a task
// that is already ready or in flight is absorbed silently.
func (q *Queue) Enqueue(ctx domain.Context, userID, taskID string) error {
	ctx, span := q.tracer.Start(ctx, "redisq.Enqueue")
	defer span.End()
	if userID == "" || taskID == "" {
		return fmt.Errorf("op=redisq.Enqueue: empty user or task id: %w", domain.ErrInvalidArgument)
	}
	err := enqueueScript.Run(ctx, q.rdb,
		[]string{keyUsersReady, keyInflight},
		readyKeyPrefix, itemKeyPrefix, userID, taskID, millis(q.now()),
	).Err()
	if err != nil {
		return fmt.Errorf("op=redisq.Enqueue task=%s: %w", taskID, err)
	}
	return nil
}

// Reserve grants up to max leases, visiting users round-robin from the shared
// cursor so no single user's backlog starves the others.
func (q *Queue) Reserve(ctx domain.Context, workerID string, max int) ([]domain.Reservation, error) {
	ctx, span := q.tracer.Start(ctx, "redisq.Reserve")
	defer span.End()
	if max <= 0 {
		return nil, nil
	}
	now := q.now()
	deadline := now.Add(q.opts.VisibilityTimeout)
	raw, err := reserveScript.Run(ctx, q.rdb,
		[]string{keyUsersReady, keyInflight, keyCounts, keyCursor},
		readyKeyPrefix, itemKeyPrefix, workerID,
		strconv.Itoa(max), millis(now), millis(deadline),
		strconv.Itoa(q.globalCap), strconv.Itoa(q.userCap),
	).Slice()
	if err != nil {
		return nil, fmt.Errorf("op=redisq.Reserve worker=%s: %w", workerID, err)
	}
	if len(raw)%3 != 0 {
		return nil, fmt.Errorf("op=redisq.Reserve: malformed script reply of %d elements", len(raw))
	}
	out := make([]domain.Reservation, 0, len(raw)/3)
	for i := 0; i < len(raw); i += 3 {
		rc, _ := strconv.Atoi(asString(raw[i+2]))
		out = append(out, domain.Reservation{
			TaskID:     asString(raw[i]),
			UserID:     asString(raw[i+1]),
			RetryCount: rc,
			Deadline:   deadline,
		})
	}
	return out, nil
}

// Renew extends the caller's lease by a fresh visibility timeout.
func (q *Queue) Renew(ctx domain.Context, taskID, workerID string) error {
	deadline := q.now().Add(q.opts.VisibilityTimeout)
	n, err := renewScript.Run(ctx, q.rdb,
		[]string{keyInflight},
		itemKeyPrefix, taskID, workerID, millis(deadline),
	).Int64()
	if err != nil {
		return fmt.Errorf("op=redisq.Renew task=%s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("op=redisq.Renew task=%s worker=%s: %w", taskID, workerID, domain.ErrLeaseLost)
	}
	return nil
}

// Ack finishes the reservation and drops all queue state for the task.
func (q *Queue) Ack(ctx domain.Context, taskID, workerID string) error {
	n, err := ackScript.Run(ctx, q.rdb,
		[]string{keyInflight, keyCounts},
		itemKeyPrefix, taskID, workerID,
	).Int64()
	if err != nil {
		return fmt.Errorf("op=redisq.Ack task=%s: %w", taskID, err)
	}
	if n == 0 {
		return fmt.Errorf("op=redisq.Ack task=%s worker=%s: %w", taskID, workerID, domain.ErrLeaseLost)
	}
	return nil
}

// Nack releases the lease. With retryable=true and budget remaining the task
// returns to the tail of its user's ready list, eligible only after an
// exponential backoff delay.
func (q *Queue) Nack(ctx domain.Context, taskID, workerID string, retryable bool) (bool, int, error) {
	flag := "0"
	if retryable {
		flag = "1"
	}
	raw, err := nackScript.Run(ctx, q.rdb,
		[]string{keyUsersReady, keyInflight, keyCounts},
		readyKeyPrefix, itemKeyPrefix, taskID, workerID, flag,
		strconv.Itoa(q.opts.MaxRetries), millis(q.now()),
		strconv.FormatInt(q.opts.BackoffBase.Milliseconds(), 10),
		strconv.FormatInt(q.opts.BackoffCap.Milliseconds(), 10),
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("op=redisq.Nack task=%s: %w", taskID, err)
	}
	if len(raw) == 0 {
		return false, 0, fmt.Errorf("op=redisq.Nack task=%s: empty script reply", taskID)
	}
	code, _ := raw[0].(int64)
	if code == -1 {
		return false, 0, fmt.Errorf("op=redisq.Nack task=%s worker=%s: %w", taskID, workerID, domain.ErrLeaseLost)
	}
	var rc int
	if len(raw) > 1 {
		if v, ok := raw[1].(int64); ok {
			rc = int(v)
		}
	}
	return code == 1, rc, nil
}

// Remove drops the task from the queue wherever it lives, ignoring lease
// ownership. Used by cancellation.
func (q *Queue) Remove(ctx domain.Context, taskID string) error {
	err := removeScript.Run(ctx, q.rdb,
		[]string{keyUsersReady, keyInflight, keyCounts},
		readyKeyPrefix, itemKeyPrefix, taskID,
	).Err()
	if err != nil {
		return fmt.Errorf("op=redisq.Remove task=%s: %w", taskID, err)
	}
	return nil
}

// ReclaimExpired returns expired leases to the ready queue with retry
// accounting; tasks past the retry budget are dropped and reported so the
// caller can persist the failure.
func (q *Queue) ReclaimExpired(ctx domain.Context) ([]string, []string, error) {
	ctx, span := q.tracer.Start(ctx, "redisq.ReclaimExpired")
	defer span.End()
	raw, err := reclaimScript.Run(ctx, q.rdb,
		[]string{keyUsersReady, keyInflight, keyCounts},
		readyKeyPrefix, itemKeyPrefix, millis(q.now()),
		strconv.Itoa(q.opts.MaxRetries),
		strconv.FormatInt(q.opts.BackoffBase.Milliseconds(), 10),
		strconv.FormatInt(q.opts.BackoffCap.Milliseconds(), 10),
	).Slice()
	if err != nil {
		return nil, nil, fmt.Errorf("op=redisq.ReclaimExpired: %w", err)
	}
	var requeued, dropped []string
	for i := 0; i+1 < len(raw); i += 2 {
		tid := asString(raw[i])
		if asString(raw[i+1]) == "1" {
			requeued = append(requeued, tid)
		} else {
			dropped = append(dropped, tid)
		}
	}
	return requeued, dropped, nil
}

// Stats reads queue occupancy without mutating state. The read is not
// atomic across keys; counts are advisory.
func (q *Queue) Stats(ctx domain.Context) (domain.QueueStats, error) {
	stats := domain.QueueStats{PerUser: map[string]domain.UserQueueStats{}}
	users, err := q.rdb.SMembers(ctx, keyUsersReady).Result()
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=redisq.Stats: %w", err)
	}
	stats.ReadyUsers = len(users)
	for _, u := range users {
		n, err := q.rdb.LLen(ctx, readyKeyPrefix+u).Result()
		if err != nil {
			return domain.QueueStats{}, fmt.Errorf("op=redisq.Stats user=%s: %w", u, err)
		}
		s := stats.PerUser[u]
		s.Ready = int(n)
		stats.PerUser[u] = s
		stats.Ready += int(n)
	}
	inflight, err := q.rdb.HGetAll(ctx, keyInflight).Result()
	if err != nil {
		return domain.QueueStats{}, fmt.Errorf("op=redisq.Stats: %w", err)
	}
	stats.Inflight = len(inflight)
	for tid := range inflight {
		uid, err := q.rdb.HGet(ctx, itemKeyPrefix+tid, "user_id").Result()
		if err != nil {
			continue
		}
		s := stats.PerUser[uid]
		s.Inflight++
		stats.PerUser[uid] = s
	}
	return stats, nil
}

func asString(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case int64:
		return strconv.FormatInt(s, 10)
	default:
		return fmt.Sprint(s)
	}
}

var _ domain.Queue = (*Queue)(nil)
