// Package queue implements the durable, Redis-backed task queue and
// worker runtime: dedup-keyed submission, delayed execution, per-key
// concurrency limits, retries with exponential backoff, perpetual
// (self-rescheduling) tasks, and stale-claim recovery.
//
// Only (function name, JSON args) pairs are persisted; handlers are
// resolved through the in-process registry at execution time.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/ids"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/metrics"
)

// DedupTTL bounds how long a dedup token claims its slot.
const DedupTTL = 300 * time.Second

// RetryPolicy controls re-enqueueing of failed tasks. Backoff is
// exponential: InitialDelay, 2×, 4×, …
type RetryPolicy struct {
	Attempts     int
	InitialDelay time.Duration
}

// Perpetual declares a task that reschedules itself at a fixed cadence.
// Automatic perpetual tasks are seeded whenever a worker runtime starts.
type Perpetual struct {
	Every     time.Duration
	Automatic bool
}

// Submission is the producer-side contract.
type Submission struct {
	Fn   string
	Args interface{}

	// DedupKey, when set, admits exactly one submission per key within
	// DedupTTL; losers get AlreadyRunningTaskID and ErrDuplicate.
	DedupKey string

	// When defers execution to an absolute instant, honored within one
	// polling interval.
	When time.Time

	// ConcurrencyKey and MaxConcurrent bound in-flight tasks sharing
	// the key (e.g. one agent turn per thread).
	ConcurrencyKey string
	MaxConcurrent  int

	// Retry overrides the registered function's default policy.
	Retry *RetryPolicy
}

// envelope is the persisted task representation.
type envelope struct {
	ID             string          `json:"id"`
	Fn             string          `json:"fn"`
	Args           json.RawMessage `json:"args,omitempty"`
	EnqueuedAt     int64           `json:"enqueued_at"`
	NotBefore      int64           `json:"not_before,omitempty"`
	Attempt        int             `json:"attempt"`
	DedupKey       string          `json:"dedup_key,omitempty"`
	ConcurrencyKey string          `json:"concurrency_key,omitempty"`
	MaxConcurrent  int             `json:"max_concurrent,omitempty"`
	RetryAttempts  int             `json:"retry_attempts,omitempty"`
	RetryDelayMs   int64           `json:"retry_delay_ms,omitempty"`
}

// Queue is the producer handle.
type Queue struct {
	rdb  *redis.Client
	log  *zap.Logger
	name string
}

func New(log *zap.Logger, rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, log: log.Named("queue"), name: name}
}

func (q *Queue) Name() string { return q.name }

// Submit enqueues a task and returns its opaque id. A lost dedup race
// returns (AlreadyRunningTaskID, ErrDuplicate); callers that only care
// about at-most-once semantics may treat that as success.
func (q *Queue) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.Fn == "" {
		return "", Permanent(errors.New("empty function name"))
	}

	var args json.RawMessage
	if sub.Args != nil {
		raw, err := json.Marshal(sub.Args)
		if err != nil {
			return "", Permanent(fmt.Errorf("marshal args: %w", err))
		}
		args = raw
	}

	env := envelope{
		ID:             ids.New(),
		Fn:             sub.Fn,
		Args:           args,
		EnqueuedAt:     time.Now().UnixMilli(),
		DedupKey:       sub.DedupKey,
		ConcurrencyKey: sub.ConcurrencyKey,
		MaxConcurrent:  sub.MaxConcurrent,
	}
	if sub.Retry != nil {
		env.RetryAttempts = sub.Retry.Attempts
		env.RetryDelayMs = sub.Retry.InitialDelay.Milliseconds()
	}
	if !sub.When.IsZero() && sub.When.After(time.Now()) {
		env.NotBefore = sub.When.UnixMilli()
	}

	if sub.DedupKey != "" {
		ok, err := q.rdb.SetNX(ctx, keys.DedupToken(sub.DedupKey), env.ID, DedupTTL).Result()
		if err != nil {
			return "", fmt.Errorf("dedup setnx: %w", err)
		}
		if !ok {
			metrics.DedupCollisions.Inc()
			q.log.Debug("dedup collision", zap.String("fn", sub.Fn), zap.String("dedup_key", sub.DedupKey))
			return AlreadyRunningTaskID, ErrDuplicate
		}
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal envelope: %w", err)
	}

	if env.NotBefore > 0 {
		err = q.rdb.ZAdd(ctx, keys.QueueDelayed(q.name), redis.Z{
			Score:  float64(env.NotBefore),
			Member: raw,
		}).Err()
	} else {
		err = q.rdb.LPush(ctx, keys.QueuePending(q.name), raw).Err()
	}
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	metrics.TasksSubmitted.WithLabelValues(sub.Fn).Inc()
	q.log.Debug("task submitted",
		zap.String("task_id", env.ID),
		zap.String("fn", sub.Fn),
		zap.Int64("not_before", env.NotBefore),
	)
	return env.ID, nil
}

// promoteDueLua atomically moves due members of the delayed sorted set
// onto the pending list so concurrent promoters never double-deliver.
const promoteDueLua = `
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
local moved = 0
for _, item in ipairs(due) do
    redis.call('LPUSH', KEYS[2], item)
    redis.call('ZREM', KEYS[1], item)
    moved = moved + 1
end
return moved
`

// PromoteDue moves delayed tasks whose time has come onto the pending
// list. Returns the number promoted.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int64, error) {
	res, err := q.rdb.Eval(ctx, promoteDueLua,
		[]string{keys.QueueDelayed(q.name), keys.QueuePending(q.name)},
		now.UnixMilli(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("promote due: %w", err)
	}
	n, _ := res.(int64)
	return n, nil
}

// Stats reports queue depths for observability and the CLI.
type Stats struct {
	Pending  int64 `json:"pending"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	pending := pipe.LLen(ctx, keys.QueuePending(q.name))
	delayed := pipe.ZCard(ctx, keys.QueueDelayed(q.name))
	inflight := pipe.HLen(ctx, keys.QueueClaims(q.name))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return Stats{Pending: pending.Val(), Delayed: delayed.Val(), InFlight: inflight.Val()}, nil
}
