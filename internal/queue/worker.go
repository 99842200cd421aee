package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/metrics"
)

// Handler executes one task. The returned value is the task's result;
// persisting it (and any task-record bookkeeping) is the handler's
// concern — the runtime only decides retry vs terminate.
type Handler func(ctx context.Context, args json.RawMessage) (interface{}, error)

// Registration binds a function name to its handler and defaults.
type Registration struct {
	Name    string
	Handler Handler

	// Retry is the default policy; a submission may override it.
	Retry RetryPolicy

	// Perpetual, when set, makes the runtime reschedule the task at
	// Every cadence after each run.
	Perpetual *Perpetual

	// ConcurrencyKey/MaxConcurrent are defaults applied when the
	// submission carries none (used by perpetual singletons).
	ConcurrencyKey string
	MaxConcurrent  int
}

// TaskAttempt describes the executing task's position in its retry
// budget. Handlers that persist their own failure artifacts use Final
// to defer them until no retry will follow.
type TaskAttempt struct {
	Number int  // zero-based attempt index
	Final  bool // a failure will not be retried
}

type attemptCtxKey struct{}

// WithAttempt attaches retry progress to a handler context.
func WithAttempt(ctx context.Context, a TaskAttempt) context.Context {
	return context.WithValue(ctx, attemptCtxKey{}, a)
}

// AttemptFromContext reports the executing task's retry state. Outside
// a runtime it reports a final attempt, so direct callers persist
// failures immediately.
func AttemptFromContext(ctx context.Context) TaskAttempt {
	if a, ok := ctx.Value(attemptCtxKey{}).(TaskAttempt); ok {
		return a
	}
	return TaskAttempt{Final: true}
}

// RuntimeConfig tunes the worker pool.
type RuntimeConfig struct {
	Concurrency    int           // worker goroutines (default 2)
	PollInterval   time.Duration // queue poll / delayed promotion cadence (default 1s)
	MaxTaskRuntime time.Duration // per-task execution bound (default 5m)
}

func (c *RuntimeConfig) withDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = 2
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.MaxTaskRuntime <= 0 {
		c.MaxTaskRuntime = 5 * time.Minute
	}
}

// Runtime is the worker pool driving a Queue.
type Runtime struct {
	queue    *Queue
	rdb      *redis.Client
	log      *zap.Logger
	cfg      RuntimeConfig
	registry map[string]Registration
	workerID string
}

func NewRuntime(log *zap.Logger, rdb *redis.Client, q *Queue, cfg RuntimeConfig) *Runtime {
	cfg.withDefaults()
	return &Runtime{
		queue:    q,
		rdb:      rdb,
		log:      log.Named("worker"),
		cfg:      cfg,
		registry: make(map[string]Registration),
		workerID: uuid.NewString(),
	}
}

// Register adds a task function. Registration is validated up front so a
// misdeclared function fails at startup, not at dispatch.
func (r *Runtime) Register(reg Registration) error {
	if reg.Name == "" {
		return errors.New("registration requires a name")
	}
	if reg.Handler == nil {
		return fmt.Errorf("registration %q requires a handler", reg.Name)
	}
	if reg.Perpetual != nil && reg.Perpetual.Every <= 0 {
		return fmt.Errorf("registration %q: perpetual cadence must be positive", reg.Name)
	}
	if _, dup := r.registry[reg.Name]; dup {
		return fmt.Errorf("registration %q already exists", reg.Name)
	}
	r.registry[reg.Name] = reg
	return nil
}

// Run drives the worker pool until ctx is cancelled. It seeds automatic
// perpetual tasks, recovers stale claims from dead workers, promotes
// delayed tasks, and executes pending ones.
func (r *Runtime) Run(ctx context.Context) error {
	r.log.Info("worker runtime starting",
		zap.String("worker_id", r.workerID),
		zap.String("queue", r.queue.Name()),
		zap.Int("concurrency", r.cfg.Concurrency),
	)

	for _, reg := range r.registry {
		if reg.Perpetual != nil && reg.Perpetual.Automatic {
			r.schedulePerpetual(ctx, reg, time.Now())
		}
	}
	r.reapStaleClaims(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return r.promoteLoop(ctx) })
	g.Go(func() error { return r.reapLoop(ctx) })
	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error { return r.workLoop(ctx) })
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	r.log.Info("worker runtime stopped", zap.String("worker_id", r.workerID))
	return err
}

func (r *Runtime) promoteLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.queue.PromoteDue(ctx, time.Now()); err != nil && ctx.Err() == nil {
				r.log.Warn("delayed promotion failed", zap.Error(err))
			}
			if stats, err := r.queue.Stats(ctx); err == nil {
				metrics.QueueDepth.WithLabelValues("pending").Set(float64(stats.Pending))
				metrics.QueueDepth.WithLabelValues("delayed").Set(float64(stats.Delayed))
				metrics.QueueDepth.WithLabelValues("in_flight").Set(float64(stats.InFlight))
			}
		}
	}
}

func (r *Runtime) reapLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.MaxTaskRuntime)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.reapStaleClaims(ctx)
		}
	}
}

func (r *Runtime) workLoop(ctx context.Context) error {
	pending := keys.QueuePending(r.queue.Name())
	processing := keys.QueueProcessing(r.queue.Name())
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// Atomic move onto the processing list: a worker killed after
		// the pop leaves the envelope where the reaper can recover it.
		raw, err := r.rdb.BLMove(ctx, pending, processing, "RIGHT", "LEFT", r.cfg.PollInterval).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.log.Warn("queue poll failed", zap.Error(err))
			time.Sleep(r.cfg.PollInterval)
			continue
		}
		r.execute(ctx, []byte(raw))
	}
}

// claim records an in-flight task so a crashed worker's work is visible
// and recoverable.
type claim struct {
	Worker   string          `json:"worker"`
	Deadline int64           `json:"deadline"`
	Envelope json.RawMessage `json:"envelope"`
}

func (r *Runtime) execute(ctx context.Context, raw []byte) {
	// Every exit path clears the processing entry; the happy path
	// removes it earlier, together with the claim, and this is a no-op.
	defer r.rdb.LRem(context.WithoutCancel(ctx), keys.QueueProcessing(r.queue.Name()), 1, raw)

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		r.log.Error("dropping undecodable envelope", zap.Error(err))
		return
	}

	reg, ok := r.registry[env.Fn]
	if !ok {
		// Unknown function is a permanent failure: nothing to retry.
		r.log.Error("dropping task for unknown function",
			zap.String("task_id", env.ID), zap.String("fn", env.Fn))
		metrics.TasksCompleted.WithLabelValues(env.Fn, "unknown_fn").Inc()
		return
	}

	ckey, maxConc := env.ConcurrencyKey, env.MaxConcurrent
	if ckey == "" {
		ckey, maxConc = reg.ConcurrencyKey, reg.MaxConcurrent
	}
	if ckey != "" && maxConc > 0 {
		acquired, err := r.acquireSlot(ctx, ckey, maxConc)
		if err != nil {
			r.log.Warn("slot acquire failed; requeueing", zap.String("task_id", env.ID), zap.Error(err))
			r.requeueAfter(ctx, env, 2*time.Second)
			return
		}
		if !acquired {
			// Saturated key: park the task briefly rather than busy-loop.
			r.requeueAfter(ctx, env, 2*time.Second)
			return
		}
		defer r.releaseSlot(context.WithoutCancel(ctx), ckey)
	}

	grace := 5 * r.cfg.MaxTaskRuntime
	cl, _ := json.Marshal(claim{
		Worker:   r.workerID,
		Deadline: time.Now().Add(grace).UnixMilli(),
		Envelope: raw,
	})
	claimsKey := keys.QueueClaims(r.queue.Name())
	if err := r.rdb.HSet(ctx, claimsKey, env.ID, cl).Err(); err != nil {
		r.log.Warn("claim write failed", zap.String("task_id", env.ID), zap.Error(err))
	}

	attempts := env.RetryAttempts
	if attempts == 0 {
		attempts = reg.Retry.Attempts
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, r.cfg.MaxTaskRuntime)
	runCtx = WithAttempt(runCtx, TaskAttempt{Number: env.Attempt, Final: env.Attempt+1 >= attempts})
	_, err := reg.Handler(runCtx, env.Args)
	cancel()
	metrics.TaskDuration.WithLabelValues(env.Fn).Observe(time.Since(start).Seconds())

	// Claim release, processing-list removal, and any re-enqueue must
	// survive runtime shutdown. The two removals are one transaction so
	// the reaper never sees a finished task as orphaned.
	cleanupCtx := context.WithoutCancel(ctx)
	done := r.rdb.TxPipeline()
	done.HDel(cleanupCtx, claimsKey, env.ID)
	done.LRem(cleanupCtx, keys.QueueProcessing(r.queue.Name()), 1, raw)
	if _, err := done.Exec(cleanupCtx); err != nil {
		r.log.Warn("claim release failed", zap.String("task_id", env.ID), zap.Error(err))
	}

	if err == nil {
		metrics.TasksCompleted.WithLabelValues(env.Fn, "ok").Inc()
		r.log.Debug("task completed", zap.String("task_id", env.ID), zap.String("fn", env.Fn),
			zap.Duration("duration", time.Since(start)))
	} else {
		r.handleFailure(cleanupCtx, reg, env, err)
	}

	if reg.Perpetual != nil {
		r.schedulePerpetual(cleanupCtx, reg, time.Now().Add(reg.Perpetual.Every))
	}
}

func (r *Runtime) handleFailure(ctx context.Context, reg Registration, env envelope, err error) {
	kind := Classify(err)
	attempts := env.RetryAttempts
	delay := time.Duration(env.RetryDelayMs) * time.Millisecond
	if attempts == 0 {
		attempts = reg.Retry.Attempts
		delay = reg.Retry.InitialDelay
	}

	if kind == KindTransient && env.Attempt+1 < attempts {
		backoff := Backoff(delay, env.Attempt)
		env.Attempt++
		r.log.Warn("task failed; retrying",
			zap.String("task_id", env.ID), zap.String("fn", env.Fn),
			zap.Int("attempt", env.Attempt), zap.Duration("backoff", backoff), zap.Error(err))
		r.requeueAfter(ctx, env, backoff)
		return
	}

	outcome := "failed"
	if kind == KindPolicy {
		outcome = "policy"
	}
	metrics.TasksCompleted.WithLabelValues(env.Fn, outcome).Inc()
	r.log.Error("task terminated",
		zap.String("task_id", env.ID), zap.String("fn", env.Fn),
		zap.Int("attempt", env.Attempt), zap.String("outcome", outcome), zap.Error(err))
}

// Backoff returns the exponential delay before retry number attempt+1.
func Backoff(initial time.Duration, attempt int) time.Duration {
	if initial <= 0 {
		initial = time.Second
	}
	d := initial
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (r *Runtime) requeueAfter(ctx context.Context, env envelope, delay time.Duration) {
	env.NotBefore = time.Now().Add(delay).UnixMilli()
	raw, err := json.Marshal(env)
	if err != nil {
		r.log.Error("requeue marshal failed", zap.String("task_id", env.ID), zap.Error(err))
		return
	}
	if err := r.rdb.ZAdd(ctx, keys.QueueDelayed(r.queue.Name()), redis.Z{
		Score:  float64(env.NotBefore),
		Member: raw,
	}).Err(); err != nil {
		r.log.Error("requeue failed", zap.String("task_id", env.ID), zap.Error(err))
	}
}

// acquireSlot bounds in-flight tasks per concurrency key via an atomic
// counter. The key carries a TTL so crashed workers cannot leak slots
// forever.
const acquireSlotLua = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
    return 0
end
redis.call('INCR', KEYS[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`

func (r *Runtime) acquireSlot(ctx context.Context, key string, max int) (bool, error) {
	ttl := (6 * r.cfg.MaxTaskRuntime).Milliseconds()
	res, err := r.rdb.Eval(ctx, acquireSlotLua,
		[]string{keys.QueueSlots(r.queue.Name(), key)}, max, ttl,
	).Result()
	if err != nil {
		return false, err
	}
	n, _ := res.(int64)
	return n == 1, nil
}

const releaseSlotLua = `
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur <= 1 then
    redis.call('DEL', KEYS[1])
    return 0
end
return redis.call('DECR', KEYS[1])
`

func (r *Runtime) releaseSlot(ctx context.Context, key string) {
	if err := r.rdb.Eval(ctx, releaseSlotLua, []string{keys.QueueSlots(r.queue.Name(), key)}).Err(); err != nil {
		r.log.Warn("slot release failed", zap.String("concurrency_key", key), zap.Error(err))
	}
}

// reapStaleClaims returns abandoned in-flight tasks to the pending list
// once their claim deadline (claim time + 5× max task runtime) passes.
func (r *Runtime) reapStaleClaims(ctx context.Context) {
	claimsKey := keys.QueueClaims(r.queue.Name())
	all, err := r.rdb.HGetAll(ctx, claimsKey).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("claim scan failed", zap.Error(err))
		}
		return
	}

	now := time.Now().UnixMilli()
	for id, raw := range all {
		var c claim
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			r.log.Warn("dropping undecodable claim", zap.String("task_id", id), zap.Error(err))
			r.rdb.HDel(ctx, claimsKey, id)
			continue
		}
		if c.Deadline > now {
			continue
		}
		pipe := r.rdb.TxPipeline()
		pipe.LPush(ctx, keys.QueuePending(r.queue.Name()), []byte(c.Envelope))
		pipe.HDel(ctx, claimsKey, id)
		if _, err := pipe.Exec(ctx); err != nil {
			r.log.Warn("claim reap failed", zap.String("task_id", id), zap.Error(err))
			continue
		}
		metrics.ReapedClaims.Inc()
		r.log.Info("reaped stale claim",
			zap.String("task_id", id), zap.String("dead_worker", c.Worker))
	}

	r.reapOrphanedProcessing(ctx, claimsKey)
}

// reapOrphanedProcessing requeues processing-list entries that have no
// claim: a worker died between the pop and the claim write. A healthy
// worker inside that window gets its task double-delivered, which
// at-least-once execution permits.
func (r *Runtime) reapOrphanedProcessing(ctx context.Context, claimsKey string) {
	procKey := keys.QueueProcessing(r.queue.Name())
	entries, err := r.rdb.LRange(ctx, procKey, 0, -1).Result()
	if err != nil {
		if ctx.Err() == nil {
			r.log.Warn("processing scan failed", zap.Error(err))
		}
		return
	}

	for _, raw := range entries {
		var env envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			r.log.Warn("dropping undecodable processing entry", zap.Error(err))
			r.rdb.LRem(ctx, procKey, 1, raw)
			continue
		}
		claimed, err := r.rdb.HExists(ctx, claimsKey, env.ID).Result()
		if err != nil || claimed {
			continue
		}
		pipe := r.rdb.TxPipeline()
		pipe.LPush(ctx, keys.QueuePending(r.queue.Name()), raw)
		pipe.LRem(ctx, procKey, 1, raw)
		if _, err := pipe.Exec(ctx); err != nil {
			r.log.Warn("processing reap failed", zap.String("task_id", env.ID), zap.Error(err))
			continue
		}
		metrics.ReapedClaims.Inc()
		r.log.Info("requeued orphaned task", zap.String("task_id", env.ID))
	}
}

// schedulePerpetual enqueues the next instance of a perpetual task. The
// minute-slot dedup key guarantees at most one instance per cadence slot
// even when several worker processes race.
func (r *Runtime) schedulePerpetual(ctx context.Context, reg Registration, when time.Time) {
	slot := when.UTC().Format("20060102_1504")
	_, err := r.queue.Submit(ctx, Submission{
		Fn:             reg.Name,
		When:           when,
		DedupKey:       fmt.Sprintf("perpetual_%s_%s", reg.Name, slot),
		ConcurrencyKey: reg.ConcurrencyKey,
		MaxConcurrent:  reg.MaxConcurrent,
	})
	if err != nil && !errors.Is(err, ErrDuplicate) {
		r.log.Error("perpetual reschedule failed", zap.String("fn", reg.Name), zap.Error(err))
	}
}
