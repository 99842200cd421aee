package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
)

// testRedis connects to TEST_REDIS_ADDR (default localhost:6379) and
// skips the test when no server is reachable.
func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testQueue(t *testing.T, rdb *redis.Client) *Queue {
	t.Helper()
	name := fmt.Sprintf("test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		rdb.Del(ctx, keys.QueuePending(name), keys.QueueDelayed(name), keys.QueueClaims(name), keys.QueueProcessing(name))
	})
	return New(zap.NewNop(), rdb, name)
}

func TestSubmitLandsOnPendingList(t *testing.T) {
	rdb := testRedis(t)
	q := testQueue(t, rdb)
	ctx := context.Background()

	id, err := q.Submit(ctx, Submission{Fn: "noop", Args: map[string]string{"k": "v"}})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	raw, err := rdb.LPop(ctx, keys.QueuePending(q.Name())).Result()
	require.NoError(t, err)

	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, id, env.ID)
	assert.Equal(t, "noop", env.Fn)
	assert.JSONEq(t, `{"k":"v"}`, string(env.Args))
	assert.Zero(t, env.NotBefore)
}

func TestSubmitDedupCollision(t *testing.T) {
	rdb := testRedis(t)
	q := testQueue(t, rdb)
	ctx := context.Background()

	key := fmt.Sprintf("dedup_%d", time.Now().UnixNano())
	t.Cleanup(func() { rdb.Del(context.Background(), keys.DedupToken(key)) })

	first, err := q.Submit(ctx, Submission{Fn: "noop", DedupKey: key})
	require.NoError(t, err)

	second, err := q.Submit(ctx, Submission{Fn: "noop", DedupKey: key})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.Equal(t, AlreadyRunningTaskID, second)
	assert.NotEqual(t, first, second)

	// Only the winner reached the pending list.
	depth, err := rdb.LLen(ctx, keys.QueuePending(q.Name())).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth)
}

func TestSubmitEmptyFnIsPermanent(t *testing.T) {
	rdb := testRedis(t)
	q := testQueue(t, rdb)

	_, err := q.Submit(context.Background(), Submission{})
	require.Error(t, err)
	assert.Equal(t, KindPermanent, Classify(err))
}

func TestDelayedSubmissionAndPromotion(t *testing.T) {
	rdb := testRedis(t)
	q := testQueue(t, rdb)
	ctx := context.Background()

	when := time.Now().Add(30 * time.Second)
	id, err := q.Submit(ctx, Submission{Fn: "noop", When: when})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, stats.Pending)
	assert.EqualValues(t, 1, stats.Delayed)

	// Not due yet.
	moved, err := q.PromoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 0, moved)

	// Due once the clock passes the scheduled instant.
	moved, err = q.PromoteDue(ctx, when.Add(time.Second))
	require.NoError(t, err)
	assert.EqualValues(t, 1, moved)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 0, stats.Delayed)

	raw, err := rdb.LPop(ctx, keys.QueuePending(q.Name())).Result()
	require.NoError(t, err)
	var env envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))
	assert.Equal(t, id, env.ID)
	assert.Equal(t, when.UnixMilli(), env.NotBefore)
}

func TestReapRequeuesOrphanedProcessingEntries(t *testing.T) {
	rdb := testRedis(t)
	q := testQueue(t, rdb)
	ctx := context.Background()

	// Orphan: popped onto processing, but its worker died before the
	// claim write.
	orphan, err := json.Marshal(envelope{ID: "orphan-1", Fn: "noop", EnqueuedAt: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, keys.QueueProcessing(q.Name()), orphan).Err())

	// In-flight: same list position, but its claim is live.
	inflight, err := json.Marshal(envelope{ID: "inflight-1", Fn: "noop", EnqueuedAt: time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, rdb.LPush(ctx, keys.QueueProcessing(q.Name()), inflight).Err())
	cl, err := json.Marshal(claim{Worker: "w1", Deadline: time.Now().Add(time.Hour).UnixMilli(), Envelope: inflight})
	require.NoError(t, err)
	require.NoError(t, rdb.HSet(ctx, keys.QueueClaims(q.Name()), "inflight-1", cl).Err())

	rt := NewRuntime(zap.NewNop(), rdb, q, RuntimeConfig{})
	rt.reapStaleClaims(ctx)

	pending, err := rdb.LRange(ctx, keys.QueuePending(q.Name()), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.JSONEq(t, string(orphan), pending[0])

	processing, err := rdb.LRange(ctx, keys.QueueProcessing(q.Name()), 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, processing, 1)
	assert.JSONEq(t, string(inflight), processing[0])
}

func TestSubmitPastWhenGoesStraightToPending(t *testing.T) {
	rdb := testRedis(t)
	q := testQueue(t, rdb)
	ctx := context.Background()

	_, err := q.Submit(ctx, Submission{Fn: "noop", When: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
	assert.EqualValues(t, 0, stats.Delayed)
}
