package service

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/queue"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/schedule"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/thread"
)

// newTestService wires real stores against redis DB 15, flushed per
// test. Skips when no server is reachable at TEST_REDIS_ADDR (default
// localhost:6379).
func newTestService(t *testing.T) (*Service, *task.Store, *redis.Client) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not reachable at %s: %v", addr, err)
	}
	require.NoError(t, rdb.FlushDB(ctx).Err())
	t.Cleanup(func() { _ = rdb.Close() })

	log := zap.NewNop()
	sm := search.NewManager(log, rdb, 8)
	thr := thread.NewStore(log, rdb, sm, nil)
	tsk := task.NewStore(log, rdb, sm)
	sch := schedule.NewStore(log, rdb, sm)
	q := queue.New(log, rdb, "svc_test")
	sched := schedule.New(log, sch, thr, q)
	return New(log, thr, tsk, sch, sched, q, sm), tsk, rdb
}

func TestCreateTaskStartsThreadAndQueuesTurn(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateTask(ctx, CreateTaskParams{Message: "why is latency high?", UserID: "u1"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.TaskID)
	assert.NotEmpty(t, res.ThreadID)
	assert.Equal(t, task.StatusQueued, res.Status)

	st, err := svc.GetTaskByID(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusQueued, st.Status)
	assert.Equal(t, res.ThreadID, st.ThreadID)

	th, err := svc.GetThread(ctx, res.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "why is latency high?", th.Subject)
	assert.Equal(t, "why is latency high?", th.Context["original_query"])

	stats, err := svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, stats.Pending)
}

func TestCreateTaskRequiresMessageAndKnownThread(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateTask(ctx, CreateTaskParams{})
	assert.Error(t, err)

	_, err = svc.CreateTask(ctx, CreateTaskParams{Message: "hi", ThreadID: "missing"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	svc, tsk, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateTask(ctx, CreateTaskParams{Message: "hello", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, tsk.UpdateStatus(ctx, res.TaskID, task.StatusInProgress))
	for _, msg := range []string{"start", "work", "done"} {
		require.NoError(t, tsk.AppendUpdate(ctx, res.TaskID, msg, "status", nil))
	}
	require.NoError(t, tsk.SetResult(ctx, res.TaskID, map[string]string{"answer": "ok"}))
	require.NoError(t, tsk.UpdateStatus(ctx, res.TaskID, task.StatusDone))

	st, err := svc.GetTaskByID(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, st.Status)
	assert.JSONEq(t, `{"answer":"ok"}`, string(st.Result))

	var msgs []string
	for _, u := range st.Updates {
		msgs = append(msgs, u.Message)
	}
	assert.Equal(t, []string{"start", "work", "done"}, msgs)

	// Terminal states admit no further transitions.
	err = tsk.UpdateStatus(ctx, res.TaskID, task.StatusInProgress)
	var ite *task.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestGetTaskByIDNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetTaskByID(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteThreadCascadesTasks(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	res, err := svc.CreateTask(ctx, CreateTaskParams{Message: "hello", UserID: "u1"})
	require.NoError(t, err)

	require.NoError(t, svc.DeleteThread(ctx, res.ThreadID, true))

	_, err = svc.GetThread(ctx, res.ThreadID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = svc.GetTaskByID(ctx, res.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPurgeThreadsOlderThanWindow(t *testing.T) {
	svc, _, rdb := newTestService(t)
	ctx := context.Background()

	backdate := func(threadID string, age time.Duration) {
		created := time.Now().UTC().Add(-age).Unix()
		require.NoError(t, rdb.HSet(ctx, keys.ThreadMetadata(threadID), "created_at", created).Err())
	}

	old1, err := svc.CreateTask(ctx, CreateTaskParams{Message: "a", UserID: "u1"})
	require.NoError(t, err)
	backdate(old1.ThreadID, 30*24*time.Hour)

	old2, err := svc.CreateTask(ctx, CreateTaskParams{Message: "b", UserID: "u1"})
	require.NoError(t, err)
	backdate(old2.ThreadID, 8*24*time.Hour)

	fresh, err := svc.CreateTask(ctx, CreateTaskParams{Message: "c", UserID: "u1"})
	require.NoError(t, err)

	res, err := svc.PurgeThreads(ctx, 7*24*time.Hour, true)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Threads)
	assert.Equal(t, 2, res.Tasks)

	for _, gone := range []*CreateTaskResult{old1, old2} {
		_, err = svc.GetThread(ctx, gone.ThreadID)
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = svc.GetTaskByID(ctx, gone.TaskID)
		assert.ErrorIs(t, err, ErrNotFound)
	}

	_, err = svc.GetThread(ctx, fresh.ThreadID)
	assert.NoError(t, err)
	_, err = svc.GetTaskByID(ctx, fresh.TaskID)
	assert.NoError(t, err)
}
