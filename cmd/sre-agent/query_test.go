package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/service"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
)

type missingTasks struct{}

func (missingTasks) GetTaskByID(_ context.Context, id string) (*task.State, error) {
	return nil, fmt.Errorf("task %s: %w", id, service.ErrNotFound)
}

type doneTasks struct{}

func (doneTasks) GetTaskByID(_ context.Context, id string) (*task.State, error) {
	return &task.State{TaskID: id, Status: task.StatusDone}, nil
}

func TestWaitForTaskTimesOutWhenTaskStaysMissing(t *testing.T) {
	// A task deleted mid-poll reads as not-found on every tick; the
	// deadline must still fire.
	_, err := waitForTask(context.Background(), missingTasks{}, "gone", 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timed out")
}

func TestWaitForTaskReturnsTerminalState(t *testing.T) {
	st, err := waitForTask(context.Background(), doneTasks{}, "t1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDone, st.Status)
}

func TestWaitForTaskHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := waitForTask(ctx, missingTasks{}, "t1", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}
