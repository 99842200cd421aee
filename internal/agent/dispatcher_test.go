package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/queue"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/thread"
)

// --- fakes ---

type fakeThreads struct {
	mu      sync.Mutex
	threads map[string]*thread.Thread
	updates []string // update types, in order
	result  interface{}
	errMsg  string
}

func newFakeThreads(ts ...*thread.Thread) *fakeThreads {
	f := &fakeThreads{threads: map[string]*thread.Thread{}}
	for _, t := range ts {
		if t.Context == nil {
			t.Context = map[string]string{}
		}
		f.threads[t.ID] = t
	}
	return f
}

func (f *fakeThreads) Get(_ context.Context, id string) (*thread.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.threads[id]
	if !ok {
		return nil, thread.ErrThreadNotFound
	}
	return t, nil
}

func (f *fakeThreads) AppendUpdate(_ context.Context, _, _, typ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, typ)
	return nil
}

func (f *fakeThreads) UpdateContext(_ context.Context, id string, patch map[string]string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range patch {
		f.threads[id].Context[k] = v
	}
	return nil
}

func (f *fakeThreads) SetResult(_ context.Context, _ string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = v
	return nil
}

func (f *fakeThreads) SetError(_ context.Context, _ string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errMsg = msg
	return nil
}

func (f *fakeThreads) UpdateSubject(context.Context, string, string) error { return nil }

type fakeTasks struct {
	mu       sync.Mutex
	created  int
	statuses []task.Status
	updates  []string
	result   interface{}
	errMsg   string
}

func (f *fakeTasks) Create(context.Context, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	return "task-1", nil
}

func (f *fakeTasks) UpdateStatus(_ context.Context, _ string, to task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, to)
	return nil
}

func (f *fakeTasks) AppendUpdate(_ context.Context, _, _, typ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, typ)
	return nil
}

func (f *fakeTasks) SetResult(_ context.Context, _ string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = v
	return nil
}

func (f *fakeTasks) SetError(_ context.Context, _ string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errMsg = msg
	return nil
}

// statefulTasks enforces the status transition matrix like the real
// store, including SetError implying failed.
type statefulTasks struct {
	mu      sync.Mutex
	status  map[string]task.Status
	updates []string
	result  interface{}
	errMsg  string
}

func newStatefulTasks(id string) *statefulTasks {
	return &statefulTasks{status: map[string]task.Status{id: task.StatusQueued}}
}

func (f *statefulTasks) Create(context.Context, string, string, string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status["task-1"] = task.StatusQueued
	return "task-1", nil
}

func (f *statefulTasks) UpdateStatus(_ context.Context, id string, to task.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from := f.status[id]
	if !task.CanTransition(from, to) {
		return &task.InvalidTransitionError{TaskID: id, From: from, To: to}
	}
	f.status[id] = to
	return nil
}

func (f *statefulTasks) AppendUpdate(_ context.Context, _, _, typ string, _ map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, typ)
	return nil
}

func (f *statefulTasks) SetResult(_ context.Context, _ string, v interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.result = v
	return nil
}

func (f *statefulTasks) SetError(_ context.Context, id string, msg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errMsg = msg
	f.status[id] = task.StatusFailed
	return nil
}

func (f *statefulTasks) statusOf(id string) task.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id]
}

// scriptedLLM replays canned primary and nano replies; the last entry
// repeats once the script runs out.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []Message
	nano    []Message
	i, j    int
	err     error
}

func (s *scriptedLLM) Invoke(ctx context.Context, _ []Message, _ []ToolDef) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return Message{}, s.err
	}
	m := s.replies[min(s.i, len(s.replies)-1)]
	s.i++
	return m, nil
}

func (s *scriptedLLM) InvokeNano(_ context.Context, _ []Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.nano[min(s.j, len(s.nano)-1)]
	s.j++
	return m, nil
}

type fixedRouter struct{ kind Kind }

func (r fixedRouter) Route(context.Context, string, map[string]string) (Kind, error) {
	return r.kind, nil
}

type countingTools struct {
	mu    sync.Mutex
	calls []string
}

func (c *countingTools) Tools() []ToolDef {
	return []ToolDef{{Name: "probe", Description: "test probe"}}
}

func (c *countingTools) Execute(_ context.Context, name string, _ json.RawMessage) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, name)
	return "probe output", nil
}

func newTestDispatcher(threads ThreadAPI, tasks TaskAPI, llm LLMClient, kind Kind, tools ToolProvider, checker *FactChecker, maxIter int) *Dispatcher {
	providers := map[Kind]ToolProvider{}
	if tools != nil {
		providers[kind] = tools
	}
	return NewDispatcher(
		zap.NewNop(), threads, tasks, llm,
		fixedRouter{kind: kind}, nil, providers, checker, nil,
		Config{MaxIterations: maxIter},
	)
}

// --- tests ---

func assistant(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

func toolCallReply(name string) Message {
	return Message{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: name}}}
}

func TestProcessTurnHappyPath(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1", UserID: "u1"})
	tasks := &fakeTasks{}
	llm := &scriptedLLM{replies: []Message{assistant("all good")}}

	d := newTestDispatcher(threads, tasks, llm, KindChat, nil, nil, 10)
	res, err := d.ProcessTurn(context.Background(), TurnArgs{ThreadID: "t1", Message: "how is memory?"})
	require.NoError(t, err)

	assert.Equal(t, "all good", res.Response)
	assert.Equal(t, KindChat, res.AgentKind)
	assert.Equal(t, 1, res.Iterations)
	assert.Equal(t, []task.Status{task.StatusInProgress, task.StatusDone}, tasks.statuses)
	assert.Equal(t, 1, tasks.created)

	// Runtime-added entries sandwich everything else.
	require.NotEmpty(t, tasks.updates)
	assert.Equal(t, "task_start", tasks.updates[0])
	assert.Equal(t, "turn_complete", tasks.updates[len(tasks.updates)-1])

	// Transcript persisted as user/assistant only.
	var history []Message
	require.NoError(t, json.Unmarshal([]byte(threads.threads["t1"].Context["messages"]), &history))
	require.Len(t, history, 2)
	assert.Equal(t, RoleUser, history[0].Role)
	assert.Equal(t, "how is memory?", history[0].Content)
	assert.Equal(t, RoleAssistant, history[1].Role)
	assert.Equal(t, "all good", history[1].Content)
}

func TestProcessTurnRunsToolsInOrder(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := &fakeTasks{}
	tools := &countingTools{}
	llm := &scriptedLLM{replies: []Message{
		toolCallReply("probe"),
		toolCallReply("probe"),
		assistant("done after probing"),
	}}

	d := newTestDispatcher(threads, tasks, llm, KindChat, tools, nil, 10)
	res, err := d.ProcessTurn(context.Background(), TurnArgs{ThreadID: "t1", Message: "dig in"})
	require.NoError(t, err)

	assert.Equal(t, "done after probing", res.Response)
	assert.Equal(t, 3, res.Iterations)
	assert.Equal(t, []string{"probe", "probe"}, tools.calls)
	assert.Empty(t, res.Metadata["iteration_limit_reached"])
}

func TestProcessTurnIterationCap(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := &fakeTasks{}
	tools := &countingTools{}
	// The model never stops calling tools.
	llm := &scriptedLLM{replies: []Message{toolCallReply("probe")}}

	d := newTestDispatcher(threads, tasks, llm, KindChat, tools, nil, 3)
	res, err := d.ProcessTurn(context.Background(), TurnArgs{ThreadID: "t1", Message: "investigate"})
	require.NoError(t, err)

	assert.Equal(t, "true", res.Metadata["iteration_limit_reached"])
	assert.NotEmpty(t, res.Response)
	assert.Equal(t, 3, res.Iterations)
	assert.Len(t, tools.calls, 3)
	// The capped turn still completes, it does not fail.
	assert.Equal(t, []task.Status{task.StatusInProgress, task.StatusDone}, tasks.statuses)
}

func TestProcessTurnFactCheckTriggersCorrectiveTurn(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := &fakeTasks{}
	tools := &countingTools{}
	llm := &scriptedLLM{
		replies: []Message{
			assistant("maxmemory defaults to 100mb"), // draft with a false claim
			toolCallReply("probe"),                   // corrective research
			assistant("maxmemory defaults to 0 (no limit); verified via maxmemory-policy docs"),
		},
		nano: []Message{
			assistant(`{"has_errors": true, "errors": ["maxmemory default is wrong"], "suggested_research": ["maxmemory-policy"]}`),
		},
	}
	checker := NewFactChecker(zap.NewNop(), llm)

	d := newTestDispatcher(threads, tasks, llm, KindChat, tools, checker, 10)
	res, err := d.ProcessTurn(context.Background(), TurnArgs{ThreadID: "t1", Message: "what is the maxmemory default?"})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(res.Response, "## Corrected Response"))
	assert.Contains(t, res.Response, "verified")
	assert.Equal(t, "true", res.Metadata["fact_corrected"])
	assert.Equal(t, []string{"probe"}, tools.calls)
	assert.Equal(t, []task.Status{task.StatusInProgress, task.StatusDone}, tasks.statuses)
}

func TestProcessTurnErrorPathSetsErrorOnBoth(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := &fakeTasks{}
	llm := &scriptedLLM{err: errors.New("llm unavailable")}

	d := newTestDispatcher(threads, tasks, llm, KindChat, nil, nil, 10)
	_, err := d.ProcessTurn(context.Background(), TurnArgs{ThreadID: "t1", Message: "hello"})
	require.Error(t, err)

	assert.Contains(t, tasks.errMsg, "llm unavailable")
	assert.Contains(t, threads.errMsg, "llm unavailable")
	assert.Equal(t, "error", tasks.updates[len(tasks.updates)-1])
}

func TestProcessTurnCancellation(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := &fakeTasks{}
	llm := &scriptedLLM{replies: []Message{assistant("never delivered")}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d := newTestDispatcher(threads, tasks, llm, KindChat, nil, nil, 10)
	_, err := d.ProcessTurn(ctx, TurnArgs{ThreadID: "t1", Message: "hello"})
	require.Error(t, err)

	assert.Equal(t, []task.Status{task.StatusInProgress, task.StatusCancelled}, tasks.statuses)
	assert.Equal(t, "cancelled", tasks.updates[len(tasks.updates)-1])
	// No error artifact on cancellation.
	assert.Empty(t, tasks.errMsg)
}

func TestProcessTurnTransientFailureLeavesTaskRetryable(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := newStatefulTasks("task-x")
	llm := &scriptedLLM{err: errors.New("llm unavailable")}
	d := newTestDispatcher(threads, tasks, llm, KindChat, nil, nil, 10)
	args := TurnArgs{ThreadID: "t1", Message: "hi", TaskID: "task-x"}

	// Attempt 1 of 3: the failure must not mark the task failed, or the
	// retry could never claim it again.
	ctx := queue.WithAttempt(context.Background(), queue.TaskAttempt{Number: 0})
	_, err := d.ProcessTurn(ctx, args)
	require.Error(t, err)
	assert.Equal(t, queue.KindTransient, queue.Classify(err))
	assert.Equal(t, task.StatusInProgress, tasks.statusOf("task-x"))
	assert.Empty(t, tasks.errMsg)

	// The retry runs the turn again and completes it.
	llm.mu.Lock()
	llm.err = nil
	llm.replies = []Message{assistant("recovered")}
	llm.mu.Unlock()

	ctx = queue.WithAttempt(context.Background(), queue.TaskAttempt{Number: 1, Final: true})
	res, err := d.ProcessTurn(ctx, args)
	require.NoError(t, err)
	assert.Equal(t, "recovered", res.Response)
	assert.Equal(t, task.StatusDone, tasks.statusOf("task-x"))
}

func TestProcessTurnFinalAttemptPersistsFailure(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := newStatefulTasks("task-x")
	llm := &scriptedLLM{err: errors.New("llm unavailable")}
	d := newTestDispatcher(threads, tasks, llm, KindChat, nil, nil, 10)
	args := TurnArgs{ThreadID: "t1", Message: "hi", TaskID: "task-x"}

	ctx := queue.WithAttempt(context.Background(), queue.TaskAttempt{Number: 0})
	_, err := d.ProcessTurn(ctx, args)
	require.Error(t, err)
	assert.Empty(t, tasks.errMsg)

	ctx = queue.WithAttempt(context.Background(), queue.TaskAttempt{Number: 2, Final: true})
	_, err = d.ProcessTurn(ctx, args)
	require.Error(t, err)
	assert.Equal(t, task.StatusFailed, tasks.statusOf("task-x"))
	assert.Contains(t, tasks.errMsg, "llm unavailable")

	// A re-dispatch of the now-terminal task is rejected permanently,
	// not spun through the retry budget.
	_, err = d.ProcessTurn(context.Background(), args)
	require.Error(t, err)
	assert.Equal(t, queue.KindPermanent, queue.Classify(err))
	var ite *task.InvalidTransitionError
	assert.ErrorAs(t, err, &ite)
}

func TestProcessTurnUnknownThreadIsPermanent(t *testing.T) {
	d := newTestDispatcher(newFakeThreads(), &fakeTasks{}, &scriptedLLM{replies: []Message{assistant("x")}}, KindChat, nil, nil, 10)
	_, err := d.ProcessTurn(context.Background(), TurnArgs{ThreadID: "missing", Message: "hello"})
	require.Error(t, err)
	assert.Equal(t, queue.KindPermanent, queue.Classify(err))
}

func TestProcessTurnReusesProvidedTaskID(t *testing.T) {
	threads := newFakeThreads(&thread.Thread{ID: "t1"})
	tasks := &fakeTasks{}
	llm := &scriptedLLM{replies: []Message{assistant("ok")}}

	d := newTestDispatcher(threads, tasks, llm, KindChat, nil, nil, 10)
	_, err := d.ProcessTurn(context.Background(), TurnArgs{ThreadID: "t1", Message: "hi", TaskID: "pre-created"})
	require.NoError(t, err)
	assert.Zero(t, tasks.created)
}
