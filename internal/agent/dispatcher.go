package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/progress"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/queue"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/thread"
)

// TurnTaskName is the dispatcher's registered function name.
const TurnTaskName = "process_agent_turn"

// TurnArgs is the persisted submission payload for one agent turn.
type TurnArgs struct {
	ThreadID string            `json:"thread_id"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
	TaskID   string            `json:"task_id,omitempty"`
}

// TurnResult is the terminal artifact of one turn, stored on both the
// task and the thread.
type TurnResult struct {
	Response   string            `json:"response"`
	AgentKind  Kind              `json:"agent_kind"`
	InstanceID string            `json:"instance_id,omitempty"`
	Iterations int               `json:"iterations"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// ThreadAPI is the slice of the thread store the dispatcher needs.
type ThreadAPI interface {
	Get(ctx context.Context, id string) (*thread.Thread, error)
	AppendUpdate(ctx context.Context, id, message, typ string, metadata map[string]string) error
	UpdateContext(ctx context.Context, id string, patch map[string]string, merge bool) error
	SetResult(ctx context.Context, id string, value interface{}) error
	SetError(ctx context.Context, id, msg string) error
	UpdateSubject(ctx context.Context, id, seed string) error
}

// QARecorder archives completed turns for later knowledge search. A nil
// recorder disables archiving.
type QARecorder interface {
	RecordTurn(ctx context.Context, userID, threadID, taskID, question, answer string) error
}

// TaskAPI is the slice of the task store the dispatcher needs.
type TaskAPI interface {
	Create(ctx context.Context, threadID, userID, subject string) (string, error)
	UpdateStatus(ctx context.Context, id string, to task.Status) error
	AppendUpdate(ctx context.Context, id, message, typ string, metadata map[string]string) error
	SetResult(ctx context.Context, id string, value interface{}) error
	SetError(ctx context.Context, id, msg string) error
}

// Config tunes the dispatcher's loop bounds and timeouts.
type Config struct {
	MaxIterations int           // tool loop cap (default 10)
	ToolTimeout   time.Duration // per tool execution (default 60s)
	SoftBudget    time.Duration // per turn; exceeding emits a warning (default 4m)
}

func (c *Config) withDefaults() {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = 60 * time.Second
	}
	if c.SoftBudget <= 0 {
		c.SoftBudget = 4 * time.Minute
	}
}

// Dispatcher executes agent turns: binds an instance, routes to an
// agent kind, drives the tool loop, fact-checks the draft, and persists
// the transcript and result.
type Dispatcher struct {
	log       *zap.Logger
	threads   ThreadAPI
	tasks     TaskAPI
	llm       LLMClient
	router    Router
	instances InstanceResolver // nil disables instance binding
	providers map[Kind]ToolProvider
	checker   *FactChecker // nil disables fact-checking
	recorder  QARecorder   // nil disables turn archiving
	cfg       Config
}

func NewDispatcher(
	log *zap.Logger,
	threads ThreadAPI,
	tasks TaskAPI,
	llm LLMClient,
	router Router,
	instances InstanceResolver,
	providers map[Kind]ToolProvider,
	checker *FactChecker,
	recorder QARecorder,
	cfg Config,
) *Dispatcher {
	cfg.withDefaults()
	return &Dispatcher{
		log:       log.Named("dispatcher"),
		threads:   threads,
		tasks:     tasks,
		llm:       llm,
		router:    router,
		instances: instances,
		providers: providers,
		checker:   checker,
		recorder:  recorder,
		cfg:       cfg,
	}
}

// Registration declares the turn task. Per-thread serialization comes
// from the submission's concurrency key, not the registration.
func (d *Dispatcher) Registration() queue.Registration {
	return queue.Registration{
		Name: TurnTaskName,
		Handler: func(ctx context.Context, raw json.RawMessage) (interface{}, error) {
			var args TurnArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, queue.Permanent(fmt.Errorf("decode turn args: %w", err))
			}
			return d.ProcessTurn(ctx, args)
		},
		Retry: queue.RetryPolicy{Attempts: 3, InitialDelay: 5 * time.Second},
	}
}

// ProcessTurn runs one agent turn end to end.
func (d *Dispatcher) ProcessTurn(ctx context.Context, args TurnArgs) (*TurnResult, error) {
	if args.ThreadID == "" || args.Message == "" {
		return nil, queue.Permanent(errors.New("turn requires thread_id and message"))
	}

	thr, err := d.threads.Get(ctx, args.ThreadID)
	if err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}

	taskID := args.TaskID
	if taskID == "" {
		taskID, err = d.tasks.Create(ctx, thr.ID, thr.UserID, thread.SeedSubject(args.Message))
		if err != nil {
			return nil, fmt.Errorf("create task: %w", err)
		}
	}
	meta := map[string]string{"task_id": taskID}

	if err := d.tasks.UpdateStatus(ctx, taskID, task.StatusInProgress); err != nil {
		// A transition rejection means the record is terminal (or was
		// never claimable); retrying cannot change that.
		var ite *task.InvalidTransitionError
		if errors.As(err, &ite) {
			return nil, queue.Permanent(err)
		}
		return nil, err
	}
	d.emit(ctx, thr.ID, taskID, "Processing turn", progress.TypeTaskStart, meta)
	if err := d.threads.UpdateSubject(ctx, thr.ID, args.Message); err != nil {
		d.log.Warn("subject seed failed", zap.String("thread_id", thr.ID), zap.Error(err))
	}

	res, err := d.runTurn(ctx, thr, taskID, args)
	if err != nil {
		d.finishError(ctx, thr.ID, taskID, err)
		return nil, err
	}

	d.finishOK(ctx, thr.ID, taskID, res)

	if d.recorder != nil && res.Response != "" {
		rctx := context.WithoutCancel(ctx)
		if err := d.recorder.RecordTurn(rctx, thr.UserID, thr.ID, taskID, args.Message, res.Response); err != nil {
			d.log.Warn("qa record failed", zap.String("task_id", taskID), zap.Error(err))
		}
	}
	return res, nil
}

func (d *Dispatcher) runTurn(ctx context.Context, thr *thread.Thread, taskID string, args TurnArgs) (*TurnResult, error) {
	meta := map[string]string{"task_id": taskID}
	started := time.Now()

	tctx := mergeContext(thr.Context, args.Context)
	inst := d.bindInstance(ctx, thr.ID, tctx, args)

	kind, err := d.router.Route(ctx, args.Message, tctx)
	if err != nil || !kind.Valid() {
		if err != nil {
			d.log.Warn("routing failed; defaulting", zap.Error(err))
		}
		kind = heuristicKind(args.Message, tctx)
	}
	d.emit(ctx, thr.ID, taskID, fmt.Sprintf("Routed to %s agent", kind), progress.TypeStatus, meta)

	provider := d.providers[kind]
	msgs := d.buildTranscript(kind, tctx, inst, args.Message)

	draft, iterations, capped, err := d.toolLoop(ctx, thr.ID, taskID, msgs, provider, d.cfg.MaxIterations)
	if err != nil {
		return nil, err
	}
	if elapsed := time.Since(started); elapsed > d.cfg.SoftBudget {
		d.emit(ctx, thr.ID, taskID,
			fmt.Sprintf("Turn exceeded soft budget (%s)", elapsed.Round(time.Second)),
			progress.TypeWarning, meta)
	}

	resMeta := map[string]string{}
	if capped {
		resMeta["iteration_limit_reached"] = "true"
	}

	if d.checker != nil && draft != "" && !capped {
		if rep := d.checker.Check(ctx, draft); rep.HasErrors {
			corrected, extra, err := d.correctiveTurn(ctx, thr.ID, taskID, msgs, provider, draft, rep)
			if err != nil {
				d.log.Warn("corrective turn failed; keeping draft", zap.Error(err))
			} else {
				draft = corrected
				iterations += extra
				resMeta["fact_corrected"] = "true"
			}
		}
	}

	d.persistTranscript(ctx, thr.ID, msgs, args.Message, draft)

	res := &TurnResult{
		Response:   draft,
		AgentKind:  kind,
		Iterations: iterations,
	}
	if inst != nil {
		res.InstanceID = inst.ID
	}
	if len(resMeta) > 0 {
		res.Metadata = resMeta
	}
	return res, nil
}

// bindInstance resolves the active instance with precedence
// client-supplied > thread-persisted > extracted-from-message, and
// persists a fresh binding into the thread context.
func (d *Dispatcher) bindInstance(ctx context.Context, threadID string, tctx map[string]string, args TurnArgs) *Instance {
	if d.instances == nil {
		return nil
	}

	id := args.Context["instance_id"]
	if id == "" {
		id = tctx["instance_id"]
	}
	if id == "" {
		id = ExtractInstanceID(args.Message)
	}
	if id == "" {
		return nil
	}

	inst, err := d.instances.GetByID(ctx, id)
	if err != nil {
		d.log.Warn("instance lookup failed", zap.String("instance_id", id), zap.Error(err))
		return nil
	}
	if inst == nil {
		d.log.Warn("unknown instance id", zap.String("instance_id", id))
		return nil
	}

	if tctx["instance_id"] != inst.ID {
		tctx["instance_id"] = inst.ID
		if err := d.threads.UpdateContext(ctx, threadID, map[string]string{"instance_id": inst.ID}, true); err != nil {
			d.log.Warn("instance binding persist failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	}
	return inst
}

var instanceIDPattern = regexp.MustCompile(`(?i)\binstance[\s:_-]+([A-Za-z0-9][A-Za-z0-9_-]{2,})`)

// ExtractInstanceID pulls an instance reference out of free text, e.g.
// "check instance prod-cache-01 for memory pressure".
func ExtractInstanceID(message string) string {
	m := instanceIDPattern.FindStringSubmatch(message)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// compactHistoryLen bounds the transcript window for knowledge-only
// agents; Redis agents get the full rolling transcript.
const compactHistoryLen = 6

func (d *Dispatcher) buildTranscript(kind Kind, tctx map[string]string, inst *Instance, message string) []Message {
	msgs := []Message{{Role: RoleSystem, Content: systemPrompt(kind, inst)}}

	history := decodeHistory(tctx["messages"])
	if kind == KindKnowledgeOnly && len(history) > compactHistoryLen {
		history = history[len(history)-compactHistoryLen:]
	}
	msgs = append(msgs, history...)

	return append(msgs, Message{Role: RoleUser, Content: message})
}

func systemPrompt(kind Kind, inst *Instance) string {
	var b strings.Builder
	switch kind {
	case KindTriage:
		b.WriteString("You are a Redis SRE performing a deep diagnostic investigation. " +
			"Use the available tools to gather evidence before concluding. " +
			"Present findings with severity and concrete remediation steps.")
	case KindChat:
		b.WriteString("You are a Redis SRE assistant answering operational questions. " +
			"Use tools when live data would improve the answer; keep responses focused.")
	default:
		b.WriteString("You are a Redis expert answering from documentation and runbooks. " +
			"Use the knowledge base tool to ground your answers; cite sources.")
	}
	if inst != nil {
		fmt.Fprintf(&b, "\n\nTarget instance: %s (%s, %s).", inst.Name, inst.Environment, inst.InstanceType)
	}
	return b.String()
}

// toolLoop drives the LLM until it produces a content-only message or
// the iteration cap is hit. Returns the draft, iterations used, and
// whether the cap terminated the loop.
func (d *Dispatcher) toolLoop(ctx context.Context, threadID, taskID string, msgs []Message, provider ToolProvider, maxIter int) (string, int, bool, error) {
	meta := map[string]string{"task_id": taskID}

	var defs []ToolDef
	if provider != nil {
		defs = provider.Tools()
	}

	lastContent := ""
	for i := 0; i < maxIter; i++ {
		reply, err := d.llm.Invoke(ctx, msgs, defs)
		if err != nil {
			return "", i, false, fmt.Errorf("llm invoke: %w", err)
		}
		msgs = append(msgs, reply)
		if reply.Content != "" {
			lastContent = reply.Content
		}

		if len(reply.ToolCalls) == 0 {
			return reply.Content, i + 1, false, nil
		}

		// Tool calls run in submission order.
		for _, call := range reply.ToolCalls {
			d.emit(ctx, threadID, taskID, fmt.Sprintf("Calling tool %s", call.Name), progress.TypeToolCall, meta)

			result, err := d.executeTool(ctx, provider, call)
			if err != nil {
				if ctx.Err() != nil {
					return "", i + 1, false, ctx.Err()
				}
				result = fmt.Sprintf("tool error: %v", err)
			}
			msgs = append(msgs, Message{Role: RoleTool, Content: result, ToolCallID: call.ID})
			d.emit(ctx, threadID, taskID, fmt.Sprintf("Tool %s finished", call.Name), progress.TypeToolResult, meta)
		}
	}

	if lastContent == "" {
		lastContent = "Investigation hit the iteration limit before producing a final answer; see the progress log for gathered evidence."
	}
	d.emit(ctx, threadID, taskID, "Iteration limit reached", progress.TypeWarning, meta)
	return lastContent, maxIter, true, nil
}

func (d *Dispatcher) executeTool(ctx context.Context, provider ToolProvider, call ToolCall) (string, error) {
	if provider == nil {
		return "", fmt.Errorf("no tools available for %q", call.Name)
	}
	tctx, cancel := context.WithTimeout(ctx, d.cfg.ToolTimeout)
	defer cancel()
	return provider.Execute(tctx, call.Name, call.Args)
}

// correctedPrefix marks responses rewritten after a failed fact check.
const correctedPrefix = "## Corrected Response"

// correctiveTurn runs exactly one research-and-rewrite pass driven by
// the fact-checker's findings.
func (d *Dispatcher) correctiveTurn(ctx context.Context, threadID, taskID string, msgs []Message, provider ToolProvider, draft string, rep Report) (string, int, error) {
	d.emit(ctx, threadID, taskID, "Fact check found errors; running corrective turn",
		progress.TypeStatus, map[string]string{"task_id": taskID})

	var b strings.Builder
	b.WriteString("A fact check of your draft found these errors:\n")
	for _, e := range rep.Errors {
		fmt.Fprintf(&b, "- %s\n", e)
	}
	if len(rep.SuggestedResearch) > 0 {
		b.WriteString("Research these topics with your tools before rewriting:\n")
		for _, t := range rep.SuggestedResearch {
			fmt.Fprintf(&b, "- %s\n", t)
		}
	}
	b.WriteString("Rewrite the full response with the corrections applied and " +
		"summarize what you verified.")

	msgs = append(msgs, Message{Role: RoleAssistant, Content: draft})
	msgs = append(msgs, Message{Role: RoleUser, Content: b.String()})

	// The rewrite gets a short tool budget of its own; a second failed
	// check does not trigger another pass.
	corrected, iters, _, err := d.toolLoop(ctx, threadID, taskID, msgs, provider, 3)
	if err != nil {
		return "", 0, err
	}
	if corrected == "" {
		corrected = draft
	}
	if !strings.HasPrefix(corrected, correctedPrefix) {
		corrected = correctedPrefix + "\n\n" + corrected
	}
	return corrected, iters, nil
}

// persistTranscript writes the user/assistant transcript back into the
// thread context. Tool messages are loop-local and dropped.
func (d *Dispatcher) persistTranscript(ctx context.Context, threadID string, msgs []Message, userMsg, response string) {
	history := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			history = append(history, Message{Role: m.Role, Content: m.Content})
		}
	}
	// The corrective turn injects a synthetic user message and the draft
	// may have been rewritten; normalize the tail to the real exchange.
	for len(history) > 0 {
		last := history[len(history)-1]
		if last.Role == RoleUser && last.Content != userMsg {
			history = history[:len(history)-1]
			continue
		}
		if last.Role == RoleAssistant && last.Content != response {
			history = history[:len(history)-1]
			continue
		}
		break
	}
	if len(history) == 0 || history[len(history)-1].Role != RoleAssistant {
		if len(history) == 0 || history[len(history)-1].Content != userMsg {
			history = append(history, Message{Role: RoleUser, Content: userMsg})
		}
		history = append(history, Message{Role: RoleAssistant, Content: response})
	}

	raw, err := json.Marshal(history)
	if err != nil {
		d.log.Error("transcript marshal failed", zap.String("thread_id", threadID), zap.Error(err))
		return
	}
	if err := d.threads.UpdateContext(ctx, threadID, map[string]string{"messages": string(raw)}, true); err != nil {
		d.log.Warn("transcript persist failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

func decodeHistory(raw string) []Message {
	if raw == "" {
		return nil
	}
	var msgs []Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return nil
	}
	// Defensive: persisted history must only ever hold user/assistant.
	out := msgs[:0]
	for _, m := range msgs {
		if m.Role == RoleUser || m.Role == RoleAssistant {
			out = append(out, m)
		}
	}
	return out
}

func (d *Dispatcher) finishOK(ctx context.Context, threadID, taskID string, res *TurnResult) {
	ctx = context.WithoutCancel(ctx)
	meta := map[string]string{"task_id": taskID}

	if err := d.tasks.SetResult(ctx, taskID, res); err != nil {
		d.log.Error("task result persist failed", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := d.threads.SetResult(ctx, threadID, res); err != nil {
		d.log.Error("thread result persist failed", zap.String("thread_id", threadID), zap.Error(err))
	}
	if err := d.tasks.UpdateStatus(ctx, taskID, task.StatusDone); err != nil {
		d.log.Error("task completion failed", zap.String("task_id", taskID), zap.Error(err))
	}
	d.emit(ctx, threadID, taskID, "Turn complete", progress.TypeTurnComplete, meta)
}

// finishError handles cancellation (terminal, no retry), transient
// failures with retries remaining (leave the task in_progress so the
// re-run can claim it), and final failures (SetError, moving the task
// to failed).
func (d *Dispatcher) finishError(ctx context.Context, threadID, taskID string, turnErr error) {
	cancelled := errors.Is(turnErr, context.Canceled) || errors.Is(turnErr, context.DeadlineExceeded)
	willRetry := !cancelled &&
		queue.Classify(turnErr) == queue.KindTransient &&
		!queue.AttemptFromContext(ctx).Final
	ctx = context.WithoutCancel(ctx)
	meta := map[string]string{"task_id": taskID}

	if cancelled {
		if err := d.tasks.UpdateStatus(ctx, taskID, task.StatusCancelled); err != nil {
			d.log.Error("task cancel failed", zap.String("task_id", taskID), zap.Error(err))
		}
		d.emit(ctx, threadID, taskID, "Turn cancelled", progress.TypeCancelled, meta)
		return
	}

	if willRetry {
		// The error artifact would move the task to failed and block the
		// re-run's in_progress claim; it waits for the final attempt.
		d.emit(ctx, threadID, taskID, fmt.Sprintf("Turn failed, retrying: %v", turnErr), progress.TypeWarning, meta)
		return
	}

	if err := d.tasks.SetError(ctx, taskID, turnErr.Error()); err != nil {
		d.log.Error("task error persist failed", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := d.threads.SetError(ctx, threadID, turnErr.Error()); err != nil {
		d.log.Error("thread error persist failed", zap.String("thread_id", threadID), zap.Error(err))
	}
	d.emit(ctx, threadID, taskID, turnErr.Error(), progress.TypeError, meta)
}

// emit fans one progress update out to both stores. Best-effort.
func (d *Dispatcher) emit(ctx context.Context, threadID, taskID, message, typ string, meta map[string]string) {
	if err := d.tasks.AppendUpdate(ctx, taskID, message, typ, meta); err != nil {
		d.log.Warn("task update failed", zap.String("task_id", taskID), zap.Error(err))
	}
	if err := d.threads.AppendUpdate(ctx, threadID, message, typ, meta); err != nil {
		d.log.Warn("thread update failed", zap.String("thread_id", threadID), zap.Error(err))
	}
}

func mergeContext(base, patch map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
