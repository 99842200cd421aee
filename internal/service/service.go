// Package service is the operation facade the CLI (and any future
// transport) drives: task submission, listing, deletion, purge, manual
// schedule triggers, and index administration.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/agent"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/queue"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/schedule"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/task"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/thread"
)

// ErrNotFound is the facade-level sentinel the CLI maps to exit code 2.
var ErrNotFound = errors.New("not found")

// Service wires the stores, queue, and scheduler behind the exposed
// operations. This is the single task-creation entry point.
type Service struct {
	log       *zap.Logger
	threads   *thread.Store
	tasks     *task.Store
	schedules *schedule.Store
	scheduler *schedule.Scheduler
	queue     *queue.Queue
	search    *search.Manager
}

func New(
	log *zap.Logger,
	threads *thread.Store,
	tasks *task.Store,
	schedules *schedule.Store,
	scheduler *schedule.Scheduler,
	q *queue.Queue,
	sm *search.Manager,
) *Service {
	return &Service{
		log:       log.Named("service"),
		threads:   threads,
		tasks:     tasks,
		schedules: schedules,
		scheduler: scheduler,
		queue:     q,
		search:    sm,
	}
}

// CreateTaskParams is the submission contract for one agent turn.
type CreateTaskParams struct {
	Message  string
	ThreadID string // empty starts a new thread
	UserID   string
	Context  map[string]string
}

// CreateTaskResult identifies the accepted work.
type CreateTaskResult struct {
	TaskID   string      `json:"task_id"`
	ThreadID string      `json:"thread_id"`
	Status   task.Status `json:"status"`
}

// CreateTask accepts one message for processing: resolves or creates
// the thread, creates the task record in queued, and enqueues the agent
// turn serialized per thread.
func (s *Service) CreateTask(ctx context.Context, p CreateTaskParams) (*CreateTaskResult, error) {
	if p.Message == "" {
		return nil, errors.New("message is required")
	}

	threadID := p.ThreadID
	if threadID == "" {
		id, err := s.threads.Create(ctx, thread.CreateParams{
			UserID:  p.UserID,
			Context: mergeMaps(map[string]string{"original_query": p.Message}, p.Context),
		})
		if err != nil {
			return nil, fmt.Errorf("create thread: %w", err)
		}
		threadID = id
		if err := s.threads.UpdateSubject(ctx, threadID, p.Message); err != nil {
			s.log.Warn("subject seed failed", zap.String("thread_id", threadID), zap.Error(err))
		}
	} else if _, err := s.threads.Get(ctx, threadID); err != nil {
		if errors.Is(err, thread.ErrThreadNotFound) {
			return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
		}
		return nil, err
	}

	taskID, err := s.tasks.Create(ctx, threadID, p.UserID, thread.SeedSubject(p.Message))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	_, err = s.queue.Submit(ctx, queue.Submission{
		Fn: agent.TurnTaskName,
		Args: agent.TurnArgs{
			ThreadID: threadID,
			Message:  p.Message,
			Context:  p.Context,
			TaskID:   taskID,
		},
		ConcurrencyKey: threadID,
		MaxConcurrent:  1,
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue turn: %w", err)
	}

	return &CreateTaskResult{TaskID: taskID, ThreadID: threadID, Status: task.StatusQueued}, nil
}

// GetTaskByID returns the full task state.
func (s *Service) GetTaskByID(ctx context.Context, id string) (*task.State, error) {
	st, err := s.tasks.Get(ctx, id)
	if errors.Is(err, task.ErrTaskNotFound) {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return st, err
}

// GetThread returns the full thread state.
func (s *Service) GetThread(ctx context.Context, id string) (*thread.Thread, error) {
	t, err := s.threads.Get(ctx, id)
	if errors.Is(err, thread.ErrThreadNotFound) {
		return nil, fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return t, err
}

func (s *Service) ListTasks(ctx context.Context, p task.ListParams) ([]task.Summary, error) {
	return s.tasks.List(ctx, p)
}

func (s *Service) ListThreads(ctx context.Context, p thread.ListParams) ([]thread.Summary, error) {
	return s.threads.List(ctx, p)
}

func (s *Service) DeleteTask(ctx context.Context, id string) error {
	err := s.tasks.Delete(ctx, id)
	if errors.Is(err, task.ErrTaskNotFound) {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return err
}

// DeleteThread removes a thread; with cascade it deletes the thread's
// tasks first so no orphaned task records survive.
func (s *Service) DeleteThread(ctx context.Context, id string, cascadeTasks bool) error {
	if cascadeTasks {
		taskIDs, err := s.threads.TaskIDs(ctx, id)
		if err != nil {
			return err
		}
		for _, tid := range taskIDs {
			if err := s.tasks.Delete(ctx, tid); err != nil && !errors.Is(err, task.ErrTaskNotFound) {
				return fmt.Errorf("cascade delete task %s: %w", tid, err)
			}
		}
	}
	err := s.threads.Delete(ctx, id)
	if errors.Is(err, thread.ErrThreadNotFound) {
		return fmt.Errorf("thread %s: %w", id, ErrNotFound)
	}
	return err
}

// PurgeResult reports one purge pass.
type PurgeResult struct {
	Threads int `json:"threads"`
	Tasks   int `json:"tasks"`
}

// PurgeThreads deletes threads created before now-olderThan, optionally
// cascading into their tasks.
func (s *Service) PurgeThreads(ctx context.Context, olderThan time.Duration, includeTasks bool) (PurgeResult, error) {
	var res PurgeResult
	ids, err := s.threads.CreatedBefore(ctx, time.Now().UTC().Add(-olderThan))
	if err != nil {
		return res, err
	}

	for _, id := range ids {
		if includeTasks {
			taskIDs, err := s.threads.TaskIDs(ctx, id)
			if err != nil {
				s.log.Warn("purge: task enumeration failed", zap.String("thread_id", id), zap.Error(err))
			}
			for _, tid := range taskIDs {
				if err := s.tasks.Delete(ctx, tid); err != nil {
					s.log.Warn("purge: task delete failed", zap.String("task_id", tid), zap.Error(err))
					continue
				}
				res.Tasks++
			}
		}
		if err := s.threads.Delete(ctx, id); err != nil {
			s.log.Warn("purge: thread delete failed", zap.String("thread_id", id), zap.Error(err))
			continue
		}
		res.Threads++
	}
	return res, nil
}

// TriggerSchedule fans out one schedule immediately without touching
// its timer.
func (s *Service) TriggerSchedule(ctx context.Context, id string) (schedule.Summary, error) {
	sum, err := s.scheduler.TriggerSchedule(ctx, id)
	if errors.Is(err, schedule.ErrScheduleNotFound) {
		return sum, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return sum, err
}

// TriggerScheduler enqueues one immediate scheduler pass.
func (s *Service) TriggerScheduler(ctx context.Context) (string, error) {
	return s.scheduler.TriggerScheduler(ctx)
}

// QueueStats reports queue depths.
func (s *Service) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// RecreateIndex drops and recreates one index (or all); backing hash
// documents and primary KV are untouched.
func (s *Service) RecreateIndex(ctx context.Context, name string) error {
	if name == "" || name == "all" {
		for _, e := range search.All {
			if err := s.search.RecreateIndex(ctx, e); err != nil {
				return err
			}
		}
		return nil
	}
	return s.search.RecreateIndex(ctx, search.Entity(name))
}

// Indexes lists the managed index names.
func (s *Service) Indexes() []string {
	out := make([]string, 0, len(search.All))
	for _, e := range search.All {
		out = append(out, s.search.IndexName(e))
	}
	return out
}

// BackfillResult reports a re-projection pass.
type BackfillResult struct {
	Threads   int `json:"threads"`
	Tasks     int `json:"tasks"`
	Schedules int `json:"schedules"`
}

// Backfill re-projects search documents for every thread, task, and
// schedule from primary KV. Used after RecreateIndex or doc expiry.
func (s *Service) Backfill(ctx context.Context) (BackfillResult, error) {
	var res BackfillResult

	threadIDs, err := s.threads.CreatedBefore(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		return res, err
	}
	for _, id := range threadIDs {
		if err := s.threads.ProjectDoc(ctx, id); err != nil {
			s.log.Warn("backfill: thread projection failed", zap.String("thread_id", id), zap.Error(err))
			continue
		}
		res.Threads++

		taskIDs, err := s.threads.TaskIDs(ctx, id)
		if err != nil {
			continue
		}
		for _, tid := range taskIDs {
			if err := s.tasks.ProjectDoc(ctx, tid); err != nil {
				s.log.Warn("backfill: task projection failed", zap.String("task_id", tid), zap.Error(err))
				continue
			}
			res.Tasks++
		}
	}

	scheds, err := s.schedules.List(ctx)
	if err != nil {
		return res, err
	}
	for _, sc := range scheds {
		if err := s.schedules.ProjectDoc(ctx, sc.ID); err != nil {
			s.log.Warn("backfill: schedule projection failed", zap.String("schedule_id", sc.ID), zap.Error(err))
			continue
		}
		res.Schedules++
	}

	return res, nil
}

func mergeMaps(base, patch map[string]string) map[string]string {
	for k, v := range patch {
		base[k] = v
	}
	return base
}
