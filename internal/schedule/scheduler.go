package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/agent"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/metrics"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/queue"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/thread"
)

const (
	// TaskName is the scheduler's registered function name.
	TaskName = "sre_scheduler"

	// Cadence is the perpetual tick interval.
	Cadence = 30 * time.Second

	// sentinelKey serializes scheduler passes across all workers.
	sentinelKey = "scheduler_sentinel"

	// ScheduleUser is the synthetic owner of scheduler-created threads.
	ScheduleUser = "scheduler"
)

// Submitter is the slice of the queue the scheduler needs.
type Submitter interface {
	Submit(ctx context.Context, sub queue.Submission) (string, error)
}

// ThreadCreator is the slice of the thread store the scheduler needs.
type ThreadCreator interface {
	Create(ctx context.Context, p thread.CreateParams) (string, error)
	UpdateSubject(ctx context.Context, id, seed string) error
}

// Source is the slice of the schedule store the scheduler needs.
type Source interface {
	Due(ctx context.Context, now time.Time) ([]Schedule, error)
	Advance(ctx context.Context, id string, scheduledAt time.Time) error
	Get(ctx context.Context, id string) (*Schedule, error)
}

// Scheduler performs one fan-out pass per tick: find due schedules,
// materialize each into a thread plus a deduplicated agent-turn task,
// and advance the timer exactly one interval.
type Scheduler struct {
	log     *zap.Logger
	store   Source
	threads ThreadCreator
	queue   Submitter
}

func New(log *zap.Logger, store Source, threads ThreadCreator, q Submitter) *Scheduler {
	return &Scheduler{log: log.Named("scheduler"), store: store, threads: threads, queue: q}
}

// Registration declares the scheduler as an automatic perpetual singleton.
func (s *Scheduler) Registration() queue.Registration {
	return queue.Registration{
		Name: TaskName,
		Handler: func(ctx context.Context, _ json.RawMessage) (interface{}, error) {
			return s.RunOnce(ctx)
		},
		Perpetual:      &queue.Perpetual{Every: Cadence, Automatic: true},
		ConcurrencyKey: sentinelKey,
		MaxConcurrent:  1,
	}
}

// Summary reports one pass.
type Summary struct {
	Processed int       `json:"processed_schedules"`
	Submitted int       `json:"submitted_tasks"`
	Timestamp time.Time `json:"timestamp"`
}

// RunOnce executes a single scheduler pass at the current instant.
func (s *Scheduler) RunOnce(ctx context.Context) (Summary, error) {
	now := time.Now().UTC()
	sum := Summary{Timestamp: now}

	due, err := s.store.Due(ctx, now)
	if err != nil {
		return sum, fmt.Errorf("query due schedules: %w", err)
	}
	metrics.DueSchedules.Set(float64(len(due)))

	for _, sc := range due {
		sum.Processed++
		scheduledAt := sc.NextRunAt
		if scheduledAt.IsZero() {
			scheduledAt = now
		}

		dedupKey := fmt.Sprintf("schedule_%s_%s", sc.ID, MinuteSlot(scheduledAt))
		submitted, err := s.materialize(ctx, &sc, scheduledAt, dedupKey)
		if err != nil {
			s.log.Error("schedule materialization failed",
				zap.String("schedule_id", sc.ID), zap.String("name", sc.Name), zap.Error(err))
		} else if submitted {
			sum.Submitted++
		}

		// The timer advances regardless of submission outcome so a
		// broken schedule cannot wedge the due set.
		if err := s.store.Advance(ctx, sc.ID, scheduledAt); err != nil {
			s.log.Error("schedule advance failed", zap.String("schedule_id", sc.ID), zap.Error(err))
		}
	}

	metrics.SchedulerTicks.Inc()
	s.log.Info("scheduler pass complete",
		zap.Int("processed", sum.Processed), zap.Int("submitted", sum.Submitted))
	return sum, nil
}

// TriggerSchedule manually fans out one schedule immediately. The dedup
// key carries second precision so a manual run never collides with the
// timed minute slot, and the schedule's timer is left untouched.
func (s *Scheduler) TriggerSchedule(ctx context.Context, id string) (Summary, error) {
	now := time.Now().UTC()
	sum := Summary{Timestamp: now}

	sc, err := s.store.Get(ctx, id)
	if err != nil {
		return sum, err
	}
	sum.Processed = 1

	dedupKey := fmt.Sprintf("manual_schedule_%s_%s", sc.ID, now.Format("150405"))
	submitted, err := s.materialize(ctx, sc, now, dedupKey)
	if err != nil {
		return sum, err
	}
	if submitted {
		sum.Submitted = 1
	}
	return sum, nil
}

// TriggerScheduler enqueues one immediate scheduler pass, deduplicated
// per second.
func (s *Scheduler) TriggerScheduler(ctx context.Context) (string, error) {
	id, err := s.queue.Submit(ctx, queue.Submission{
		Fn:             TaskName,
		DedupKey:       fmt.Sprintf("manual_scheduler_%s", time.Now().UTC().Format("20060102_150405")),
		ConcurrencyKey: sentinelKey,
		MaxConcurrent:  1,
	})
	if errors.Is(err, queue.ErrDuplicate) {
		return id, nil
	}
	return id, err
}

// materialize creates the thread and submits the agent turn. Returns
// whether a task was actually enqueued (false on dedup collision).
func (s *Scheduler) materialize(ctx context.Context, sc *Schedule, scheduledAt time.Time, dedupKey string) (bool, error) {
	tctx := map[string]string{
		"schedule_id":    sc.ID,
		"schedule_name":  sc.Name,
		"automated":      "true",
		"original_query": sc.Instructions,
		"scheduled_at":   scheduledAt.Format(time.RFC3339),
	}
	if sc.InstanceID != "" {
		tctx["instance_id"] = sc.InstanceID
	}

	threadID, err := s.threads.Create(ctx, thread.CreateParams{
		UserID:    ScheduleUser,
		SessionID: fmt.Sprintf("schedule_%s_%s", sc.ID, MinuteSlot(scheduledAt)),
		Context:   tctx,
		Tags:      []string{"automated", "scheduled"},
	})
	if err != nil {
		return false, fmt.Errorf("create thread: %w", err)
	}
	if err := s.threads.UpdateSubject(ctx, threadID, sc.Name); err != nil {
		s.log.Warn("subject seed failed", zap.String("thread_id", threadID), zap.Error(err))
	}

	_, err = s.queue.Submit(ctx, queue.Submission{
		Fn: agent.TurnTaskName,
		Args: agent.TurnArgs{
			ThreadID: threadID,
			Message:  sc.Instructions,
			Context:  tctx,
		},
		When:           scheduledAt,
		DedupKey:       dedupKey,
		ConcurrencyKey: threadID,
		MaxConcurrent:  1,
	})
	if err != nil {
		if errors.Is(err, queue.ErrDuplicate) {
			s.log.Debug("schedule slot already claimed",
				zap.String("schedule_id", sc.ID), zap.String("dedup_key", dedupKey))
			return false, nil
		}
		return false, fmt.Errorf("submit agent turn: %w", err)
	}

	s.log.Info("schedule materialized",
		zap.String("schedule_id", sc.ID),
		zap.String("thread_id", threadID),
		zap.Time("scheduled_at", scheduledAt),
	)
	return true, nil
}
