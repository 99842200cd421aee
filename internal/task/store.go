// Package task provides Redis-backed persistence for per-turn task
// records: status, metadata, append-only updates, terminal artifacts,
// linkage to the owning thread, and the task search index.
package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/ids"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/progress"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
)

var ErrTaskNotFound = errors.New("task not found")

// Store persists Task entities. task → thread is the authoritative
// relation; the thread's tasks sorted set is a rebuildable index.
type Store struct {
	rdb    *redis.Client
	log    *zap.Logger
	search *search.Manager
}

func NewStore(log *zap.Logger, rdb *redis.Client, sm *search.Manager) *Store {
	return &Store{rdb: rdb, log: log.Named("task_store"), search: sm}
}

// Create writes a new task in status queued and links it to its thread.
func (s *Store) Create(ctx context.Context, threadID, userID, subject string) (string, error) {
	if threadID == "" {
		return "", errors.New("thread id required")
	}
	id := ids.New()
	now := time.Now().UTC()

	meta := map[string]interface{}{
		"task_id":    id,
		"thread_id":  threadID,
		"subject":    subject,
		"user_id":    userID,
		"created_at": now.Unix(),
		"updated_at": now.Unix(),
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys.TaskStatus(id), string(StatusQueued), 0)
	pipe.HSet(ctx, keys.TaskMetadata(id), meta)
	pipe.ZAdd(ctx, keys.ThreadTasks(threadID), redis.Z{Score: float64(now.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}

	s.projectDoc(ctx, id)
	return id, nil
}

// Status reads the current status.
func (s *Store) Status(ctx context.Context, id string) (Status, error) {
	val, err := s.rdb.Get(ctx, keys.TaskStatus(id)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("get status: %w", err)
	}
	return Status(val), nil
}

// UpdateStatus enforces the transition matrix and bumps freshness.
// A rejected transition returns *InvalidTransitionError and leaves the
// stored state unchanged.
func (s *Store) UpdateStatus(ctx context.Context, id string, to Status) error {
	if !to.Valid() {
		return fmt.Errorf("unknown status %q", to)
	}
	from, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{TaskID: id, From: from, To: to}
	}
	if from == to {
		return nil
	}

	now := time.Now().UTC().Unix()
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys.TaskStatus(id), string(to), 0)
	pipe.HSet(ctx, keys.TaskMetadata(id), "updated_at", now)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	s.projectDoc(ctx, id)
	return nil
}

// AppendUpdate appends one progress entry to the task's updates list.
func (s *Store) AppendUpdate(ctx context.Context, id, message, typ string, metadata map[string]string) error {
	if _, err := s.Status(ctx, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	u := progress.Update{Message: message, Type: typ, Timestamp: now, Metadata: metadata}
	raw, err := u.Encode()
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keys.TaskUpdates(id), raw)
	pipe.LTrim(ctx, keys.TaskUpdates(id), -MaxUpdates, -1)
	pipe.HSet(ctx, keys.TaskMetadata(id), "updated_at", now.Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append update: %w", err)
	}
	s.projectDoc(ctx, id)
	return nil
}

// MaxUpdates bounds the task updates list.
const MaxUpdates = 1000

// SetResult stores the terminal result artifact.
func (s *Store) SetResult(ctx context.Context, id string, value interface{}) error {
	if _, err := s.Status(ctx, id); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys.TaskResult(id), raw, 0)
	pipe.HSet(ctx, keys.TaskMetadata(id), "updated_at", time.Now().UTC().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	s.projectDoc(ctx, id)
	return nil
}

// SetError stores the error artifact and implicitly transitions the task
// to failed (when the transition is legal).
func (s *Store) SetError(ctx context.Context, id, msg string) error {
	from, err := s.Status(ctx, id)
	if err != nil {
		return err
	}

	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, keys.TaskError(id), msg, 0)
	if CanTransition(from, StatusFailed) && from != StatusFailed {
		pipe.Set(ctx, keys.TaskStatus(id), string(StatusFailed), 0)
	}
	pipe.HSet(ctx, keys.TaskMetadata(id), "updated_at", time.Now().UTC().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	s.projectDoc(ctx, id)
	return nil
}

// Get reassembles the full task state.
func (s *Store) Get(ctx context.Context, id string) (*State, error) {
	status, err := s.Status(ctx, id)
	if err != nil {
		return nil, err
	}

	meta, err := s.rdb.HGetAll(ctx, keys.TaskMetadata(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall metadata: %w", err)
	}

	st := stateFromMeta(id, meta)
	st.Status = status

	raws, err := s.rdb.LRange(ctx, keys.TaskUpdates(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange updates: %w", err)
	}
	for _, raw := range raws {
		u, err := progress.DecodeUpdate([]byte(raw))
		if err != nil {
			s.log.Warn("bad update entry", zap.String("task_id", id), zap.Error(err))
			continue
		}
		st.Updates = append(st.Updates, u)
	}

	if res, err := s.rdb.Get(ctx, keys.TaskResult(id)).Result(); err == nil {
		st.Result = json.RawMessage(res)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if msg, err := s.rdb.Get(ctx, keys.TaskError(id)).Result(); err == nil {
		st.Error = msg
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get error: %w", err)
	}

	return st, nil
}

// ListParams filters task listings. Without ShowAll or an explicit
// Status, only active tasks (queued, in_progress) are returned.
type ListParams struct {
	UserID  string
	Status  Status
	ShowAll bool
	Limit   int
}

// List is index-first with a KV fallback that walks thread task sets.
func (s *Store) List(ctx context.Context, p ListParams) ([]Summary, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}

	var clauses []string
	switch {
	case p.Status != "":
		clauses = append(clauses, fmt.Sprintf("@status:{%s}", p.Status))
	case !p.ShowAll:
		clauses = append(clauses, fmt.Sprintf("@status:{%s|%s}", StatusQueued, StatusInProgress))
	}
	if p.UserID != "" {
		clauses = append(clauses, fmt.Sprintf("@user_id:{%s}", search.EscapeTag(p.UserID)))
	}

	docs, err := s.search.Search(ctx, search.Tasks, search.Query{
		Filter:   strings.Join(clauses, " "),
		SortBy:   "updated_at",
		SortDesc: true,
		Limit:    p.Limit,
	})
	if err == nil {
		out := make([]Summary, 0, len(docs))
		for _, d := range docs {
			out = append(out, summaryFromDoc(d.ID, d.Fields))
		}
		return out, nil
	}
	s.log.Warn("task index unavailable; falling back to KV scan", zap.Error(err))

	return s.listFromKV(ctx, p)
}

func (s *Store) listFromKV(ctx context.Context, p ListParams) ([]Summary, error) {
	threadIDs, err := s.rdb.ZRevRange(ctx, keys.ThreadsIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange threads: %w", err)
	}

	var out []Summary
	for _, tid := range threadIDs {
		taskIDs, err := s.rdb.ZRevRange(ctx, keys.ThreadTasks(tid), 0, -1).Result()
		if err != nil {
			continue
		}
		for _, id := range taskIDs {
			st, err := s.Get(ctx, id)
			if err != nil {
				continue
			}
			if p.UserID != "" && st.UserID != p.UserID {
				continue
			}
			switch {
			case p.Status != "":
				if st.Status != p.Status {
					continue
				}
			case !p.ShowAll:
				if st.Status.Terminal() {
					continue
				}
			}
			out = append(out, Summary{
				TaskID: st.TaskID, ThreadID: st.ThreadID, Status: st.Status,
				Subject: st.Subject, UserID: st.UserID,
				CreatedAt: st.CreatedAt, UpdatedAt: st.UpdatedAt,
			})
			if len(out) >= p.Limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// Delete removes the task's keys, unlinks it from its thread, and drops
// the search document.
func (s *Store) Delete(ctx context.Context, id string) error {
	threadID, err := s.rdb.HGet(ctx, keys.TaskMetadata(id), "thread_id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("hget thread_id: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx,
		keys.TaskStatus(id), keys.TaskMetadata(id), keys.TaskUpdates(id),
		keys.TaskResult(id), keys.TaskError(id),
	)
	if threadID != "" {
		pipe.ZRem(ctx, keys.ThreadTasks(threadID), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	s.search.DeleteDoc(ctx, keys.SearchTask(id))
	if del.Val() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// ProjectDoc re-projects the task's search document from primary KV.
func (s *Store) ProjectDoc(ctx context.Context, id string) error {
	if _, err := s.Status(ctx, id); err != nil {
		return err
	}
	s.projectDoc(ctx, id)
	return nil
}

// --- helpers ---

func (s *Store) projectDoc(ctx context.Context, id string) {
	status, err := s.rdb.Get(ctx, keys.TaskStatus(id)).Result()
	if err != nil {
		return
	}
	meta, err := s.rdb.HGetAll(ctx, keys.TaskMetadata(id)).Result()
	if err != nil || len(meta) == 0 {
		return
	}
	s.search.UpsertDoc(ctx, keys.SearchTask(id), map[string]interface{}{
		"task_id":    id,
		"status":     status,
		"user_id":    meta["user_id"],
		"thread_id":  meta["thread_id"],
		"subject":    meta["subject"],
		"created_at": meta["created_at"],
		"updated_at": meta["updated_at"],
	})
}

func stateFromMeta(id string, meta map[string]string) *State {
	st := &State{
		TaskID:   id,
		ThreadID: meta["thread_id"],
		Subject:  meta["subject"],
		UserID:   meta["user_id"],
	}
	if sec, err := strconv.ParseInt(meta["created_at"], 10, 64); err == nil {
		st.CreatedAt = time.Unix(sec, 0).UTC()
	}
	if sec, err := strconv.ParseInt(meta["updated_at"], 10, 64); err == nil {
		st.UpdatedAt = time.Unix(sec, 0).UTC()
	}
	return st
}

func summaryFromDoc(docKey string, fields map[string]string) Summary {
	id := strings.TrimPrefix(docKey, keys.SearchTaskPrefix)
	sm := Summary{
		TaskID:   id,
		ThreadID: fields["thread_id"],
		Status:   Status(fields["status"]),
		Subject:  fields["subject"],
		UserID:   fields["user_id"],
	}
	if sec, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		sm.CreatedAt = time.Unix(sec, 0).UTC()
	}
	if sec, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		sm.UpdatedAt = time.Unix(sec, 0).UTC()
	}
	return sm
}
