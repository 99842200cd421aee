// Package thread provides Redis-backed persistence for conversation
// threads: metadata and context hashes, an append-only updates list,
// terminal result/error artifacts, and the thread search index.
package thread

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

var ErrThreadNotFound = errors.New("thread not found")

// MaxUpdates bounds the updates list; older entries are trimmed away.
const MaxUpdates = 1000

// Store persists Thread entities.
type Store struct {
	rdb    *redis.Client
	log    *zap.Logger
	search *search.Manager
	stream progress.Publisher // nil disables streaming
}

func NewStore(log *zap.Logger, rdb *redis.Client, sm *search.Manager, stream progress.Publisher) *Store {
	return &Store{rdb: rdb, log: log.Named("thread_store"), search: sm, stream: stream}
}

// CreateParams carries the optional fields of a new thread.
type CreateParams struct {
	UserID    string
	SessionID string
	Context   map[string]string
	Tags      []string
}

// Create writes a new thread and returns its id.
func (s *Store) Create(ctx context.Context, p CreateParams) (string, error) {
	id := ids.New()
	now := time.Now().UTC()

	meta := map[string]interface{}{
		"thread_id":  id,
		"user_id":    p.UserID,
		"session_id": p.SessionID,
		"subject":    "",
		"tags":       strings.Join(p.Tags, ","),
		"priority":   0,
		"created_at": now.Unix(),
		"updated_at": now.Unix(),
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keys.ThreadMetadata(id), meta)
	if len(p.Context) > 0 {
		pipe.HSet(ctx, keys.ThreadContext(id), toAnyMap(p.Context))
	}
	pipe.ZAdd(ctx, keys.ThreadsIndex, redis.Z{Score: float64(now.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}

	s.projectDoc(ctx, id)
	return id, nil
}

// Get assembles the full thread state. Returns ErrThreadNotFound when
// the metadata hash is absent.
func (s *Store) Get(ctx context.Context, id string) (*Thread, error) {
	meta, err := s.rdb.HGetAll(ctx, keys.ThreadMetadata(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, ErrThreadNotFound
	}

	t := threadFromMeta(id, meta)

	if t.Context, err = s.rdb.HGetAll(ctx, keys.ThreadContext(id)).Result(); err != nil {
		return nil, fmt.Errorf("hgetall context: %w", err)
	}

	raws, err := s.rdb.LRange(ctx, keys.ThreadUpdates(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("lrange updates: %w", err)
	}
	for _, raw := range raws {
		u, err := progress.DecodeUpdate([]byte(raw))
		if err != nil {
			s.log.Warn("bad update entry", zap.String("thread_id", id), zap.Error(err))
			continue
		}
		t.Updates = append(t.Updates, u)
	}

	if res, err := s.rdb.Get(ctx, keys.ThreadResult(id)).Result(); err == nil {
		t.Result = json.RawMessage(res)
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get result: %w", err)
	}
	if msg, err := s.rdb.Get(ctx, keys.ThreadError(id)).Result(); err == nil {
		t.Error = msg
	} else if !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("get error: %w", err)
	}

	return t, nil
}

// AppendUpdate appends one progress entry, bumps freshness, and fans the
// event out to live clients.
func (s *Store) AppendUpdate(ctx context.Context, id, message, typ string, metadata map[string]string) error {
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}

	now := time.Now().UTC()
	u := progress.Update{Message: message, Type: typ, Timestamp: now, Metadata: metadata}
	raw, err := u.Encode()
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	pipe.RPush(ctx, keys.ThreadUpdates(id), raw)
	pipe.LTrim(ctx, keys.ThreadUpdates(id), -MaxUpdates, -1)
	pipe.HSet(ctx, keys.ThreadMetadata(id), "updated_at", now.Unix())
	pipe.ZAdd(ctx, keys.ThreadsIndex, redis.Z{Score: float64(now.Unix()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append update: %w", err)
	}

	s.projectDoc(ctx, id)

	if s.stream != nil {
		ev := progress.Event{
			ThreadID:  id,
			TaskID:    metadata["task_id"],
			Type:      typ,
			Message:   message,
			Timestamp: now,
			Metadata:  metadata,
		}
		if err := s.stream.Publish(ctx, id, ev); err != nil {
			s.log.Warn("stream publish failed", zap.String("thread_id", id), zap.Error(err))
		}
	}
	return nil
}

// UpdateContext merges (or replaces) the context hash.
func (s *Store) UpdateContext(ctx context.Context, id string, patch map[string]string, merge bool) error {
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	if !merge {
		pipe.Del(ctx, keys.ThreadContext(id))
	}
	if len(patch) > 0 {
		pipe.HSet(ctx, keys.ThreadContext(id), toAnyMap(patch))
	}
	pipe.HSet(ctx, keys.ThreadMetadata(id), "updated_at", time.Now().UTC().Unix())
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update context: %w", err)
	}
	s.projectDoc(ctx, id)
	return nil
}

// SetResult stores the terminal result artifact.
func (s *Store) SetResult(ctx context.Context, id string, value interface{}) error {
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	if err := s.rdb.Set(ctx, keys.ThreadResult(id), raw, 0).Err(); err != nil {
		return fmt.Errorf("set result: %w", err)
	}
	return s.touch(ctx, id)
}

// SetError stores the terminal error artifact.
func (s *Store) SetError(ctx context.Context, id, msg string) error {
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, keys.ThreadError(id), msg, 0).Err(); err != nil {
		return fmt.Errorf("set error: %w", err)
	}
	return s.touch(ctx, id)
}

// SetSubject overwrites the subject verbatim.
func (s *Store) SetSubject(ctx context.Context, id, subject string) error {
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}
	if err := s.rdb.HSet(ctx, keys.ThreadMetadata(id), "subject", subject).Err(); err != nil {
		return fmt.Errorf("set subject: %w", err)
	}
	s.projectDoc(ctx, id)
	return nil
}

// UpdateSubject seeds the subject from free text (first line, capped)
// unless a subject is already set.
func (s *Store) UpdateSubject(ctx context.Context, id, seed string) error {
	cur, err := s.rdb.HGet(ctx, keys.ThreadMetadata(id), "subject").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrThreadNotFound
		}
		return fmt.Errorf("hget subject: %w", err)
	}
	if cur != "" {
		return nil
	}
	return s.SetSubject(ctx, id, SeedSubject(seed))
}

// ListParams filters thread listings.
type ListParams struct {
	UserID string
	Limit  int
	Offset int
}

// List is index-first: an FT query sorted by updated_at descending. On
// index failure it falls back to the sre:threads sorted set.
func (s *Store) List(ctx context.Context, p ListParams) ([]Summary, error) {
	if p.Limit <= 0 {
		p.Limit = 50
	}

	filter := ""
	if p.UserID != "" {
		filter = fmt.Sprintf("@user_id:{%s}", search.EscapeTag(p.UserID))
	}
	docs, err := s.search.Search(ctx, search.Threads, search.Query{
		Filter:   filter,
		SortBy:   "updated_at",
		SortDesc: true,
		Limit:    p.Limit,
		Offset:   p.Offset,
	})
	if err == nil {
		out := make([]Summary, 0, len(docs))
		for _, d := range docs {
			out = append(out, summaryFromDoc(d.ID, d.Fields))
		}
		return out, nil
	}
	s.log.Warn("thread index unavailable; falling back to KV scan", zap.Error(err))

	return s.listFromKV(ctx, p)
}

func (s *Store) listFromKV(ctx context.Context, p ListParams) ([]Summary, error) {
	idsList, err := s.rdb.ZRevRange(ctx, keys.ThreadsIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange threads: %w", err)
	}

	out := make([]Summary, 0, p.Limit)
	skipped := 0
	for _, id := range idsList {
		meta, err := s.rdb.HGetAll(ctx, keys.ThreadMetadata(id)).Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		if p.UserID != "" && meta["user_id"] != p.UserID {
			continue
		}
		if skipped < p.Offset {
			skipped++
			continue
		}
		t := threadFromMeta(id, meta)
		out = append(out, Summary{
			ID: id, Subject: t.Subject, UserID: t.UserID, Tags: t.Tags,
			CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt,
		})
		if len(out) >= p.Limit {
			break
		}
	}
	return out, nil
}

// TaskIDs returns the thread's task ids, most recent first.
func (s *Store) TaskIDs(ctx context.Context, id string) ([]string, error) {
	members, err := s.rdb.ZRevRange(ctx, keys.ThreadTasks(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrevrange thread tasks: %w", err)
	}
	return members, nil
}

// Delete removes every thread key and its index entries. Child tasks are
// the caller's responsibility (the service layer cascades before calling
// this so task→thread linkage stays authoritative).
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx,
		keys.ThreadMetadata(id), keys.ThreadContext(id), keys.ThreadUpdates(id),
		keys.ThreadResult(id), keys.ThreadError(id), keys.ThreadTasks(id),
	)
	pipe.ZRem(ctx, keys.ThreadsIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	s.search.DeleteDoc(ctx, keys.SearchThread(id))
	if del.Val() == 0 {
		return ErrThreadNotFound
	}
	return nil
}

// CreatedBefore returns ids of threads whose creation time is older than
// the cutoff, via the sorted set (purge tooling path).
func (s *Store) CreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	idsList, err := s.rdb.ZRange(ctx, keys.ThreadsIndex, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange threads: %w", err)
	}
	var out []string
	for _, id := range idsList {
		created, err := s.rdb.HGet(ctx, keys.ThreadMetadata(id), "created_at").Result()
		if err != nil {
			continue
		}
		sec, err := strconv.ParseInt(created, 10, 64)
		if err != nil {
			continue
		}
		if time.Unix(sec, 0).Before(cutoff) {
			out = append(out, id)
		}
	}
	return out, nil
}

// ProjectDoc re-projects the thread's search document from primary KV.
// Used by reindex/backfill admin routines.
func (s *Store) ProjectDoc(ctx context.Context, id string) error {
	if err := s.ensureExists(ctx, id); err != nil {
		return err
	}
	s.projectDoc(ctx, id)
	return nil
}

// --- helpers ---

func (s *Store) ensureExists(ctx context.Context, id string) error {
	n, err := s.rdb.Exists(ctx, keys.ThreadMetadata(id)).Result()
	if err != nil {
		return fmt.Errorf("exists: %w", err)
	}
	if n == 0 {
		return ErrThreadNotFound
	}
	return nil
}

func (s *Store) touch(ctx context.Context, id string) error {
	now := time.Now().UTC().Unix()
	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keys.ThreadMetadata(id), "updated_at", now)
	pipe.ZAdd(ctx, keys.ThreadsIndex, redis.Z{Score: float64(now), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("touch: %w", err)
	}
	s.projectDoc(ctx, id)
	return nil
}

// projectDoc pushes the FT search document. Best-effort; errors are
// handled (logged) inside the search manager.
func (s *Store) projectDoc(ctx context.Context, id string) {
	meta, err := s.rdb.HGetAll(ctx, keys.ThreadMetadata(id)).Result()
	if err != nil || len(meta) == 0 {
		return
	}
	instanceID, _ := s.rdb.HGet(ctx, keys.ThreadContext(id), "instance_id").Result()

	s.search.UpsertDoc(ctx, keys.SearchThread(id), map[string]interface{}{
		"thread_id":   id,
		"user_id":     meta["user_id"],
		"instance_id": instanceID,
		"subject":     meta["subject"],
		"tags":        strings.ReplaceAll(meta["tags"], ",", " "),
		"created_at":  meta["created_at"],
		"updated_at":  meta["updated_at"],
	})
}

func threadFromMeta(id string, meta map[string]string) *Thread {
	t := &Thread{
		ID:        id,
		UserID:    meta["user_id"],
		SessionID: meta["session_id"],
		Subject:   meta["subject"],
	}
	if meta["tags"] != "" {
		t.Tags = strings.Split(meta["tags"], ",")
	}
	t.Priority, _ = strconv.Atoi(meta["priority"])
	if sec, err := strconv.ParseInt(meta["created_at"], 10, 64); err == nil {
		t.CreatedAt = time.Unix(sec, 0).UTC()
	}
	if sec, err := strconv.ParseInt(meta["updated_at"], 10, 64); err == nil {
		t.UpdatedAt = time.Unix(sec, 0).UTC()
	}
	return t
}

func summaryFromDoc(docKey string, fields map[string]string) Summary {
	id := strings.TrimPrefix(docKey, keys.SearchThreadPrefix)
	sm := Summary{ID: id, Subject: fields["subject"], UserID: fields["user_id"]}
	if fields["tags"] != "" {
		sm.Tags = strings.Fields(fields["tags"])
	}
	if sec, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		sm.CreatedAt = time.Unix(sec, 0).UTC()
	}
	if sec, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		sm.UpdatedAt = time.Unix(sec, 0).UTC()
	}
	return sm
}

func toAnyMap(in map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
