package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/ids"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
)

var ErrScheduleNotFound = errors.New("schedule not found")

// Store persists Schedule entities: one hash per schedule, a set of ids
// for KV fallback, and a projected FT document for due-set queries.
type Store struct {
	rdb    *redis.Client
	log    *zap.Logger
	search *search.Manager
}

func NewStore(log *zap.Logger, rdb *redis.Client, sm *search.Manager) *Store {
	return &Store{rdb: rdb, log: log.Named("schedule_store"), search: sm}
}

// Create validates and writes a new schedule, enabled by default, with
// next_run_at seeded one interval out.
func (s *Store) Create(ctx context.Context, sc Schedule) (string, error) {
	if err := sc.Validate(); err != nil {
		return "", err
	}
	sc.ID = ids.New()
	now := time.Now().UTC()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.NextRunAt.IsZero() {
		sc.NextRunAt = now.Add(sc.Interval())
	}

	pipe := s.rdb.TxPipeline()
	pipe.HSet(ctx, keys.Schedule(sc.ID), s.fields(&sc))
	pipe.SAdd(ctx, keys.ScheduleIDs, sc.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("create schedule: %w", err)
	}
	s.projectDoc(ctx, &sc)
	return sc.ID, nil
}

// Get reads one schedule. Returns ErrScheduleNotFound when absent.
func (s *Store) Get(ctx context.Context, id string) (*Schedule, error) {
	h, err := s.rdb.HGetAll(ctx, keys.Schedule(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall schedule: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrScheduleNotFound
	}
	return fromHash(id, h), nil
}

// List returns every schedule, soonest next_run_at first.
func (s *Store) List(ctx context.Context) ([]Schedule, error) {
	idsList, err := s.rdb.SMembers(ctx, keys.ScheduleIDs).Result()
	if err != nil {
		return nil, fmt.Errorf("smembers schedules: %w", err)
	}
	out := make([]Schedule, 0, len(idsList))
	for _, id := range idsList {
		sc, err := s.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrScheduleNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, *sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

// SetEnabled flips the enabled flag.
func (s *Store) SetEnabled(ctx context.Context, id string, enabled bool) error {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sc.Enabled = enabled
	sc.UpdatedAt = time.Now().UTC()
	if err := s.rdb.HSet(ctx, keys.Schedule(id), s.fields(sc)).Err(); err != nil {
		return fmt.Errorf("set enabled: %w", err)
	}
	s.projectDoc(ctx, sc)
	return nil
}

// Delete removes the schedule only; threads and tasks it produced are
// untouched.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.TxPipeline()
	del := pipe.Del(ctx, keys.Schedule(id))
	pipe.SRem(ctx, keys.ScheduleIDs, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	s.search.DeleteDoc(ctx, keys.SearchSchedule(id))
	if del.Val() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// Due returns enabled schedules whose next_run_at is at or before now.
// Index-first; falls back to a KV scan over the id set.
func (s *Store) Due(ctx context.Context, now time.Time) ([]Schedule, error) {
	filter := fmt.Sprintf("@enabled:{true} @next_run_at:[-inf %d]", now.UTC().Unix())
	docs, err := s.search.Search(ctx, search.Schedules, search.Query{
		Filter:    filter,
		SortBy:    "next_run_at",
		Limit:     1000,
		NoContent: true,
	})
	if err == nil {
		out := make([]Schedule, 0, len(docs))
		for _, d := range docs {
			id := idFromDocKey(d.ID)
			sc, err := s.Get(ctx, id)
			if err != nil {
				continue
			}
			// The doc may lag primary KV; re-check against the hash.
			if sc.Enabled && !sc.NextRunAt.After(now) {
				out = append(out, *sc)
			}
		}
		return out, nil
	}
	s.log.Warn("schedule index unavailable; falling back to KV scan", zap.Error(err))

	all, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, sc := range all {
		if sc.Enabled && !sc.NextRunAt.After(now) {
			out = append(out, sc)
		}
	}
	return out, nil
}

// Advance records one materialization: last_run_at takes the scheduled
// time, next_run_at moves exactly one interval past it. Missed slots are
// skipped, never replayed.
func (s *Store) Advance(ctx context.Context, id string, scheduledAt time.Time) error {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	sc.LastRunAt = scheduledAt.UTC()
	sc.NextRunAt = scheduledAt.UTC().Add(sc.Interval())
	sc.UpdatedAt = time.Now().UTC()
	if err := s.rdb.HSet(ctx, keys.Schedule(id), s.fields(sc)).Err(); err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	s.projectDoc(ctx, sc)
	return nil
}

// ProjectDoc re-projects the schedule's search document from primary KV.
func (s *Store) ProjectDoc(ctx context.Context, id string) error {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.projectDoc(ctx, sc)
	return nil
}

func (s *Store) fields(sc *Schedule) map[string]interface{} {
	f := map[string]interface{}{
		"id":             sc.ID,
		"name":           sc.Name,
		"description":    sc.Description,
		"interval_type":  string(sc.IntervalType),
		"interval_value": sc.IntervalValue,
		"instructions":   sc.Instructions,
		"instance_id":    sc.InstanceID,
		"enabled":        strconv.FormatBool(sc.Enabled),
		"created_at":     sc.CreatedAt.Unix(),
		"updated_at":     sc.UpdatedAt.Unix(),
		"next_run_at":    sc.NextRunAt.Unix(),
	}
	if !sc.LastRunAt.IsZero() {
		f["last_run_at"] = sc.LastRunAt.Unix()
	}
	return f
}

func (s *Store) projectDoc(ctx context.Context, sc *Schedule) {
	doc := map[string]interface{}{
		"id":          sc.ID,
		"enabled":     strconv.FormatBool(sc.Enabled),
		"next_run_at": sc.NextRunAt.Unix(),
	}
	if !sc.LastRunAt.IsZero() {
		doc["last_run_at"] = sc.LastRunAt.Unix()
	}
	s.search.UpsertDoc(ctx, keys.SearchSchedule(sc.ID), doc)
}

func fromHash(id string, h map[string]string) *Schedule {
	sc := &Schedule{
		ID:           id,
		Name:         h["name"],
		Description:  h["description"],
		IntervalType: IntervalType(h["interval_type"]),
		Instructions: h["instructions"],
		InstanceID:   h["instance_id"],
	}
	sc.IntervalValue, _ = strconv.Atoi(h["interval_value"])
	sc.Enabled, _ = strconv.ParseBool(h["enabled"])
	sc.CreatedAt = unixField(h, "created_at")
	sc.UpdatedAt = unixField(h, "updated_at")
	sc.NextRunAt = unixField(h, "next_run_at")
	sc.LastRunAt = unixField(h, "last_run_at")
	return sc
}

func unixField(h map[string]string, name string) time.Time {
	sec, err := strconv.ParseInt(h[name], 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func idFromDocKey(key string) string {
	if len(key) > len(keys.SearchSchedulePrefix) {
		return key[len(keys.SearchSchedulePrefix):]
	}
	return key
}
