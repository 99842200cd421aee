// Package search owns the RediSearch secondary indices: schema
// definitions, index lifecycle, and best-effort document projection.
//
// Index maintenance is optimistic. Writers update primary KV first and
// then push a projected hash document; a failed projection is logged and
// swallowed. Readers that find the index missing or empty fall back to
// primary KV scans.
package search

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Entity names an indexed entity class.
type Entity string

const (
	Tasks     Entity = "tasks"
	Threads   Entity = "threads"
	Schedules Entity = "schedules"
	QA        Entity = "qa"
	Instances Entity = "instances"
	Knowledge Entity = "knowledge"
)

// All lists every managed entity.
var All = []Entity{Tasks, Threads, Schedules, QA, Instances, Knowledge}

// DocTTL bounds the lifetime of projected search documents. Primary KV
// persists until purge; the index doc is refreshed on every write.
const DocTTL = 24 * time.Hour

// Manager creates and maintains the FT indices.
type Manager struct {
	rdb *redis.Client
	log *zap.Logger

	// vectorDim is the embedding dimension for the QA and knowledge
	// vector fields. Zero disables vector fields entirely.
	vectorDim int
}

func NewManager(log *zap.Logger, rdb *redis.Client, vectorDim int) *Manager {
	return &Manager{rdb: rdb, log: log.Named("search"), vectorDim: vectorDim}
}

// IndexName returns the FT index name for an entity.
func (m *Manager) IndexName(e Entity) string { return fmt.Sprintf("sre_%s_idx", e) }

// EnsureIndex creates the index if it does not exist. Idempotent; never
// drops or rewrites an existing index.
func (m *Manager) EnsureIndex(ctx context.Context, e Entity) error {
	def, ok := m.definition(e)
	if !ok {
		return fmt.Errorf("unknown index entity %q", e)
	}
	err := m.rdb.FTCreate(ctx, m.IndexName(e), def.options, def.schema...).Err()
	if err != nil && !isIndexExists(err) {
		return fmt.Errorf("ft.create %s: %w", m.IndexName(e), err)
	}
	return nil
}

// EnsureAll creates every managed index.
func (m *Manager) EnsureAll(ctx context.Context) error {
	for _, e := range All {
		if err := m.EnsureIndex(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// RecreateIndex drops (best-effort) and recreates the index. The backing
// hash documents are left untouched; RediSearch re-scans them on create,
// and Backfill re-projects anything whose doc has expired.
func (m *Manager) RecreateIndex(ctx context.Context, e Entity) error {
	if err := m.rdb.FTDropIndex(ctx, m.IndexName(e)).Err(); err != nil && !isIndexMissing(err) {
		m.log.Warn("ft.dropindex", zap.String("index", m.IndexName(e)), zap.Error(err))
	}
	return m.EnsureIndex(ctx, e)
}

// UpsertDoc projects an entity into its search document. Best-effort:
// failures are logged, never returned, so primary writes cannot be
// failed by index maintenance.
func (m *Manager) UpsertDoc(ctx context.Context, key string, fields map[string]interface{}) {
	pipe := m.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.Expire(ctx, key, DocTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn("search doc upsert failed", zap.String("key", key), zap.Error(err))
	}
}

// DeleteDoc removes a search document. Best-effort.
func (m *Manager) DeleteDoc(ctx context.Context, key string) {
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		m.log.Warn("search doc delete failed", zap.String("key", key), zap.Error(err))
	}
}

// Query runs an FT.SEARCH against an entity index. Callers treat any
// error as "index unavailable" and fall back to KV.
type Query struct {
	Filter    string // RediSearch query string; "*" when empty
	SortBy    string
	SortDesc  bool
	Limit     int
	Offset    int
	Params    map[string]interface{}
	Dialect   int
	NoContent bool
}

func (m *Manager) Search(ctx context.Context, e Entity, q Query) ([]redis.Document, error) {
	filter := q.Filter
	if filter == "" {
		filter = "*"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	opts := &redis.FTSearchOptions{
		LimitOffset: q.Offset,
		Limit:       limit,
		NoContent:   q.NoContent,
		Params:      q.Params,
	}
	if q.SortBy != "" {
		opts.SortBy = []redis.FTSearchSortBy{{FieldName: q.SortBy, Asc: !q.SortDesc, Desc: q.SortDesc}}
	}
	if q.Dialect > 0 {
		opts.DialectVersion = q.Dialect
	}

	res, err := m.rdb.FTSearchWithArgs(ctx, m.IndexName(e), filter, opts).Result()
	if err != nil {
		return nil, fmt.Errorf("ft.search %s: %w", m.IndexName(e), err)
	}
	return res.Docs, nil
}

// EscapeTag escapes punctuation inside a TAG filter value.
func EscapeTag(v string) string {
	r := strings.NewReplacer(
		"-", "\\-", ".", "\\.", "@", "\\@", ":", "\\:",
		"{", "\\{", "}", "\\}", "|", "\\|", " ", "\\ ",
	)
	return r.Replace(v)
}

func isIndexExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "index already exists")
}

func isIndexMissing(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unknown index") || strings.Contains(msg, "no such index")
}
