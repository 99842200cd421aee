// Package qa records completed question/answer pairs with optional
// embeddings so past turns are searchable from the knowledge tooling.
package qa

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/agent"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/ids"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/keys"
	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
)

var ErrRecordNotFound = errors.New("qa record not found")

// Record is the durable artifact of one completed turn.
type Record struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id,omitempty"`
	ThreadID  string    `json:"thread_id"`
	TaskID    string    `json:"task_id"`
	Question  string    `json:"question"`
	Answer    string    `json:"answer"`
	Citations []string  `json:"citations,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists QA records. A nil embedder skips the vector fields;
// text search still works.
type Store struct {
	rdb      *redis.Client
	log      *zap.Logger
	search   *search.Manager
	embedder agent.Embedder
}

func NewStore(log *zap.Logger, rdb *redis.Client, sm *search.Manager, emb agent.Embedder) *Store {
	return &Store{rdb: rdb, log: log.Named("qa_store"), search: sm, embedder: emb}
}

// Save writes the record and projects its search document, embedding
// the question and answer when an embedder is configured.
func (s *Store) Save(ctx context.Context, r Record) (string, error) {
	if r.ThreadID == "" || r.Question == "" {
		return "", errors.New("qa record requires thread_id and question")
	}
	r.ID = ids.New()
	now := time.Now().UTC()
	r.CreatedAt = now
	r.UpdatedAt = now

	fields := map[string]interface{}{
		"id":         r.ID,
		"user_id":    r.UserID,
		"thread_id":  r.ThreadID,
		"task_id":    r.TaskID,
		"question":   r.Question,
		"answer":     r.Answer,
		"created_at": now.Unix(),
		"updated_at": now.Unix(),
	}
	for i, c := range r.Citations {
		fields[fmt.Sprintf("citation_%d", i)] = c
	}
	if err := s.rdb.HSet(ctx, keys.QA(r.ID), fields).Err(); err != nil {
		return "", fmt.Errorf("save qa record: %w", err)
	}

	s.projectDoc(ctx, &r)
	return r.ID, nil
}

// RecordTurn implements the dispatcher's archiving port.
func (s *Store) RecordTurn(ctx context.Context, userID, threadID, taskID, question, answer string) error {
	_, err := s.Save(ctx, Record{
		UserID:   userID,
		ThreadID: threadID,
		TaskID:   taskID,
		Question: question,
		Answer:   answer,
	})
	return err
}

// Get reads one record (citations excluded from the reassembly; they
// live only in the hash and search doc).
func (s *Store) Get(ctx context.Context, id string) (*Record, error) {
	h, err := s.rdb.HGetAll(ctx, keys.QA(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall qa: %w", err)
	}
	if len(h) == 0 {
		return nil, ErrRecordNotFound
	}
	return &Record{
		ID: id, UserID: h["user_id"], ThreadID: h["thread_id"], TaskID: h["task_id"],
		Question: h["question"], Answer: h["answer"],
	}, nil
}

func (s *Store) projectDoc(ctx context.Context, r *Record) {
	doc := map[string]interface{}{
		"id":         r.ID,
		"user_id":    r.UserID,
		"thread_id":  r.ThreadID,
		"task_id":    r.TaskID,
		"question":   r.Question,
		"answer":     r.Answer,
		"created_at": r.CreatedAt.Unix(),
		"updated_at": r.UpdatedAt.Unix(),
	}

	if s.embedder != nil {
		vecs, err := s.embedder.EmbedMany(ctx, []string{r.Question, r.Answer})
		if err != nil || len(vecs) != 2 {
			s.log.Warn("qa embedding failed; indexing text only",
				zap.String("qa_id", r.ID), zap.Error(err))
		} else {
			doc["question_vector"] = agent.VectorBytes(vecs[0])
			doc["answer_vector"] = agent.VectorBytes(vecs[1])
		}
	}

	s.search.UpsertDoc(ctx, keys.SearchQA(r.ID), doc)
}
