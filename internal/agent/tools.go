package agent

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/search"
)

const (
	knowledgeToolName = "search_knowledge_base"
	knowledgeDefault  = 5
	knowledgeMax      = 20
)

var knowledgeToolSchema = json.RawMessage(`{
  "type": "object",
  "properties": {
    "query": {"type": "string", "description": "What to look up in the Redis runbook and documentation corpus."},
    "limit": {"type": "integer", "description": "Max documents to return (default 5)."}
  },
  "required": ["query"]
}`)

// KnowledgeTool searches the knowledge FT index: vector KNN when an
// embedder is available, plain text search otherwise.
type KnowledgeTool struct {
	log      *zap.Logger
	search   *search.Manager
	embedder Embedder // nil disables vector search
}

func NewKnowledgeTool(log *zap.Logger, sm *search.Manager, emb Embedder) *KnowledgeTool {
	return &KnowledgeTool{log: log.Named("knowledge_tool"), search: sm, embedder: emb}
}

func (t *KnowledgeTool) Tools() []ToolDef {
	return []ToolDef{{
		Name:        knowledgeToolName,
		Description: "Search the Redis knowledge base (runbooks, docs, past incidents).",
		Schema:      knowledgeToolSchema,
	}}
}

func (t *KnowledgeTool) Execute(ctx context.Context, name string, args json.RawMessage) (string, error) {
	if name != knowledgeToolName {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("decode tool args: %w", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", fmt.Errorf("query is required")
	}
	if in.Limit <= 0 {
		in.Limit = knowledgeDefault
	}
	if in.Limit > knowledgeMax {
		in.Limit = knowledgeMax
	}

	docs, err := t.query(ctx, in.Query, in.Limit)
	if err != nil {
		return "", err
	}
	if len(docs) == 0 {
		return "No matching knowledge base documents.", nil
	}

	var b strings.Builder
	for i, d := range docs {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, d["title"])
		if src := d["source"]; src != "" {
			fmt.Fprintf(&b, "source: %s\n", src)
		}
		b.WriteString(d["content"])
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String()), nil
}

func (t *KnowledgeTool) query(ctx context.Context, query string, limit int) ([]map[string]string, error) {
	if t.embedder != nil {
		docs, err := t.vectorQuery(ctx, query, limit)
		if err == nil {
			return docs, nil
		}
		t.log.Warn("vector search failed; falling back to text", zap.Error(err))
	}

	docs, err := t.search.Search(ctx, search.Knowledge, search.Query{
		Filter: query,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge text search: %w", err)
	}
	return fieldsOf(docs), nil
}

func (t *KnowledgeTool) vectorQuery(ctx context.Context, query string, limit int) ([]map[string]string, error) {
	vecs, err := t.embedder.EmbedMany(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embedder returned %d vectors for one text", len(vecs))
	}

	docs, err := t.search.Search(ctx, search.Knowledge, search.Query{
		Filter:  fmt.Sprintf("*=>[KNN %d @vector $vec AS vector_score]", limit),
		SortBy:  "vector_score",
		Limit:   limit,
		Params:  map[string]interface{}{"vec": VectorBytes(vecs[0])},
		Dialect: 2,
	})
	if err != nil {
		return nil, fmt.Errorf("knowledge knn search: %w", err)
	}
	return fieldsOf(docs), nil
}

func fieldsOf(docs []redis.Document) []map[string]string {
	out := make([]map[string]string, 0, len(docs))
	for _, d := range docs {
		out = append(out, d.Fields)
	}
	return out
}

// VectorBytes encodes a float32 vector as the little-endian blob
// RediSearch expects for FLOAT32 vector fields.
func VectorBytes(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
