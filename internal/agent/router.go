package agent

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

const routerPrompt = `You are a request router for a Redis SRE assistant.
Classify the user's request into exactly one category and answer with
only the category name:

- redis_triage: deep diagnostic investigation of a specific Redis
  instance (incidents, performance degradation, memory pressure,
  failovers).
- redis_chat: quick operational question about a Redis instance that
  may need a few diagnostic lookups.
- knowledge_only: general Redis question answerable from documentation
  alone; no instance access needed.`

var triageSignals = []string{
	"outage", "incident", "down", "crash", "oom", "out of memory",
	"latency", "slow", "degraded", "failover", "evict", "investigate",
	"diagnose", "triage", "root cause",
}

// LLMRouter classifies turns with the nano model and degrades to a
// keyword heuristic when the model is unavailable.
type LLMRouter struct {
	log *zap.Logger
	llm LLMClient
}

func NewLLMRouter(log *zap.Logger, llm LLMClient) *LLMRouter {
	return &LLMRouter{log: log.Named("router"), llm: llm}
}

func (r *LLMRouter) Route(ctx context.Context, query string, tctx map[string]string) (Kind, error) {
	// An explicit client preference short-circuits classification.
	if pref := Kind(tctx["agent"]); pref.Valid() {
		return pref, nil
	}

	if r.llm != nil {
		msg, err := r.llm.InvokeNano(ctx, []Message{
			{Role: RoleSystem, Content: routerPrompt},
			{Role: RoleUser, Content: query},
		})
		if err == nil {
			if k := parseKind(msg.Content); k.Valid() {
				return k, nil
			}
			r.log.Warn("router model returned unknown kind", zap.String("content", msg.Content))
		} else {
			r.log.Warn("router model unavailable; using heuristic", zap.Error(err))
		}
	}

	return heuristicKind(query, tctx), nil
}

func parseKind(content string) Kind {
	c := strings.ToLower(strings.TrimSpace(content))
	for _, k := range []Kind{KindTriage, KindChat, KindKnowledgeOnly} {
		if strings.Contains(c, string(k)) {
			return k
		}
	}
	return ""
}

// heuristicKind is the no-model fallback: without an instance binding
// only the knowledge agent can run; with one, incident vocabulary
// selects triage.
func heuristicKind(query string, tctx map[string]string) Kind {
	if tctx["instance_id"] == "" {
		return KindKnowledgeOnly
	}
	q := strings.ToLower(query)
	for _, w := range triageSignals {
		if strings.Contains(q, w) {
			return KindTriage
		}
	}
	return KindChat
}
