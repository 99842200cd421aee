package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixedNano struct {
	content string
	err     error
}

func (f *fixedNano) Invoke(context.Context, []Message, []ToolDef) (Message, error) {
	return Message{}, errors.New("primary model must not be called by the router")
}

func (f *fixedNano) InvokeNano(context.Context, []Message) (Message, error) {
	if f.err != nil {
		return Message{}, f.err
	}
	return Message{Role: RoleAssistant, Content: f.content}, nil
}

func TestRouteUsesModelVerdict(t *testing.T) {
	r := NewLLMRouter(zap.NewNop(), &fixedNano{content: "redis_triage"})
	kind, err := r.Route(context.Background(), "memory is climbing", map[string]string{"instance_id": "i1"})
	require.NoError(t, err)
	assert.Equal(t, KindTriage, kind)
}

func TestRouteExplicitPreferenceWins(t *testing.T) {
	r := NewLLMRouter(zap.NewNop(), &fixedNano{content: "redis_triage"})
	kind, err := r.Route(context.Background(), "anything", map[string]string{"agent": "knowledge_only"})
	require.NoError(t, err)
	assert.Equal(t, KindKnowledgeOnly, kind)
}

func TestRouteFallsBackOnModelFailure(t *testing.T) {
	r := NewLLMRouter(zap.NewNop(), &fixedNano{err: errors.New("timeout")})

	kind, err := r.Route(context.Background(), "how does RDB persistence work?", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, KindKnowledgeOnly, kind)

	kind, err = r.Route(context.Background(), "instance is down, investigate", map[string]string{"instance_id": "i1"})
	require.NoError(t, err)
	assert.Equal(t, KindTriage, kind)

	kind, err = r.Route(context.Background(), "what's the current maxmemory?", map[string]string{"instance_id": "i1"})
	require.NoError(t, err)
	assert.Equal(t, KindChat, kind)
}

func TestRouteUnknownVerdictFallsBack(t *testing.T) {
	r := NewLLMRouter(zap.NewNop(), &fixedNano{content: "shrug"})
	kind, err := r.Route(context.Background(), "docs question", map[string]string{})
	require.NoError(t, err)
	assert.Equal(t, KindKnowledgeOnly, kind)
}

func TestParseKind(t *testing.T) {
	assert.Equal(t, KindTriage, parseKind(" Redis_Triage\n"))
	assert.Equal(t, KindChat, parseKind("I'd pick redis_chat here."))
	assert.Equal(t, Kind(""), parseKind("no idea"))
}

func TestExtractInstanceID(t *testing.T) {
	assert.Equal(t, "prod-cache-01", ExtractInstanceID("check instance prod-cache-01 for memory pressure"))
	assert.Equal(t, "abc123", ExtractInstanceID("Instance: abc123 is slow"))
	assert.Equal(t, "", ExtractInstanceID("no target mentioned"))
}
