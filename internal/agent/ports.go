// Package agent routes each conversation turn to one of three agent
// strategies and drives the bounded tool loop that produces a response.
package agent

import (
	"context"
	"encoding/json"
)

// Kind selects one of the agent strategies for a turn.
type Kind string

const (
	// KindTriage is the deep diagnostic agent; requires an instance.
	KindTriage Kind = "redis_triage"
	// KindChat is the quick Q&A agent with tool access.
	KindChat Kind = "redis_chat"
	// KindKnowledgeOnly answers from the knowledge base alone.
	KindKnowledgeOnly Kind = "knowledge_only"
)

func (k Kind) Valid() bool {
	switch k {
	case KindTriage, KindChat, KindKnowledgeOnly:
		return true
	}
	return false
}

// Role tags a transcript message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one transcript entry. Tool variants are loop-local: only
// user and assistant messages are persisted between turns.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall is an LLM-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// ToolDef declares a tool the LLM may call.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// LLMClient is the model port. Invoke targets the primary model with
// tool bindings; InvokeNano targets the small routing/audit model. Call
// timeouts are the implementation's concern.
type LLMClient interface {
	Invoke(ctx context.Context, messages []Message, tools []ToolDef) (Message, error)
	InvokeNano(ctx context.Context, messages []Message) (Message, error)
}

// Embedder turns texts into vectors for the QA and knowledge indices.
type Embedder interface {
	EmbedMany(ctx context.Context, texts []string) ([][]float32, error)
}

// ToolProvider exposes the tools one agent kind may call.
type ToolProvider interface {
	Tools() []ToolDef
	Execute(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Router picks the agent kind for a turn.
type Router interface {
	Route(ctx context.Context, query string, context map[string]string) (Kind, error)
}

// Instance is the decrypted view of a Redis target the dispatcher binds
// a turn to.
type Instance struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Environment   string `json:"environment,omitempty"`
	Usage         string `json:"usage,omitempty"`
	InstanceType  string `json:"instance_type,omitempty"`
	ConnectionURL string `json:"connection_url,omitempty"`
}

// InstanceResolver looks up instance connection details. A nil result
// with nil error means the id is unknown.
type InstanceResolver interface {
	GetByID(ctx context.Context, id string) (*Instance, error)
}
