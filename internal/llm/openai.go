// Package llm adapts the OpenAI chat-completions and embeddings APIs to
// the agent's model and embedder ports.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/agent"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Config selects models and timeouts. Primary serves agent turns, nano
// serves routing and fact-checking.
type Config struct {
	APIKey      string
	BaseURL     string // defaults to the OpenAI endpoint
	Model       string
	NanoModel   string
	EmbedModel  string
	Timeout     time.Duration // primary call timeout (default 60s)
	NanoTimeout time.Duration // nano call timeout (default 10s)
	Temperature float64
}

// Client implements agent.LLMClient and agent.Embedder over HTTP.
type Client struct {
	log  *zap.Logger
	cfg  Config
	http *http.Client
}

func NewClient(log *zap.Logger, cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.NanoTimeout <= 0 {
		cfg.NanoTimeout = 10 * time.Second
	}
	return &Client{log: log.Named("llm"), cfg: cfg, http: &http.Client{}}
}

// Invoke runs the primary model with tool bindings.
func (c *Client) Invoke(ctx context.Context, messages []agent.Message, tools []agent.ToolDef) (agent.Message, error) {
	return c.chat(ctx, c.cfg.Model, c.cfg.Timeout, messages, tools)
}

// InvokeNano runs the small routing/audit model, tool-free.
func (c *Client) InvokeNano(ctx context.Context, messages []agent.Message) (agent.Message, error) {
	return c.chat(ctx, c.cfg.NanoModel, c.cfg.NanoTimeout, messages, nil)
}

// wire types for the chat-completions API.

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	} `json:"function"`
}

func (c *Client) chat(ctx context.Context, model string, timeout time.Duration, messages []agent.Message, tools []agent.ToolDef) (agent.Message, error) {
	body := map[string]interface{}{
		"model":    model,
		"messages": toWire(messages),
	}
	if c.cfg.Temperature > 0 {
		body["temperature"] = c.cfg.Temperature
	}
	if len(tools) > 0 {
		wire := make([]wireTool, 0, len(tools))
		for _, t := range tools {
			var w wireTool
			w.Type = "function"
			w.Function.Name = t.Name
			w.Function.Description = t.Description
			w.Function.Parameters = t.Schema
			wire = append(wire, w)
		}
		body["tools"] = wire
	}

	var out struct {
		Choices []struct {
			Message wireMessage `json:"message"`
		} `json:"choices"`
	}
	if err := c.post(ctx, timeout, "/chat/completions", body, &out); err != nil {
		return agent.Message{}, err
	}
	if len(out.Choices) == 0 {
		return agent.Message{}, fmt.Errorf("model %s returned no choices", model)
	}

	wm := out.Choices[0].Message
	msg := agent.Message{Role: agent.RoleAssistant, Content: wm.Content}
	for _, tc := range wm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, agent.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return msg, nil
}

// EmbedMany implements the embedder port.
func (c *Client) EmbedMany(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body := map[string]interface{}{
		"model": c.cfg.EmbedModel,
		"input": texts,
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := c.post(ctx, c.cfg.Timeout, "/embeddings", body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings: got %d vectors for %d texts", len(out.Data), len(texts))
	}
	vecs := make([][]float32, len(out.Data))
	for i, d := range out.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func (c *Client) post(ctx context.Context, timeout time.Duration, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		c.log.Warn("llm api error",
			zap.String("path", path), zap.Int("status", resp.StatusCode))
		return fmt.Errorf("llm api %s: status %d: %s", path, resp.StatusCode, truncate(payload, 512))
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func toWire(messages []agent.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		w := wireMessage{Role: string(m.Role), Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			var wc wireToolCall
			wc.ID = tc.ID
			wc.Type = "function"
			wc.Function.Name = tc.Name
			wc.Function.Arguments = string(tc.Args)
			w.ToolCalls = append(w.ToolCalls, wc)
		}
		out = append(out, w)
	}
	return out
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
