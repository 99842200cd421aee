// Package progress defines the append-only update records shared by the
// thread and task stores, and the optional live streaming channel.
package progress

import (
	"context"
	"encoding/json"
	"time"
)

// Update is one append-only progress entry. Entries are never mutated
// after being written; lists are trimmed to a bounded length but the
// surviving entries keep their original content and order.
type Update struct {
	Message   string            `json:"message"`
	Type      string            `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Well-known update types emitted by the runtime.
const (
	TypeStatus       = "status"
	TypeTaskStart    = "task_start"
	TypeToolCall     = "tool_call"
	TypeToolResult   = "tool_result"
	TypeWarning      = "warning"
	TypeTurnComplete = "turn_complete"
	TypeCancelled    = "cancelled"
	TypeError        = "error"
)

func (u Update) Encode() ([]byte, error) { return json.Marshal(u) }

func DecodeUpdate(raw []byte) (Update, error) {
	var u Update
	err := json.Unmarshal(raw, &u)
	return u, err
}

// Event is a live notification fanned out to streaming clients.
type Event struct {
	ThreadID  string            `json:"thread_id"`
	TaskID    string            `json:"task_id,omitempty"`
	Type      string            `json:"type"`
	Message   string            `json:"message"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Publisher pushes events to live clients. A nil Publisher silently
// disables streaming.
type Publisher interface {
	Publish(ctx context.Context, threadID string, event Event) error
}
