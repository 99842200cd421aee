package thread

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/progress"
)

// Thread is a multi-turn conversation container. The context hash is a
// free-form string bag; by convention it carries original_query,
// instance_id, schedule metadata, and the serialized transcript under
// the "messages" field.
type Thread struct {
	ID        string            `json:"thread_id"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	UserID    string            `json:"user_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Subject   string            `json:"subject,omitempty"`
	Tags      []string          `json:"tags,omitempty"`
	Priority  int               `json:"priority"`
	Context   map[string]string `json:"context,omitempty"`
	Updates   []progress.Update `json:"updates,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// Summary is the listing projection of a thread.
type Summary struct {
	ID        string    `json:"thread_id"`
	Subject   string    `json:"subject,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SubjectMaxLen caps seeded subjects.
const SubjectMaxLen = 80

// SeedSubject derives a subject from the first user message: the first
// non-empty line, ellipsized to SubjectMaxLen.
func SeedSubject(seed string) string {
	line := seed
	for _, l := range strings.Split(seed, "\n") {
		if s := strings.TrimSpace(l); s != "" {
			line = s
			break
		}
	}
	runes := []rune(line)
	if len(runes) <= SubjectMaxLen {
		return line
	}
	return string(runes[:SubjectMaxLen-3]) + "..."
}
