package task

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis-applied-ai/redis-sre-agent-sub004/internal/progress"
)

// Status is the task lifecycle state.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// allowed is the forward transition matrix. Same-status transitions are
// idempotent no-ops so a reaped task can be re-claimed without tripping
// the monotonicity check; backward transitions are always rejected.
var allowed = map[Status]map[Status]bool{
	StatusQueued:     {StatusInProgress: true, StatusCancelled: true},
	StatusInProgress: {StatusDone: true, StatusFailed: true, StatusCancelled: true},
	StatusDone:       {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	_, ok := allowed[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from → to is permitted.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	return allowed[from][to]
}

// InvalidTransitionError reports a rejected status transition. The
// stored state is left unchanged when this is returned.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid status transition %s -> %s", e.TaskID, e.From, e.To)
}

// State is the fully assembled task record.
type State struct {
	TaskID    string            `json:"task_id"`
	ThreadID  string            `json:"thread_id"`
	Status    Status            `json:"status"`
	Subject   string            `json:"subject,omitempty"`
	UserID    string            `json:"user_id,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
	Updates   []progress.Update `json:"updates,omitempty"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Error     string            `json:"error_message,omitempty"`
}

// Summary is the listing projection of a task.
type Summary struct {
	TaskID    string    `json:"task_id"`
	ThreadID  string    `json:"thread_id"`
	Status    Status    `json:"status"`
	Subject   string    `json:"subject,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
