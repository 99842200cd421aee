// Package schedule persists recurring agent directives and runs the
// scheduler pass that fans due schedules out into threads and tasks.
package schedule

import (
	"fmt"
	"time"
)

// IntervalType is the unit of a schedule's cadence. Arithmetic is
// calendar-agnostic: fixed multiples of seconds, no DST adjustment.
type IntervalType string

const (
	Minutes IntervalType = "minutes"
	Hours   IntervalType = "hours"
	Days    IntervalType = "days"
	Weeks   IntervalType = "weeks"
)

func (t IntervalType) Valid() bool {
	switch t {
	case Minutes, Hours, Days, Weeks:
		return true
	}
	return false
}

func (t IntervalType) unit() time.Duration {
	switch t {
	case Minutes:
		return time.Minute
	case Hours:
		return time.Hour
	case Days:
		return 24 * time.Hour
	case Weeks:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Schedule is a recurring directive the scheduler materializes into
// threads and agent-turn tasks.
type Schedule struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Description   string       `json:"description,omitempty"`
	IntervalType  IntervalType `json:"interval_type"`
	IntervalValue int          `json:"interval_value"`
	Instructions  string       `json:"instructions"`
	InstanceID    string       `json:"target_instance_id,omitempty"`
	Enabled       bool         `json:"enabled"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
	NextRunAt     time.Time    `json:"next_run_at"`
	LastRunAt     time.Time    `json:"last_run_at,omitempty"`
}

// Interval returns the schedule's cadence as a duration.
func (s *Schedule) Interval() time.Duration {
	return time.Duration(s.IntervalValue) * s.IntervalType.unit()
}

// Validate rejects malformed schedules before they reach storage.
func (s *Schedule) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("schedule requires a name")
	}
	if !s.IntervalType.Valid() {
		return fmt.Errorf("invalid interval type %q", s.IntervalType)
	}
	if s.IntervalValue < 1 {
		return fmt.Errorf("interval value must be >= 1, got %d", s.IntervalValue)
	}
	if s.Instructions == "" {
		return fmt.Errorf("schedule requires instructions")
	}
	return nil
}

// MinuteSlot formats a time as the scheduler's dedup slot.
func MinuteSlot(t time.Time) string {
	return t.UTC().Format("20060102_1504")
}
