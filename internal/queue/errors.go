package queue

import (
	"context"
	"errors"
)

// Kind classifies an error for retry decisions at the task boundary.
type Kind int

const (
	// KindTransient errors (I/O, dependency failures) are retried per
	// the submission's retry policy.
	KindTransient Kind = iota
	// KindPermanent errors (validation, unknown function) fail
	// immediately with no retry.
	KindPermanent
	// KindPolicy errors (cancellation, dedup collision, iteration cap)
	// are terminal but non-fatal; never retried.
	KindPolicy
)

// ErrDuplicate is the sentinel a producer receives when it lost the
// dedup race; the logical slot is already claimed.
var ErrDuplicate = errors.New("duplicate submission")

// AlreadyRunningTaskID is returned as the task id on a dedup collision.
// Producer-side dedup loss is reported as success.
const AlreadyRunningTaskID = "already_running"

type kindError struct {
	kind Kind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindPermanent, err: err}
}

// Policy marks an error as a terminal policy outcome (no retry, not a
// failure of the runtime).
func Policy(err error) error {
	if err == nil {
		return nil
	}
	return &kindError{kind: KindPolicy, err: err}
}

// Classify returns the error's kind; unmarked errors default to
// transient so unknown failures get the benefit of a retry.
func Classify(err error) Kind {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, context.Canceled) {
		return KindPolicy
	}
	return KindTransient
}
