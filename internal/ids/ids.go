// Package ids generates entity identifiers.
package ids

import "github.com/google/uuid"

// New returns a time-ordered (UUIDv7) identifier. Thread and task ids
// must sort by creation time so sorted-set fallbacks stay chronological.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}
