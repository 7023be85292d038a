// Package domain holds the extraction aggregates: Campaign, its
// PlaceExtractionTasks, and the ExtractedPlace records they produce.
// Entities carry no references to infrastructure; state transitions are
// methods that enforce the legal status graph.
package domain

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewID returns a 26-character, lexicographically sortable identifier.
// Sorting ids sorts by creation time.
func NewID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String()
}

// ValidateID rejects strings that are not well-formed ids.
func ValidateID(id string) error {
	if _, err := ulid.ParseStrict(id); err != nil {
		return &ValidationError{Detail: fmt.Sprintf("invalid id %q", id)}
	}
	return nil
}
