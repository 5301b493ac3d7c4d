package auditlog

import "github.com/google/uuid"

// IDGenerator assigns an _id to events that arrive without one. Injected
// rather than hardcoded so tests can substitute a deterministic
// generator.
type IDGenerator func() string

// NewUUIDGenerator returns the production IDGenerator, backed by uuid v4.
func NewUUIDGenerator() IDGenerator {
	return func() string { return uuid.NewString() }
}
