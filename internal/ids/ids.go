// Package ids generates opaque 128-bit identifiers for sessions, request
// logs, and events.
package ids

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a 32-character hex-encoded 128-bit random identifier.
func New() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// NewSessionID, NewRequestID, and NewEventID alias New; kept distinct so
// call sites document intent even though all three share the same
// 128-bit opaque id space (spec.md §3).
func NewSessionID() string { return New() }
func NewRequestID() string { return New() }
func NewEventID() string   { return New() }
