// Package eventbus implements the in-process publish/subscribe
// backbone described in spec.md §4.1: dispatch, subscription,
// batching, back-pressure, optional persistence, and replay.
package eventbus

import (
	"time"

	"github.com/google/uuid"
)

// Event is an immutable notification record. Once stored, only
// derivative records may reference its ID; the record itself is never
// mutated after Publish assigns its ID and timestamp.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Data      interface{}            `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Priority  int                    `json:"priority"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	// SchemaVersion records which payload shape Data was encoded
	// with. Consumers must ignore fields they don't recognize.
	SchemaVersion int `json:"schema_version,omitempty"`
}

// PublishOptions configures a single Publish call.
type PublishOptions struct {
	Source     string
	Priority   int
	Persist    bool
	Batch      *bool // nil means "use bus default"
	Sequential bool
	Metadata   map[string]interface{}
}

func newEventID() string {
	return uuid.NewString()
}
