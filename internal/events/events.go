package events

import (
	"os"
)

// ChangeEvent is the wire form of a record mutation. Producers publish one
// when they commit a change; the worker turns it into an engine
// notification. Deletes carry only ids, since the rows are gone.
type ChangeEvent struct {
	Op      string   `json:"op"` // created|updated|deleted|bulk_created|bulk_updated|bulk_deleted
	Model   string   `json:"model"`
	IDs     []string `json:"ids"`
	TraceID string   `json:"trace_id,omitempty"`
}

type EventConfig struct {
	RecordChanged string
}

func NewEventConfig() *EventConfig {
	return &EventConfig{
		RecordChanged: os.Getenv("EVENT_RECORD_CHANGED"),
	}
}
