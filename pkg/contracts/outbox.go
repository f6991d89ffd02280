package contracts

import (
	"encoding/json"
	"time"
)

// OutboxStatus is the delivery state of a staged event.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxDispatched OutboxStatus = "dispatched"
	OutboxFailed     OutboxStatus = "failed"
)

// OutboxRecord is a domain event staged for asynchronous delivery. Records
// are created pending by the workflow layer; only the dispatcher transitions
// their status.
type OutboxRecord struct {
	ID         string          `json:"id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	OccurredAt time.Time       `json:"occurred_at"`
	Status     OutboxStatus    `json:"status"`
	Attempts   int             `json:"attempts"`
	LastError  string          `json:"last_error,omitempty"`
	TraceID    string          `json:"trace_id,omitempty"`
}
