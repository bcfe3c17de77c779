package events

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	// MaxEventDataBytes bounds the serialized size of a single event's
	// opaque payload.
	MaxEventDataBytes = 10 * 1024

	// MaxBatchEvents bounds the number of events in one batch.
	MaxBatchEvents = 1000

	// MaxBodyBytes bounds the total decompressed request body.
	MaxBodyBytes = 10 * 1024 * 1024

	// MaxFutureSkew and MaxPastAge bound the accepted timestamp window.
	MaxFutureSkew = 5 * time.Minute
	MaxPastAge    = 24 * time.Hour
)

// ValidationError describes why an event was rejected. It carries the
// event ID so the Collector can report per-event outcomes.
type ValidationError struct {
	EventID string
	Field   string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %s: %s: %s", e.EventID, e.Field, e.Reason)
}

// Validate checks a single event against the ingestion rules. It is
// fail-closed: any missing required field, unknown type, oversized
// payload, or out-of-window timestamp rejects the event.
func Validate(e *Event, now time.Time) *ValidationError {
	if e.EventID == "" {
		return &ValidationError{Field: "event_id", Reason: "required"}
	}
	if e.LearnerID == "" {
		return &ValidationError{EventID: e.EventID, Field: "learner_id", Reason: "required"}
	}
	if e.TenantID == "" {
		return &ValidationError{EventID: e.EventID, Field: "tenant_id", Reason: "required"}
	}
	if e.SourceService == "" {
		return &ValidationError{EventID: e.EventID, Field: "source_service", Reason: "required"}
	}
	if e.EventType == "" {
		return &ValidationError{EventID: e.EventID, Field: "event_type", Reason: "required"}
	}
	if !KnownEventType(e.EventType) {
		return &ValidationError{EventID: e.EventID, Field: "event_type",
			Reason: fmt.Sprintf("unknown type %q", e.EventType)}
	}
	if e.Timestamp.IsZero() {
		return &ValidationError{EventID: e.EventID, Field: "timestamp", Reason: "required"}
	}
	if e.Timestamp.After(now.Add(MaxFutureSkew)) {
		return &ValidationError{EventID: e.EventID, Field: "timestamp",
			Reason: "more than 5m in the future"}
	}
	if e.Timestamp.Before(now.Add(-MaxPastAge)) {
		return &ValidationError{EventID: e.EventID, Field: "timestamp",
			Reason: "more than 24h in the past"}
	}
	switch e.Priority {
	case "", PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
	default:
		return &ValidationError{EventID: e.EventID, Field: "priority",
			Reason: fmt.Sprintf("unknown priority %q", e.Priority)}
	}
	if len(e.EventData) > 0 {
		raw, err := json.Marshal(e.EventData)
		if err != nil {
			return &ValidationError{EventID: e.EventID, Field: "event_data",
				Reason: "not serializable"}
		}
		if len(raw) > MaxEventDataBytes {
			return &ValidationError{EventID: e.EventID, Field: "event_data",
				Reason: fmt.Sprintf("serialized size %d exceeds %d bytes", len(raw), MaxEventDataBytes)}
		}
	}
	return nil
}
