// Package events defines the learner event wire format shared by the
// Collector, the Orchestrator, and every consumer in between.
//
// An Event is immutable once accepted: the Collector validates it, the
// broker carries it, and the sink asserts event_id uniqueness. Nothing in
// the pipeline mutates an accepted event.
package events

import (
	"time"
)

// Priority classifies how urgently an event must reach the broker.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// EventType identifies the kind of learner event. The set is closed:
// the Collector rejects anything not listed here.
type EventType string

const (
	EventGameStarted          EventType = "game_started"
	EventGameCompleted        EventType = "game_completed"
	EventGamePaused           EventType = "game_paused"
	EventGameResumed          EventType = "game_resumed"
	EventInteraction          EventType = "interaction"
	EventProgressUpdate       EventType = "progress_update"
	EventErrorOccurred        EventType = "error_occurred"
	EventSessionStart         EventType = "session_start"
	EventSessionEnd           EventType = "session_end"
	EventAchievementUnlocked  EventType = "achievement_unlocked"
	EventBaselineComplete     EventType = "BASELINE_COMPLETE"
	EventSLPUpdated           EventType = "SLP_UPDATED"
	EventSELAlert             EventType = "SEL_ALERT"
	EventCourseworkAnalyzed   EventType = "COURSEWORK_ANALYZED"
	EventAssessmentComplete   EventType = "ASSESSMENT_COMPLETE"
	EventIEPUpdated           EventType = "IEP_UPDATED"
	EventLearnerProgress      EventType = "LEARNER_PROGRESS"
	EventEngagementLow        EventType = "ENGAGEMENT_LOW"
	EventAchievementMilestone EventType = "ACHIEVEMENT_MILESTONE"
)

// knownEventTypes is the closed set accepted by the Collector.
var knownEventTypes = map[EventType]bool{
	EventGameStarted:          true,
	EventGameCompleted:        true,
	EventGamePaused:           true,
	EventGameResumed:          true,
	EventInteraction:          true,
	EventProgressUpdate:       true,
	EventErrorOccurred:        true,
	EventSessionStart:         true,
	EventSessionEnd:           true,
	EventAchievementUnlocked:  true,
	EventBaselineComplete:     true,
	EventSLPUpdated:           true,
	EventSELAlert:             true,
	EventCourseworkAnalyzed:   true,
	EventAssessmentComplete:   true,
	EventIEPUpdated:           true,
	EventLearnerProgress:      true,
	EventEngagementLow:        true,
	EventAchievementMilestone: true,
}

// KnownEventType reports whether t belongs to the closed event-type set.
func KnownEventType(t EventType) bool {
	return knownEventTypes[t]
}

// Event is a single learner event as accepted over the wire.
type Event struct {
	EventID       string                 `json:"event_id"`
	LearnerID     string                 `json:"learner_id"`
	TenantID      string                 `json:"tenant_id"`
	EventType     EventType              `json:"event_type"`
	Timestamp     time.Time              `json:"timestamp"`
	Priority      Priority               `json:"priority,omitempty"`
	SessionID     string                 `json:"session_id,omitempty"`
	GameID        string                 `json:"game_id,omitempty"`
	SourceService string                 `json:"source_service"`
	EventData     map[string]interface{} `json:"event_data,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// EventBatch is the body accepted by POST /collect. A bare JSON array of
// events is also accepted and decoded into the Events field.
type EventBatch struct {
	Events   []Event `json:"events"`
	BatchID  string  `json:"batch_id,omitempty"`
	Compress bool    `json:"compress,omitempty"`
}

// Float reads a float64 out of the event payload, tolerating the
// json.Unmarshal habit of decoding every number as float64 and the
// occasional integer sent by older game clients.
func (e *Event) Float(key string) (float64, bool) {
	v, ok := e.EventData[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Str reads a string out of the event payload.
func (e *Event) Str(key string) (string, bool) {
	v, ok := e.EventData[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
