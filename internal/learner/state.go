// Package learner holds per-learner adaptive state: level, rolling
// performance, engagement, break timers, and the sliding alert and
// assessment windows the rules engine reads.
package learner

import (
	"encoding/json"
	"time"
)

// Level is the adaptive difficulty level, ordered beginner < advanced.
type Level string

const (
	LevelBeginner    Level = "beginner"
	LevelEasy        Level = "easy"
	LevelModerate    Level = "moderate"
	LevelChallenging Level = "challenging"
	LevelAdvanced    Level = "advanced"
)

var levelOrder = []Level{LevelBeginner, LevelEasy, LevelModerate, LevelChallenging, LevelAdvanced}

// Rank returns the level's position, beginner = 0. Unknown levels rank
// as moderate so a corrupt value cannot pin a learner to an extreme.
func (l Level) Rank() int {
	for i, candidate := range levelOrder {
		if l == candidate {
			return i
		}
	}
	return 2
}

// Up returns the next level, capped at advanced.
func (l Level) Up() Level {
	r := l.Rank()
	if r >= len(levelOrder)-1 {
		return LevelAdvanced
	}
	return levelOrder[r+1]
}

// Down returns the previous level, capped at beginner.
func (l Level) Down() Level {
	r := l.Rank()
	if r <= 0 {
		return LevelBeginner
	}
	return levelOrder[r-1]
}

// Window bounds and horizons for the sliding windows.
const (
	MaxSELAlerts        = 32
	SELWindow           = time.Hour
	MaxAssessments      = 16
	AssessmentWindow    = 30 * 24 * time.Hour
	PerformanceMeanSpan = 3
)

// SELAlert is one entry of the social-emotional alert window.
type SELAlert struct {
	Severity string    `json:"severity"`
	At       time.Time `json:"at"`
}

// Assessment is one entry of the assessment window.
type Assessment struct {
	Score float64   `json:"score"`
	At    time.Time `json:"at"`
}

// State is the per-learner adaptive state, keyed by (tenant, learner).
// It is mutated only inside the store's per-key critical section and
// persisted write-through after every mutation.
type State struct {
	TenantID  string `json:"tenant_id"`
	LearnerID string `json:"learner_id"`

	CurrentLevel           Level   `json:"current_level"`
	PerformanceScore       float64 `json:"performance_score"`
	EngagementScore        float64 `json:"engagement_score"`
	ConsecutiveCorrect     int     `json:"consecutive_correct"`
	ConsecutiveIncorrect   int     `json:"consecutive_incorrect"`
	SessionDurationMinutes float64 `json:"session_duration_minutes"`

	LastBreakAt         *time.Time   `json:"last_break_at,omitempty"`
	RecentSELAlerts     []SELAlert   `json:"recent_sel_alerts,omitempty"`
	RecentAssessments   []Assessment `json:"recent_assessments,omitempty"`
	BaselineEstablished bool         `json:"baseline_established"`

	// LastAppliedEventID makes redelivered events no-ops.
	LastAppliedEventID string `json:"last_applied_event_id,omitempty"`

	// PendingActions holds marshaled outbound actions that have been
	// computed but not yet confirmed delivered, keyed by action id. They
	// are persisted before the triggering event is acknowledged and
	// cleared once the dispatcher reports a final outcome.
	PendingActions map[string]json.RawMessage `json:"pending_actions,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// NewState is the lazily-created initial state for a learner's first event.
func NewState(tenantID, learnerID string) *State {
	return &State{
		TenantID:         tenantID,
		LearnerID:        learnerID,
		CurrentLevel:     LevelModerate,
		PerformanceScore: 0.5,
		EngagementScore:  0.5,
	}
}

// AddSELAlert appends to the alert window, pruning expired entries and
// enforcing the size bound (oldest dropped first).
func (s *State) AddSELAlert(severity string, now time.Time) {
	s.PruneSELAlerts(now)
	s.RecentSELAlerts = append(s.RecentSELAlerts, SELAlert{Severity: severity, At: now})
	if len(s.RecentSELAlerts) > MaxSELAlerts {
		s.RecentSELAlerts = s.RecentSELAlerts[len(s.RecentSELAlerts)-MaxSELAlerts:]
	}
}

// PruneSELAlerts drops alerts older than the 1 h window.
func (s *State) PruneSELAlerts(now time.Time) {
	cutoff := now.Add(-SELWindow)
	kept := s.RecentSELAlerts[:0]
	for _, a := range s.RecentSELAlerts {
		if a.At.After(cutoff) {
			kept = append(kept, a)
		}
	}
	s.RecentSELAlerts = kept
}

// AddAssessment appends to the assessment window and recomputes the
// performance score as the mean of the last three results.
func (s *State) AddAssessment(score float64, now time.Time) {
	cutoff := now.Add(-AssessmentWindow)
	kept := s.RecentAssessments[:0]
	for _, a := range s.RecentAssessments {
		if a.At.After(cutoff) {
			kept = append(kept, a)
		}
	}
	s.RecentAssessments = append(kept, Assessment{Score: score, At: now})
	if len(s.RecentAssessments) > MaxAssessments {
		s.RecentAssessments = s.RecentAssessments[len(s.RecentAssessments)-MaxAssessments:]
	}

	span := len(s.RecentAssessments)
	if span > PerformanceMeanSpan {
		span = PerformanceMeanSpan
	}
	sum := 0.0
	for _, a := range s.RecentAssessments[len(s.RecentAssessments)-span:] {
		sum += a.Score
	}
	s.PerformanceScore = sum / float64(span)
}
