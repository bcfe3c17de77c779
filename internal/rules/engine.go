package rules

import (
	"time"

	"github.com/lumilearn/backend/internal/config"
	"github.com/lumilearn/backend/internal/events"
	"github.com/lumilearn/backend/internal/learner"
)

// Engine evaluates one event against one learner's state. It mutates the
// state in place and returns the actions to dispatch. Rule order is
// fixed: the event-specific handler first, then the adaptive-level check
// (skipped when the handler already suggested a level), then the
// universal break check.
type Engine struct {
	cfg   config.RulesConfig
	clock Clock
}

// New builds an engine; a nil clock means the system clock.
func New(cfg config.RulesConfig, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Engine{cfg: cfg, clock: clock}
}

// Apply runs the full rule set for one event.
func (e *Engine) Apply(ev *events.Event, st *learner.State) []Action {
	now := e.clock.Now()
	out := &actionList{engine: e, event: ev, now: now}

	leveled := e.handleEvent(ev, st, now, out)

	if !leveled {
		e.adaptiveLevelCheck(st, out)
	}

	e.breakCheck(st, now, out)

	return out.actions
}

// handleEvent dispatches to the per-type handler and reports whether the
// handler itself emitted a level suggestion.
func (e *Engine) handleEvent(ev *events.Event, st *learner.State, now time.Time, out *actionList) bool {
	switch ev.EventType {
	case events.EventBaselineComplete:
		return e.onBaselineComplete(ev, st, out)
	case events.EventSLPUpdated:
		return e.onSLPUpdated(ev, st, out)
	case events.EventSELAlert:
		e.onSELAlert(ev, st, now, out)
	case events.EventCourseworkAnalyzed:
		e.onCourseworkAnalyzed(ev, st)
	case events.EventAssessmentComplete:
		e.onAssessmentComplete(ev, st, now)
	case events.EventLearnerProgress:
		e.onLearnerProgress(ev, st)
	case events.EventEngagementLow:
		return e.onEngagementLow(st, out)
	}
	return false
}

// baselineLevel maps a baseline overall score to a starting level.
func baselineLevel(score float64) learner.Level {
	switch {
	case score >= 0.90:
		return learner.LevelAdvanced
	case score >= 0.75:
		return learner.LevelChallenging
	case score >= 0.50:
		return learner.LevelModerate
	case score >= 0.25:
		return learner.LevelEasy
	default:
		return learner.LevelBeginner
	}
}

func (e *Engine) onBaselineComplete(ev *events.Event, st *learner.State, out *actionList) bool {
	st.BaselineEstablished = true

	leveled := false
	if score, ok := ev.Float("overall_score"); ok {
		st.PerformanceScore = score
		if suggested := baselineLevel(score); suggested != st.CurrentLevel {
			out.levelSuggested(st, suggested, "baseline_assessment", 0.90, nil)
			leveled = true
		}
	}

	payload := map[string]interface{}{}
	copyList(payload, ev, "strengths")
	copyList(payload, ev, "challenges")
	copyList(payload, ev, "focus_areas")
	out.add(ActionLearningPathUpdate, TargetLearnerService, payload)
	return leveled
}

func (e *Engine) onSLPUpdated(ev *events.Event, st *learner.State, out *actionList) bool {
	score, ok := ev.Float("communication_score")
	if !ok || score >= 0.40 {
		return false
	}
	if st.CurrentLevel == learner.LevelBeginner || st.CurrentLevel == learner.LevelEasy {
		return false
	}
	out.levelSuggested(st, st.CurrentLevel.Down(), "speech_language_support", 0.75, nil)
	return true
}

func (e *Engine) onSELAlert(ev *events.Event, st *learner.State, now time.Time, out *actionList) {
	severity, _ := ev.Str("severity")
	st.AddSELAlert(severity, now)

	if len(st.RecentSELAlerts) < e.cfg.SELAlertsThreshold && severity != "high" {
		return
	}

	urgency := "moderate"
	if severity == "high" {
		urgency = "high"
	}
	out.add(ActionSELIntervention, TargetNotificationService, map[string]interface{}{
		"urgency":       urgency,
		"alert_count":   len(st.RecentSELAlerts),
		"last_severity": severity,
	})
	out.gameBreak("mindfulness", 5, "sel_alert")
}

func (e *Engine) onCourseworkAnalyzed(ev *events.Event, st *learner.State) {
	accuracy, hasAccuracy := ev.Float("accuracy")
	if hasAccuracy {
		st.PerformanceScore = accuracy
	}
	if engagement, ok := ev.Float("engagement"); ok {
		st.EngagementScore = engagement
	}
	if minutes, ok := ev.Float("session_duration"); ok {
		st.SessionDurationMinutes += minutes
	}

	if !hasAccuracy {
		return
	}
	switch {
	case accuracy >= 0.80:
		st.ConsecutiveCorrect++
		st.ConsecutiveIncorrect = 0
	case accuracy <= 0.40:
		st.ConsecutiveIncorrect++
		st.ConsecutiveCorrect = 0
	default:
		st.ConsecutiveCorrect = 0
		st.ConsecutiveIncorrect = 0
	}
}

func (e *Engine) onAssessmentComplete(ev *events.Event, st *learner.State, now time.Time) {
	score, ok := ev.Float("score")
	if !ok {
		score, ok = ev.Float("overall_score")
	}
	if ok {
		st.AddAssessment(score, now)
	}
}

func (e *Engine) onLearnerProgress(ev *events.Event, st *learner.State) {
	if perf, ok := ev.Float("performance_score"); ok {
		st.PerformanceScore = perf
	}
	if engagement, ok := ev.Float("engagement_score"); ok {
		st.EngagementScore = engagement
	}
}

func (e *Engine) onEngagementLow(st *learner.State, out *actionList) bool {
	out.gameBreak("energizer", 3, "low_engagement")

	if st.CurrentLevel == learner.LevelBeginner || st.CurrentLevel == learner.LevelEasy {
		return false
	}
	out.levelSuggested(st, learner.LevelEasy, "low_engagement", 0.70,
		map[string]interface{}{"temporary": true})
	return true
}

// adaptiveLevelCheck applies the streak and performance thresholds. Up
// beats down when both somehow trigger.
func (e *Engine) adaptiveLevelCheck(st *learner.State, out *actionList) {
	up := (st.PerformanceScore >= e.cfg.LevelUpPerf || st.ConsecutiveCorrect >= e.cfg.StreakUp) &&
		st.CurrentLevel != learner.LevelAdvanced
	down := (st.PerformanceScore <= e.cfg.LevelDownPerf || st.ConsecutiveIncorrect >= e.cfg.StreakDown) &&
		st.CurrentLevel != learner.LevelBeginner

	switch {
	case up:
		out.levelSuggested(st, st.CurrentLevel.Up(), "sustained_high_performance", 0.80, nil)
	case down:
		out.levelSuggested(st, st.CurrentLevel.Down(), "sustained_low_performance", 0.80, nil)
	}
}

// breakCheck runs after every event regardless of type. At most one
// break is emitted per event; a duration break also resets the session
// clock.
func (e *Engine) breakCheck(st *learner.State, now time.Time, out *actionList) {
	if !e.breakIntervalRespected(st, now) {
		return
	}

	if st.SessionDurationMinutes >= e.cfg.MaxSessionMinutes {
		out.gameBreak("movement", 5, "session_duration")
		st.SessionDurationMinutes = 0
		t := now
		st.LastBreakAt = &t
		return
	}

	if st.EngagementScore < e.cfg.LowEngagement {
		out.gameBreak("attention", 3, "low_engagement")
		t := now
		st.LastBreakAt = &t
	}
}

func (e *Engine) breakIntervalRespected(st *learner.State, now time.Time) bool {
	if st.LastBreakAt == nil {
		return true
	}
	interval := time.Duration(e.cfg.MinBreakIntervalMin * float64(time.Minute))
	return now.Sub(*st.LastBreakAt) >= interval
}

// actionList accumulates actions for one evaluation, stamping identity
// and idempotency fields uniformly.
type actionList struct {
	engine  *Engine
	event   *events.Event
	now     time.Time
	actions []Action
}

func (l *actionList) add(t ActionType, target string, payload map[string]interface{}) {
	l.actions = append(l.actions, Action{
		ActionID:      ActionID(l.event.LearnerID, t, l.now),
		Type:          t,
		TargetService: target,
		LearnerID:     l.event.LearnerID,
		TenantID:      l.event.TenantID,
		Payload:       payload,
		CreatedAt:     l.now,
	})
}

// levelSuggested emits the suggestion and applies it to the state so
// subsequent events rule against the suggested level instead of
// re-suggesting forever.
func (l *actionList) levelSuggested(st *learner.State, level learner.Level, reason string, confidence float64, metadata map[string]interface{}) {
	payload := map[string]interface{}{
		"suggested_level": string(level),
		"reason":          reason,
		"confidence":      confidence,
	}
	if metadata != nil {
		payload["metadata"] = metadata
	}
	l.add(ActionLevelSuggested, TargetLearnerService, payload)
	st.CurrentLevel = level
}

func (l *actionList) gameBreak(breakType string, minutes int, reason string) {
	l.add(ActionGameBreak, TargetNotificationService, map[string]interface{}{
		"break_type":       breakType,
		"duration_minutes": minutes,
		"reason":           reason,
	})
}

func copyList(dst map[string]interface{}, ev *events.Event, key string) {
	if v, ok := ev.EventData[key]; ok {
		dst[key] = v
	}
}
