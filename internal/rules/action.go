// Package rules is the pure decision core of the orchestration engine:
// given one learner event and the learner's current state, it returns the
// updated state and the outbound actions to dispatch. No I/O happens
// here, and every wall-clock read goes through the injected clock, so the
// same (event, state) pair always produces the same result.
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// ActionType tags the outbound action variants.
type ActionType string

const (
	ActionLevelSuggested     ActionType = "LEVEL_SUGGESTED"
	ActionGameBreak          ActionType = "GAME_BREAK"
	ActionSELIntervention    ActionType = "SEL_INTERVENTION"
	ActionLearningPathUpdate ActionType = "LEARNING_PATH_UPDATE"
)

// Target services for dispatch routing.
const (
	TargetLearnerService      = "learner-service"
	TargetNotificationService = "notification-service"
)

// actionIDBucket groups action IDs in time so a burst of identical
// decisions for one learner dedupes at the receiver.
const actionIDBucket = 5 * time.Minute

// Action is one outbound effect of the rules engine. ActionID doubles as
// the idempotency key carried to the target service.
type Action struct {
	ActionID      string                 `json:"action_id"`
	Type          ActionType             `json:"type"`
	TargetService string                 `json:"target_service"`
	LearnerID     string                 `json:"learner_id"`
	TenantID      string                 `json:"tenant_id"`
	Payload       map[string]interface{} `json:"payload"`
	CreatedAt     time.Time              `json:"created_at"`
	NotBefore     *time.Time             `json:"not_before,omitempty"`
}

// ActionID derives the deterministic idempotency key for an action:
// a short digest of the learner, the action type, and the time bucket.
func ActionID(learnerID string, actionType ActionType, at time.Time) string {
	bucket := at.UTC().Truncate(actionIDBucket)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", learnerID, actionType, bucket.Unix())))
	return hex.EncodeToString(sum[:])[:16]
}

// Clock abstracts time for determinism; tests pin it.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always reports the same instant.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
